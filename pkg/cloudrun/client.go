// Package cloudrun is the typed deploy collaborator: it creates or
// updates a Cloud Run service for a built image, polls the rollout
// operation, and reads service logs back through the Logging API. Like
// the build collaborator it speaks the REST surfaces directly with an
// OAuth2 token source instead of shelling out.
package cloudrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ErrDeployFailed marks a rollout the platform itself reported as
// failed, as opposed to a transport problem reaching the API.
var ErrDeployFailed = errors.New("cloud run deployment failed")

// DeploySpec describes the service to create or update.
type DeploySpec struct {
	Service      string
	ImageTag     string
	EnvVars      map[string]string
	UserID       string
	CPU          string
	Memory       string
	Concurrency  int
	MinInstances int
	MaxInstances int
}

// DeployResult reports a finished rollout.
type DeployResult struct {
	Service    string
	ServiceURL string
	Revision   string
	Created    bool
	Duration   time.Duration
}

// LogEntry is one line of service output.
type LogEntry struct {
	Timestamp time.Time
	Severity  string
	Message   string
}

// Client talks to the Cloud Run v2 and Cloud Logging REST APIs for one
// project/region pair.
type Client struct {
	project    string
	region     string
	httpClient *http.Client

	runBase     string
	loggingBase string

	pollInterval time.Duration
}

// NewClient builds a client using application default credentials.
func NewClient(ctx context.Context, project, region string) (*Client, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("cloud credentials: %w", err)
	}
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 2 * time.Minute
	return newClient(project, region, httpClient), nil
}

func newClient(project, region string, httpClient *http.Client) *Client {
	return &Client{
		project:      project,
		region:       region,
		httpClient:   httpClient,
		runBase:      "https://run.googleapis.com/v2",
		loggingBase:  "https://logging.googleapis.com/v2",
		pollInterval: 3 * time.Second,
	}
}

// SetPollInterval overrides the long-running-operation poll cadence.
func (c *Client) SetPollInterval(d time.Duration) { c.pollInterval = d }

func (c *Client) servicePath(service string) string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", c.project, c.region, service)
}

// FallbackURL is the deterministic run.app URL used when the rollout
// operation does not surface one.
func (c *Client) FallbackURL(service string) string {
	return fmt.Sprintf("https://%s-%s.run.app", service, c.region)
}

// Deploy creates the service if absent, updates it otherwise, and
// blocks until the rollout operation finishes or ctx expires. note
// receives human-readable status updates.
func (c *Client) Deploy(ctx context.Context, spec DeploySpec, note func(string)) (*DeployResult, error) {
	if note == nil {
		note = func(string) {}
	}
	if err := ValidateServiceName(spec.Service); err != nil {
		return nil, fmt.Errorf("deploy: %w", err)
	}
	start := time.Now()

	exists, err := c.serviceExists(ctx, spec.Service)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(serviceBody(spec))
	var opName string
	if exists {
		note("Updating existing service " + spec.Service)
		u := fmt.Sprintf("%s/%s", c.runBase, c.servicePath(spec.Service))
		opName, err = c.mutateService(ctx, http.MethodPatch, u, payload)
	} else {
		note("Creating service " + spec.Service)
		u := fmt.Sprintf("%s/projects/%s/locations/%s/services?serviceId=%s",
			c.runBase, c.project, c.region, url.QueryEscape(spec.Service))
		opName, err = c.mutateService(ctx, http.MethodPost, u, payload)
	}
	if err != nil {
		return nil, err
	}

	serviceURL, err := c.waitOperation(ctx, opName, note)
	if err != nil {
		return nil, err
	}
	if serviceURL == "" {
		serviceURL = c.lookupServiceURL(ctx, spec.Service)
	}
	if serviceURL == "" {
		serviceURL = c.FallbackURL(spec.Service)
	}

	return &DeployResult{
		Service:    spec.Service,
		ServiceURL: serviceURL,
		Created:    !exists,
		Duration:   time.Since(start),
	}, nil
}

func serviceBody(spec DeploySpec) map[string]any {
	env := make([]map[string]string, 0, len(spec.EnvVars))
	for name, value := range spec.EnvVars {
		env = append(env, map[string]string{"name": name, "value": value})
	}

	labels := map[string]string{"managed-by": "servergem"}
	if spec.UserID != "" {
		labels["user-id"] = SanitizeServiceName(spec.UserID)
	}

	return map[string]any{
		"labels": labels,
		"template": map[string]any{
			"containers": []map[string]any{{
				"image": spec.ImageTag,
				"ports": []map[string]any{{"containerPort": 8080}},
				"env":   env,
				"resources": map[string]any{
					"limits": map[string]string{
						"cpu":    spec.CPU,
						"memory": spec.Memory,
					},
				},
			}},
			"scaling": map[string]any{
				"minInstanceCount": spec.MinInstances,
				"maxInstanceCount": spec.MaxInstances,
			},
			"maxInstanceRequestConcurrency": spec.Concurrency,
		},
	}
}

func (c *Client) serviceExists(ctx context.Context, service string) (bool, error) {
	u := fmt.Sprintf("%s/%s", c.runBase, c.servicePath(service))
	resp, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("get service: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("get service: API returned %d: %s", resp.StatusCode, truncate(body))
	}
}

func (c *Client) mutateService(ctx context.Context, method, u string, payload []byte) (string, error) {
	resp, body, err := c.do(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("submit rollout: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit rollout: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	var op struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &op); err != nil {
		return "", fmt.Errorf("decode rollout operation: %w", err)
	}
	if op.Name == "" {
		return "", fmt.Errorf("submit rollout: no operation name in response")
	}
	return op.Name, nil
}

// waitOperation polls the rollout operation until done. Returns the
// service URL when the operation response carries one.
func (c *Client) waitOperation(ctx context.Context, opName string, note func(string)) (string, error) {
	noted := false
	for {
		u := fmt.Sprintf("%s/%s", c.runBase, opName)
		resp, body, err := c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", fmt.Errorf("poll rollout: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("poll rollout: API returned %d: %s", resp.StatusCode, truncate(body))
		}

		var op struct {
			Done  bool `json:"done"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			Response struct {
				URI string `json:"uri"`
			} `json:"response"`
		}
		if err := json.Unmarshal(body, &op); err != nil {
			return "", fmt.Errorf("decode rollout operation: %w", err)
		}

		if op.Done {
			if op.Error.Message != "" {
				return "", fmt.Errorf("%w: %s", ErrDeployFailed, op.Error.Message)
			}
			return op.Response.URI, nil
		}
		if !noted {
			noted = true
			note("Waiting for revision to become ready")
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("rollout polling: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

// lookupServiceURL re-reads the service after rollout. Best effort:
// returns "" when the read fails.
func (c *Client) lookupServiceURL(ctx context.Context, service string) string {
	u := fmt.Sprintf("%s/%s", c.runBase, c.servicePath(service))
	resp, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	var svc struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(body, &svc); err != nil {
		return ""
	}
	return svc.URI
}

// ServiceLogs reads the most recent log lines for a service, newest
// first.
func (c *Client) ServiceLogs(ctx context.Context, service string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := fmt.Sprintf(
		`resource.type="cloud_run_revision" AND resource.labels.service_name=%q AND resource.labels.location=%q`,
		service, c.region)
	payload, _ := json.Marshal(map[string]any{
		"resourceNames": []string{"projects/" + c.project},
		"filter":        filter,
		"orderBy":       "timestamp desc",
		"pageSize":      limit,
	})

	resp, body, err := c.do(ctx, http.MethodPost, c.loggingBase+"/entries:list", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list logs: API returned %d: %s", resp.StatusCode, truncate(body))
	}

	var page struct {
		Entries []struct {
			Timestamp   time.Time       `json:"timestamp"`
			Severity    string          `json:"severity"`
			TextPayload string          `json:"textPayload"`
			JSONPayload json.RawMessage `json:"jsonPayload"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode log entries: %w", err)
	}

	entries := make([]LogEntry, 0, len(page.Entries))
	for _, e := range page.Entries {
		msg := e.TextPayload
		if msg == "" && len(e.JSONPayload) > 0 {
			msg = compactJSON(e.JSONPayload)
		}
		severity := e.Severity
		if severity == "" {
			severity = "DEFAULT"
		}
		entries = append(entries, LogEntry{
			Timestamp: e.Timestamp,
			Severity:  severity,
			Message:   msg,
		})
	}
	return entries, nil
}

func compactJSON(raw json.RawMessage) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			return msg
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return strings.TrimSpace(string(body))
}
