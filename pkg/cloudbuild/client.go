// Package cloudbuild is the typed build collaborator: it stages the
// working copy in a GCS bucket, submits a Cloud Build job, and polls it
// to completion. Preflight helpers verify the project and provision the
// Artifact Registry repository and staging bucket when absent. No CLI
// is invoked; everything goes over the REST surfaces with an OAuth2
// token source.
package cloudbuild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ErrBuildFailed marks a build that Cloud Build itself reported as
// failed, as opposed to a transport problem reaching the API.
var ErrBuildFailed = errors.New("cloud build failed")

// BuildResult reports a finished build.
type BuildResult struct {
	BuildID  string
	ImageTag string
	LogURL   string
	Duration time.Duration
}

// Client talks to the Cloud Build, Cloud Storage, Artifact Registry,
// and Service Usage REST APIs for one project/region pair.
type Client struct {
	project    string
	region     string
	registry   string
	httpClient *http.Client

	buildBase    string
	storageBase  string
	uploadBase   string
	artifactBase string
	usageBase    string

	pollInterval time.Duration
}

// NewClient builds a client using application default credentials.
func NewClient(ctx context.Context, project, region, registry string) (*Client, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("cloud credentials: %w", err)
	}
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 5 * time.Minute
	return newClient(project, region, registry, httpClient), nil
}

func newClient(project, region, registry string, httpClient *http.Client) *Client {
	return &Client{
		project:      project,
		region:       region,
		registry:     registry,
		httpClient:   httpClient,
		buildBase:    "https://cloudbuild.googleapis.com/v1",
		storageBase:  "https://storage.googleapis.com/storage/v1",
		uploadBase:   "https://storage.googleapis.com/upload/storage/v1",
		artifactBase: "https://artifactregistry.googleapis.com/v1",
		usageBase:    "https://serviceusage.googleapis.com/v1",
		pollInterval: 3 * time.Second,
	}
}

// SetPollInterval overrides the long-running-operation poll cadence.
func (c *Client) SetPollInterval(d time.Duration) { c.pollInterval = d }

// ImageTag formats the Artifact Registry tag for an image name.
func (c *Client) ImageTag(image string) string {
	return fmt.Sprintf("%s-docker.pkg.dev/%s/%s/%s:latest", c.region, c.project, c.registry, image)
}

// StagingBucket is the per-project source staging bucket name.
func (c *Client) StagingBucket() string {
	return c.project + "_servergem_sources"
}

// VerifyProject confirms the project is reachable with the configured
// credential by listing its buckets.
func (c *Client) VerifyProject(ctx context.Context) error {
	u := fmt.Sprintf("%s/b?project=%s&maxResults=1", c.storageBase, url.QueryEscape(c.project))
	resp, body, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return fmt.Errorf("verify project: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify project: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	return nil
}

// requiredAPIs must be enabled on the project before build/deploy.
var requiredAPIs = []string{
	"cloudbuild.googleapis.com",
	"run.googleapis.com",
	"artifactregistry.googleapis.com",
}

// CheckAPIs returns the required APIs that are not enabled.
func (c *Client) CheckAPIs(ctx context.Context) ([]string, error) {
	var disabled []string
	for _, api := range requiredAPIs {
		u := fmt.Sprintf("%s/projects/%s/services/%s", c.usageBase, c.project, api)
		resp, body, err := c.do(ctx, http.MethodGet, u, nil, "")
		if err != nil {
			return nil, fmt.Errorf("check API %s: %w", api, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("check API %s: returned %d: %s", api, resp.StatusCode, truncate(body))
		}
		var svc struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(body, &svc); err != nil {
			return nil, fmt.Errorf("check API %s: %w", api, err)
		}
		if svc.State != "ENABLED" {
			disabled = append(disabled, api)
		}
	}
	return disabled, nil
}

// EnsureBucket creates the staging bucket if it does not exist.
// Returns true when it had to create it.
func (c *Client) EnsureBucket(ctx context.Context) (bool, error) {
	bucket := c.StagingBucket()
	u := fmt.Sprintf("%s/b/%s", c.storageBase, url.PathEscape(bucket))
	resp, body, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return false, fmt.Errorf("get bucket: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, fmt.Errorf("get bucket: API returned %d: %s", resp.StatusCode, truncate(body))
	}

	payload, _ := json.Marshal(map[string]string{
		"name":     bucket,
		"location": c.region,
	})
	createURL := fmt.Sprintf("%s/b?project=%s", c.storageBase, url.QueryEscape(c.project))
	resp, body, err = c.do(ctx, http.MethodPost, createURL, bytes.NewReader(payload), "application/json")
	if err != nil {
		return false, fmt.Errorf("create bucket: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("create bucket: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	return true, nil
}

// EnsureRepository creates the Artifact Registry Docker repository if
// absent. Returns true when it had to create it.
func (c *Client) EnsureRepository(ctx context.Context) (bool, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s", c.project, c.region)
	u := fmt.Sprintf("%s/%s/repositories/%s", c.artifactBase, parent, c.registry)
	resp, body, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return false, fmt.Errorf("get repository: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, fmt.Errorf("get repository: API returned %d: %s", resp.StatusCode, truncate(body))
	}

	payload, _ := json.Marshal(map[string]string{"format": "DOCKER"})
	createURL := fmt.Sprintf("%s/%s/repositories?repositoryId=%s", c.artifactBase, parent, url.QueryEscape(c.registry))
	resp, body, err = c.do(ctx, http.MethodPost, createURL, bytes.NewReader(payload), "application/json")
	if err != nil {
		return false, fmt.Errorf("create repository: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("create repository: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	return true, nil
}

// UploadSource packs dir into a gzipped tar and uploads it to the
// staging bucket under object. Returns the file count packed.
func (c *Client) UploadSource(ctx context.Context, dir, object string) (int, error) {
	var buf bytes.Buffer
	count, err := packSource(dir, &buf)
	if err != nil {
		return 0, err
	}

	u := fmt.Sprintf("%s/b/%s/o?uploadType=media&name=%s",
		c.uploadBase, url.PathEscape(c.StagingBucket()), url.QueryEscape(object))
	resp, body, err := c.do(ctx, http.MethodPost, u, &buf, "application/gzip")
	if err != nil {
		return 0, fmt.Errorf("upload source: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload source: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	return count, nil
}

// SubmitBuild starts a build of the staged source producing imageTag.
// Returns the build id for polling.
func (c *Client) SubmitBuild(ctx context.Context, object, imageTag string, timeout time.Duration) (string, error) {
	build := map[string]any{
		"source": map[string]any{
			"storageSource": map[string]string{
				"bucket": c.StagingBucket(),
				"object": object,
			},
		},
		"steps": []map[string]any{{
			"name": "gcr.io/cloud-builders/docker",
			"args": []string{"build", "-t", imageTag, "."},
		}},
		"images":  []string{imageTag},
		"timeout": fmt.Sprintf("%ds", int(timeout.Seconds())),
	}
	payload, _ := json.Marshal(build)

	u := fmt.Sprintf("%s/projects/%s/builds", c.buildBase, c.project)
	resp, body, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", fmt.Errorf("submit build: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit build: API returned %d: %s", resp.StatusCode, truncate(body))
	}

	var op struct {
		Metadata struct {
			Build struct {
				ID string `json:"id"`
			} `json:"build"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &op); err != nil {
		return "", fmt.Errorf("decode build operation: %w", err)
	}
	if op.Metadata.Build.ID == "" {
		return "", fmt.Errorf("submit build: no build id in operation")
	}
	return op.Metadata.Build.ID, nil
}

type buildStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	LogURL string `json:"logUrl"`
	Detail string `json:"statusDetail"`
}

// PollBuild blocks until the build reaches a terminal status or ctx
// expires. note receives human-readable status updates.
func (c *Client) PollBuild(ctx context.Context, buildID, imageTag string, note func(string)) (*BuildResult, error) {
	if note == nil {
		note = func(string) {}
	}
	start := time.Now()
	lastStatus := ""

	for {
		status, err := c.getBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
		if status.Status != lastStatus {
			lastStatus = status.Status
			note("Build status: " + status.Status)
		}

		switch status.Status {
		case "SUCCESS":
			return &BuildResult{
				BuildID:  buildID,
				ImageTag: imageTag,
				LogURL:   status.LogURL,
				Duration: time.Since(start),
			}, nil
		case "FAILURE", "INTERNAL_ERROR", "TIMEOUT", "CANCELLED", "EXPIRED":
			detail := status.Detail
			if detail == "" {
				detail = status.Status
			}
			return nil, fmt.Errorf("%w: %s (logs: %s)", ErrBuildFailed, detail, status.LogURL)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("build polling: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) getBuild(ctx context.Context, buildID string) (*buildStatus, error) {
	u := fmt.Sprintf("%s/projects/%s/builds/%s", c.buildBase, c.project, buildID)
	resp, body, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get build: API returned %d: %s", resp.StatusCode, truncate(body))
	}
	var status buildStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode build: %w", err)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
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
	return string(body)
}
