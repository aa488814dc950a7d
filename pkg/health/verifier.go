// Package health polls a freshly deployed service until it answers.
// Anything below 500 counts as ready: redirects and auth walls mean the
// process is up, which is all deployment verification can promise.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the outcome of a verification run.
type Result struct {
	Healthy      bool
	StatusCode   int
	ResponseTime time.Duration
	Attempts     int
	Error        string
}

// Verifier polls service URLs with exponential backoff.
type Verifier struct {
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.client.Timeout = d }
}

// WithMaxRetries sets the number of probe attempts.
func WithMaxRetries(n int) Option {
	return func(v *Verifier) { v.maxRetries = n }
}

// WithBackoffBase sets the initial retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(v *Verifier) { v.backoffBase = d }
}

// New creates a verifier with the default policy: 30 s per attempt,
// 5 attempts, 2 s backoff base.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:  5,
		backoffBase: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// probePaths are tried in order on each attempt; the first reachable
// one decides the attempt.
var probePaths = []string{"/", "/health", "/api/health"}

// Wait polls serviceURL until a non-5xx response or retries run out.
// note receives user-visible attempt updates.
func (v *Verifier) Wait(ctx context.Context, serviceURL string, note func(string)) Result {
	if note == nil {
		note = func(string) {}
	}
	note("Starting service health verification")

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     v.backoffBase,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         v.backoffBase << 4,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, uint64(v.maxRetries-1)), ctx)

	var last Result
	attempt := 0
	operation := func() error {
		attempt++
		last = v.probe(ctx, serviceURL)
		last.Attempts = attempt
		if last.Healthy {
			return nil
		}
		return fmt.Errorf("attempt %d: %s", attempt, last.Error)
	}
	notify := func(_ error, next time.Duration) {
		note(fmt.Sprintf("Waiting for service to be ready (attempt %d/%d, next check in %s)",
			attempt, v.maxRetries, next.Round(time.Second)))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		last.Error = fmt.Sprintf("service failed to become healthy after %d attempts: %s", attempt, last.Error)
		return last
	}
	note(fmt.Sprintf("Service is healthy (response time %s)", last.ResponseTime.Round(time.Millisecond)))
	return last
}

// probe performs one attempt across the probe paths.
func (v *Verifier) probe(ctx context.Context, serviceURL string) Result {
	base := serviceURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}

	var last Result
	for _, path := range probePaths {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			last = Result{Error: err.Error()}
			continue
		}
		resp, err := v.client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			last = Result{ResponseTime: elapsed, Error: err.Error()}
			continue
		}
		_ = resp.Body.Close()

		last = Result{
			StatusCode:   resp.StatusCode,
			ResponseTime: elapsed,
			Healthy:      resp.StatusCode < http.StatusInternalServerError,
		}
		if !last.Healthy {
			last.Error = fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
			continue
		}
		return last
	}
	return last
}
