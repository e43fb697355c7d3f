// Package health implements the HTTP liveness check used to ping worker
// processes, adapted from the teacher's pkg/health HTTPChecker (the
// TCP/exec checkers are dropped — workers are only reachable over HTTP).
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Result is the outcome of a single HTTPChecker.Check call.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// HTTPChecker performs an HTTP request against URL and classifies the
// response status against an expected range.
type HTTPChecker struct {
	URL               string
	Method            string
	ExpectedStatusMin int
	ExpectedStatusMax int
	Client            *http.Client
}

// NewHTTPChecker creates an HTTPChecker with a GET method and the
// teacher's 200-399 default status range.
func NewHTTPChecker(url string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            client,
	}
}

// Check performs the request and reports whether the response status
// fell within [ExpectedStatusMin, ExpectedStatusMax].
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}
