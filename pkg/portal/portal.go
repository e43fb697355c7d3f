// Package portal implements the outbound reporter of spec.md §4.8:
// POSTing a pass/fail report document to the external portal with a
// bearer token, retrying transient failures with bounded exponential
// backoff and dropping terminal errors after logging them.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/beacon/pkg/ctlerrors"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/types"
)

// Report is the JSON document posted to the portal (spec.md §4.8).
type Report struct {
	ProviderID    string    `json:"provider_id"`
	ProviderType  types.ComponentType `json:"provider_type"`
	Phase         types.Phase `json:"phase"`
	IsDataCorrect bool      `json:"is_data_correct"`
	StatusDetail  string    `json:"status_detail,omitempty"`
	ReportTime    time.Time `json:"report_time"`
}

// ReportFromJudgment builds the portal Report document for one plan
// judgment, formatting status_detail from the judgment's failure
// reasons (spec.md scenario 2, `status_detail` containing e.g.
// "LatestBlock: late by 600s").
func ReportFromJudgment(providerID string, providerType types.ComponentType, phase types.Phase, j *types.Judgment, now time.Time) Report {
	r := Report{
		ProviderID:    providerID,
		ProviderType:  providerType,
		Phase:         phase,
		IsDataCorrect: j.Pass(),
		ReportTime:    now,
	}
	if !j.Pass() && len(j.Reasons) > 0 {
		parts := make([]string, 0, len(j.Reasons))
		for _, reason := range j.Reasons {
			parts = append(parts, reason.JobName+": "+reason.FailedDetail)
		}
		r.StatusDetail = strings.Join(parts, "; ")
	}
	return r
}

// Reporter posts Reports to the portal.
type Reporter struct {
	baseURL    string
	token      string
	client     *http.Client
	maxRetries uint64
}

// New creates a Reporter. baseURL is the configured portal URL, token the
// bearer token, maxRetries the bounded attempt ceiling for transient
// errors (spec.md §4.8).
func New(baseURL, token string, client *http.Client, maxRetries uint64) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Reporter{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client, maxRetries: maxRetries}
}

// Send posts report for providerID's verify-or-report endpoint
// (spec.md §6, "Scheduler → Portal"). Transient errors (5xx, timeouts)
// retry with exponential backoff up to Reporter.maxRetries; any error
// surviving that ceiling is logged and dropped (spec.md §4.8).
func (r *Reporter) Send(ctx context.Context, kind string, providerID string, report Report) error {
	timer := metrics.NewTimer()
	url := fmt.Sprintf("%s/provider/%s/%s", r.baseURL, kind, providerID)

	body, err := json.Marshal(report)
	if err != nil {
		return ctlerrors.WrapInternal(fmt.Errorf("encoding portal report: %w", err))
	}

	b := backoff.NewExponentialBackOff()
	policy := backoff.WithMaxRetries(b, r.maxRetries)

	err = backoff.Retry(func() error {
		return r.post(ctx, url, body)
	}, policy)

	if err != nil {
		log.Logger.Error().Err(err).Str("provider_id", providerID).Msg("portal report dropped after exhausting retries")
		metrics.PortalReportsSent.WithLabelValues("dropped").Inc()
		timer.ObserveDuration(metrics.PortalReportLatency)
		return ctlerrors.WrapTransport(err)
	}

	metrics.PortalReportsSent.WithLabelValues("sent").Inc()
	timer.ObserveDuration(metrics.PortalReportLatency)
	return nil
}

func (r *Reporter) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building portal request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to portal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("portal returned status %d", resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return statusErr // transient: retry
	}
	return backoff.Permanent(statusErr)
}
