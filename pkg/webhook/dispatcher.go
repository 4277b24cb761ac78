// Package webhook delivers terminal job outcomes to caller-supplied URLs.
// Delivery is bounded-retry and strict about what counts as success: only a
// 2xx status, and redirects are never followed, because a redirect target is
// not a URL the caller validated.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pdpj/materializer/pkg/common/logger"
)

// DocumentPayload is one entry in Payload.Documents: everything a caller
// needs to fetch or explain a single document's outcome, without a second
// round trip to the status endpoint.
type DocumentPayload struct {
	ID           string `json:"id"`
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Status       string `json:"status"`
	DownloadURL  string `json:"download_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Payload is the body POSTed to a job's webhook URL on completion.
type Payload struct {
	ProcessNumber      string            `json:"process_number"`
	JobID              string            `json:"job_id"`
	Status             string            `json:"status"`
	TotalDocuments     int               `json:"total_documents"`
	CompletedDocuments int               `json:"completed_documents"`
	FailedDocuments    int               `json:"failed_documents"`
	CompletedAt        string            `json:"completed_at,omitempty"`
	Documents          []DocumentPayload `json:"documents"`
	ErrorMessage       string            `json:"error_message,omitempty"`
}

// Dispatcher sends Payload to a job's webhook URL with bounded retries and
// exponential backoff.
type Dispatcher struct {
	httpClient   *http.Client
	maxAttempts  int
	baseDelay    time.Duration
}

func NewDispatcher(httpClient *http.Client, maxAttempts int, baseDelay time.Duration) *Dispatcher {
	// Redirects are never followed: the only URL this dispatcher trusts is
	// the one a caller already passed through ValidateWebhookURL.
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Dispatcher{httpClient: httpClient, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Result records what happened on the attempt that ended delivery, whether
// that attempt succeeded or the dispatcher gave up.
type Result struct {
	Delivered bool
	Attempts  int
	LastError string
}

// Deliver attempts to POST payload to webhookURL, retrying up to
// d.maxAttempts times with exponential backoff between attempts. Attempt n
// (1-indexed) waits d.baseDelay * 2^(n-2) before firing, so the first
// attempt fires immediately.
func (d *Dispatcher) Deliver(ctx context.Context, webhookURL string, payload Payload) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Delivered: false, Attempts: 0, LastError: fmt.Sprintf("marshaling payload: %v", err)}
	}

	deliveryID := uuid.NewString()
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(d.baseDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{Delivered: false, Attempts: attempt - 1, LastError: ctx.Err().Error()}
			}
		}

		err := d.attempt(ctx, webhookURL, body, deliveryID, attempt)
		if err == nil {
			logger.Log.WithFields(map[string]interface{}{
				"job_id":   payload.JobID,
				"attempt":  attempt,
				"delivery": deliveryID,
			}).Info("webhook delivered")
			return Result{Delivered: true, Attempts: attempt}
		}

		lastErr = err
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"job_id":  payload.JobID,
			"attempt": attempt,
		}).Warn("webhook delivery attempt failed")
	}

	return Result{Delivered: false, Attempts: d.maxAttempts, LastError: lastErr.Error()}
}

func (d *Dispatcher) attempt(ctx context.Context, webhookURL string, body []byte, deliveryID string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", deliveryID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", attempt))
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// ConnectivityResult reports the outcome of a single connectivity probe.
type ConnectivityResult struct {
	Reachable      bool
	StatusCode     int
	ResponseTimeMs int64
	Error          string
}

// TestConnectivity sends a single best-effort probe request and reports
// whether the endpoint answered with a 2xx, its status code, and how long it
// took to respond, without consuming any of a job's retry budget.
func (d *Dispatcher) TestConnectivity(ctx context.Context, webhookURL string) ConnectivityResult {
	payload := Payload{JobID: "connectivity-check", Status: "TEST"}
	body, err := json.Marshal(payload)
	if err != nil {
		return ConnectivityResult{Error: fmt.Sprintf("marshaling probe payload: %v", err)}
	}

	started := time.Now()
	statusCode, err := d.probe(ctx, webhookURL, body, uuid.NewString())
	elapsedMs := time.Since(started).Milliseconds()

	if err != nil {
		return ConnectivityResult{StatusCode: statusCode, ResponseTimeMs: elapsedMs, Error: err.Error()}
	}
	return ConnectivityResult{Reachable: true, StatusCode: statusCode, ResponseTimeMs: elapsedMs}
}

// probe issues a single unretried POST and returns the response status code
// even on failure, so TestConnectivity can report what the endpoint said.
func (d *Dispatcher) probe(ctx context.Context, webhookURL string, body []byte, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", deliveryID)
	req.Header.Set("X-Webhook-Attempt", "1")
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	shift := attempt - 2
	return base << shift
}
