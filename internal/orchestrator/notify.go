package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/specprobe/internal/models"
)

// Notifier posts scan summaries to a webhook endpoint.
type Notifier struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
}

// NewNotifier creates a notifier for the given webhook URL.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger.With("component", "notifier"),
		backoff: time.Second,
	}
}

type notification struct {
	ScanID        string `json:"scan_id"`
	Status        string `json:"status"`
	FindingsCount int    `json:"findings_count"`
	Error         string `json:"error,omitempty"`
}

// Notify delivers a scan summary without blocking on delivery. Delivery
// stops when ctx is cancelled.
func (n *Notifier) Notify(ctx context.Context, rec *models.ScanRecord) {
	go func() {
		_ = n.NotifySync(ctx, rec)
	}()
}

// NotifySync delivers a scan summary and waits for the response.
func (n *Notifier) NotifySync(ctx context.Context, rec *models.ScanRecord) error {
	payload := notification{
		ScanID:        rec.ID,
		Status:        string(rec.Status),
		FindingsCount: rec.FindingsCount,
		Error:         rec.Error,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook: failed to marshal payload", "error", err)
		return err
	}

	// retry up to 3 times with quadratic backoff
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * n.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("webhook: failed to create request", "error", err)
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "specprobe-webhook/1.0")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook: delivery failed", "url", n.url, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			n.logger.Info("webhook: delivered", "url", n.url, "status", resp.StatusCode)
			return nil
		}

		lastErr = &NotifyError{StatusCode: resp.StatusCode}
		n.logger.Warn("webhook: non-success status", "url", n.url, "status", resp.StatusCode, "attempt", attempt+1)
	}

	n.logger.Error("webhook: delivery failed after retries", "url", n.url, "error", lastErr)
	return lastErr
}

// NotifyError represents a webhook delivery failure.
type NotifyError struct {
	StatusCode int
}

func (e *NotifyError) Error() string {
	return "webhook delivery failed with status: " + http.StatusText(e.StatusCode)
}
