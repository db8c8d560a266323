package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"mediatrans/internal/metrics"
)

// JobEvent is the payload posted to a caller-supplied webhook URL when a
// job reaches a terminal state.
type JobEvent struct {
	JobID            string  `json:"job_id"`
	Status           string  `json:"status"`
	Kind             string  `json:"kind"`
	OutputURL        *string `json:"output_url,omitempty"`
	ErrorCategory    *string `json:"error_category,omitempty"`
	CreditsCharged   string  `json:"credits_charged"`
	DetectedBlocks   *int    `json:"detected_blocks,omitempty"`
	TranslatedBlocks *int    `json:"translated_blocks,omitempty"`
	CompletedAt      string  `json:"completed_at"`
}

// Dispatcher delivers job events with bounded retries. Delivery is
// at-least-once: a recorded success can still have been received, so
// receivers must treat job_id + status as an idempotency key.
type Dispatcher struct {
	client      *http.Client
	secret      []byte
	maxAttempts int
	baseDelay   time.Duration
}

func NewDispatcher(secret string, timeout time.Duration, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		client:      &http.Client{Timeout: timeout},
		secret:      []byte(secret),
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
	}
}

// Budget is the worst-case wall time Notify can spend: every attempt
// running into its timeout plus the backoff sleeps between attempts.
// Callers bounding Notify with a context deadline must allow at least
// this much, or later attempts never run.
func (d *Dispatcher) Budget() time.Duration {
	total := time.Duration(d.maxAttempts) * d.client.Timeout
	delay := d.baseDelay
	for i := 1; i < d.maxAttempts; i++ {
		total += delay
		delay *= 2
	}
	return total
}

// Notify posts the event to url, retrying with doubling delays until an
// attempt returns 2xx or attempts run out. It reports whether delivery
// succeeded.
func (d *Dispatcher) Notify(ctx context.Context, url string, event JobEvent) bool {
	started := time.Now()
	defer func() {
		metrics.Get().WebhookDuration.Observe(time.Since(started).Seconds())
	}()

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("webhook: marshaling event for job %s: %v", event.JobID, err)
		return false
	}
	signature := d.sign(body)

	delay := d.baseDelay
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if d.attempt(ctx, url, body, signature) {
			metrics.Get().WebhookAttempts.WithLabelValues("delivered").Inc()
			return true
		}
		metrics.Get().WebhookAttempts.WithLabelValues("failed").Inc()
		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
	}
	log.Printf("webhook: giving up on %s for job %s after %d attempts", url, event.JobID, d.maxAttempts)
	return false
}

func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte, signature string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
