// Package webhook delivers consultation lifecycle events to an external HTTP
// endpoint. Payloads are signed with HMAC-SHA256 and retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned by NewNotifier when no URL is set.
var ErrNotConfigured = errors.New("webhook url not configured")

// Config describes the single delivery endpoint.
type Config struct {
	URL        string
	Secret     string
	MaxRetries int
	QueueSize  int
}

// Event is the JSON body POSTed to the endpoint. IDs are ULIDs, so receivers
// can order events by ID.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Attempt summarises the delivery of one event.
type Attempt struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	Status     string        `json:"status"` // "success", "failed"
	Error      string        `json:"error,omitempty"`
}

// Counter receives delivery outcomes.
type Counter interface {
	IncCounter(name, label string)
}

type nopCounter struct{}

func (nopCounter) IncCounter(string, string) {}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The last delay repeats
// when there are more retries than delays.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

// WithCounter records delivery outcomes under "webhook.delivery".
func WithCounter(c Counter) Option {
	return func(n *Notifier) { n.counter = c }
}

// Notifier queues events and delivers them from a single worker, so the
// endpoint sees them in publish order.
type Notifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	queue       chan Event
	counter     Counter
	log         zerolog.Logger
	now         func() time.Time
}

// NewNotifier validates cfg and creates a Notifier. Call Run to start delivery.
func NewNotifier(cfg Config, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	n := &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  cfg.MaxRetries,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		queue:       make(chan Event, cfg.QueueSize),
		counter:     nopCounter{},
		log:         logger.With().Str("component", "webhook").Logger(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// validateURL checks that the URL is absolute and uses http or https.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", rawURL)
	}
	return nil
}

// Publish queues an event without blocking. It returns false when the
// payload cannot be encoded or the queue is full.
func (n *Notifier) Publish(eventType, subject string, payload interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		n.log.Error().Err(err).Str("event_type", eventType).Msg("encode webhook payload")
		n.counter.IncCounter("webhook.delivery", "dropped")
		return false
	}

	ev := Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Subject:   subject,
		Payload:   raw,
		Timestamp: n.now().UTC(),
	}
	select {
	case n.queue <- ev:
		return true
	default:
		n.counter.IncCounter("webhook.delivery", "dropped")
		return false
	}
}

// Run delivers queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if pending := len(n.queue); pending > 0 {
				n.log.Warn().Int("pending", pending).Msg("webhook worker stopped with undelivered events")
			}
			return
		case ev := <-n.queue:
			n.Deliver(ctx, ev)
		}
	}
}

// Deliver POSTs ev, retrying transport errors, 429 and 5xx responses.
func (n *Notifier) Deliver(ctx context.Context, ev Event) Attempt {
	body, _ := json.Marshal(ev)
	sig := SignPayload(body, n.secret)

	result := Attempt{EventID: ev.ID, EventType: ev.Type}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		code, retryable, err := n.post(ctx, ev, body, sig, attempt)
		result.StatusCode = code
		if err == nil {
			result.Status = "success"
			result.Error = ""
			break
		}
		result.Status = "failed"
		result.Error = err.Error()
		if !retryable || attempt > n.maxRetries || !n.wait(ctx, attempt) {
			break
		}
	}
	result.Duration = time.Since(start)

	n.counter.IncCounter("webhook.delivery", result.Status)
	evt := n.log.Info()
	if result.Status != "success" {
		evt = n.log.Warn().Str("error", result.Error)
	}
	evt.Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("subject", ev.Subject).
		Int("status_code", result.StatusCode).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("webhook delivery")
	return result
}

func (n *Notifier) post(ctx context.Context, ev Event, body []byte, sig string, attempt int) (int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.Format(time.RFC3339))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	// Drain at most 1KB so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, false, nil
	}
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return resp.StatusCode, retryable, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
}

// wait sleeps before the next attempt and reports whether to continue.
func (n *Notifier) wait(ctx context.Context, attempt int) bool {
	var d time.Duration
	if len(n.retryDelays) > 0 {
		d = n.retryDelays[min(attempt-1, len(n.retryDelays)-1)]
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
