// Package webhooks delivers listener activity to an external HTTP endpoint.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body. The
// receiver verifies it with Verify. A circuit breaker keyed by endpoint
// stops deliveries to a receiver that keeps failing.
package webhooks

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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/proofmint/notarylistener/internal/circuitbreaker"
	"github.com/proofmint/notarylistener/internal/idgen"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/metrics"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Notary-Event"
	HeaderEventID   = "X-Notary-Event-Id"
	HeaderTimestamp = "X-Notary-Timestamp"
	HeaderSignature = "X-Notary-Signature"

	signaturePrefix = "sha256="
)

var (
	ErrCircuitOpen = errors.New("webhooks: endpoint circuit open")
	ErrClosed      = errors.New("webhooks: dispatcher closed")
)

// Event is the delivered payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Config describes the single receiving endpoint.
type Config struct {
	URL              string
	Secret           string        // empty disables signing
	Events           []string      // empty delivers every event type
	Timeout          time.Duration // per delivery, default 10s
	BreakerThreshold int           // consecutive failures before opening, default 5
	BreakerCooldown  time.Duration // default 1m
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock replaces the wall clock used for timestamps and the breaker.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// Dispatcher sends events to the configured endpoint. Publish is safe to
// call from the listener loop; it never blocks on the network.
type Dispatcher struct {
	cfg     Config
	events  map[string]bool
	client  *http.Client
	clock   clockwork.Clock
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher for cfg.URL.
func NewDispatcher(cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clockwork.NewRealClock(),
		logger: logging.Component(logger, "webhooks"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, et := range cfg.Events {
			d.events[et] = true
		}
	}
	d.breaker = circuitbreaker.NewWithClock(cfg.BreakerThreshold, cfg.BreakerCooldown, d.clock)
	d.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		d.logger.Warn("webhook circuit changed", "url", key, "from", from.String(), "to", to.String())
	})
	return d
}

// Wants reports whether eventType is delivered.
func (d *Dispatcher) Wants(eventType string) bool {
	return d.events == nil || d.events[eventType]
}

// Publish delivers the event asynchronously when its type is subscribed.
func (d *Dispatcher) Publish(eventType string, data map[string]any) {
	if !d.Wants(eventType) {
		return
	}
	ev := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: d.clock.Now().UTC(),
		Data:      data,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		if err := d.Send(d.ctx, ev); err != nil {
			d.logger.Warn("webhook delivery failed", "event", ev.Type, "id", ev.ID, "error", err)
		}
	}()
}

// Send delivers ev synchronously.
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	if !d.breaker.Allow(d.cfg.URL) {
		metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Type, "dropped").Inc()
		return ErrCircuitOpen
	}

	err := d.post(ctx, ev)
	if err != nil {
		d.breaker.RecordFailure(d.cfg.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Type, "failed").Inc()
		return err
	}
	d.breaker.RecordSuccess(d.cfg.URL)
	metrics.WebhookDeliveriesTotal.WithLabelValues(ev.Type, "delivered").Inc()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if d.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for in-flight deliveries. When ctx
// ends first the remaining deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	return err
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(payload []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
