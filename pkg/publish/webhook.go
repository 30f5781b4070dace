package publish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/envelope"
)

// ErrWebhookClosed is returned by Publish after the dispatcher has shut down.
var ErrWebhookClosed = errors.New("publish: webhook dispatcher is closed")

// WebhookOptions configures a Webhook dispatcher. Zero values fall back to
// the defaults noted on each field.
type WebhookOptions struct {
	// URL receives every envelope as a POST. Required.
	URL string
	// Secret, when set, signs each payload; the signature travels in the
	// X-Xorca-Signature header as "sha256=<hex hmac>".
	Secret string
	// Workers is the delivery pool size. Default 4.
	Workers int
	// Timeout bounds a single HTTP attempt. Default 10s.
	Timeout time.Duration
	// MaxAttempts bounds deliveries per envelope. Default 3.
	MaxAttempts int
	// QueueSize bounds envelopes waiting for a worker. Default 1000.
	QueueSize int
	// Backoff scales the delay between attempts: attempt² × Backoff.
	// Default 1s.
	Backoff time.Duration
	// FailureThreshold is the run of consecutive failed deliveries that
	// opens the breaker. While open, deliveries fail fast and consume
	// their retry attempts. Default 5.
	FailureThreshold int
	// CooldownPeriod is how long the breaker stays open before letting a
	// probe through. Default 30s.
	CooldownPeriod time.Duration
}

func (o *WebhookOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.CooldownPeriod <= 0 {
		o.CooldownPeriod = 30 * time.Second
	}
}

type delivery struct {
	env     *envelope.Envelope
	payload []byte
	attempt int
}

// Webhook delivers envelopes to a single HTTP endpoint through a worker
// pool. Failed deliveries retry with quadratic backoff until MaxAttempts,
// then are abandoned with an error log. A run of consecutive failures opens
// a breaker that fails deliveries fast until the endpoint has had
// CooldownPeriod to recover.
type Webhook struct {
	opts    WebhookOptions
	client  *http.Client
	queue   chan *delivery
	done    chan struct{}
	breaker *breaker
	wg      sync.WaitGroup
	once    sync.Once
	logger  zerolog.Logger
}

var _ Publisher = (*Webhook)(nil)

// NewWebhook starts the worker pool and returns the dispatcher.
func NewWebhook(opts WebhookOptions, logger zerolog.Logger) (*Webhook, error) {
	if opts.URL == "" {
		return nil, errors.New("publish: webhook url is required")
	}
	opts.defaults()

	w := &Webhook{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		queue:   make(chan *delivery, opts.QueueSize),
		done:    make(chan struct{}),
		breaker: newBreaker(opts.FailureThreshold, opts.CooldownPeriod),
		logger:  logger.With().Str("component", "webhook").Str("url", opts.URL).Logger(),
	}
	for i := 0; i < opts.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w, nil
}

// Publish queues the batch for delivery. A full queue rejects the remainder
// of the batch rather than blocking the router's caller.
func (w *Webhook) Publish(_ context.Context, envs []*envelope.Envelope) error {
	select {
	case <-w.done:
		return ErrWebhookClosed
	default:
	}

	for _, env := range envs {
		if env == nil {
			continue
		}
		payload, err := env.JSON()
		if err != nil {
			return fmt.Errorf("publish: marshal %s: %w", env.ID, err)
		}
		select {
		case w.queue <- &delivery{env: env, payload: payload, attempt: 1}:
		default:
			w.logger.Warn().Str("id", env.ID).Msg("webhook queue full")
			return fmt.Errorf("publish: webhook queue full, dropped %s", env.ID)
		}
	}
	return nil
}

// Close stops the workers and delivers whatever is already queued before
// returning.
func (w *Webhook) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
	drain:
		for {
			select {
			case d := <-w.queue:
				w.deliver(d)
			default:
				break drain
			}
		}
	})
	return nil
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case d := <-w.queue:
			w.deliver(d)
		}
	}
}

func (w *Webhook) deliver(d *delivery) {
	if !w.breaker.allow() {
		w.logger.Warn().
			Str("id", d.env.ID).
			Int("attempt", d.attempt).
			Msg("webhook breaker open, delivery deferred")
		w.retry(d)
		return
	}

	req, err := http.NewRequest(http.MethodPost, w.opts.URL, bytes.NewReader(d.payload))
	if err != nil {
		w.logger.Error().Err(err).Str("id", d.env.ID).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", envelope.ContentTypeCloudEvents)
	req.Header.Set("X-Xorca-Event-Type", d.env.Type)
	req.Header.Set("X-Xorca-Event-Id", d.env.ID)
	req.Header.Set("X-Xorca-Delivery-Attempt", strconv.Itoa(d.attempt))
	if w.opts.Secret != "" {
		req.Header.Set("X-Xorca-Signature", "sha256="+SignPayload(d.payload, w.opts.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.failure()
		w.logger.Warn().Err(err).
			Str("id", d.env.ID).
			Int("attempt", d.attempt).
			Msg("webhook delivery failed")
		w.retry(d)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		w.breaker.failure()
		w.logger.Warn().
			Str("id", d.env.ID).
			Int("attempt", d.attempt).
			Int("status", resp.StatusCode).
			Msg("webhook delivery rejected")
		w.retry(d)
		return
	}

	w.breaker.success()
	w.logger.Debug().
		Str("id", d.env.ID).
		Str("type", d.env.Type).
		Int("attempt", d.attempt).
		Msg("webhook delivered")
}

func (w *Webhook) retry(d *delivery) {
	if d.attempt >= w.opts.MaxAttempts {
		w.logger.Error().
			Str("id", d.env.ID).
			Str("type", d.env.Type).
			Int("attempts", d.attempt).
			Msg("webhook delivery abandoned")
		return
	}
	time.Sleep(time.Duration(d.attempt*d.attempt) * w.opts.Backoff)
	d.attempt++
	select {
	case w.queue <- d:
	default:
		w.logger.Warn().Str("id", d.env.ID).Msg("webhook queue full, retry dropped")
	}
}

// SignPayload computes the hex HMAC-SHA256 a receiver verifies the delivery
// with.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
