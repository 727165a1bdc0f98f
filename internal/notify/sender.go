package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tokfresh/internal/eventbus"
	logx "tokfresh/pkg/logx"
)

// Sender posts webhook messages. Deliveries share one token bucket so a
// misconfigured loop cannot flood the webhook.
//
// It is safe for concurrent use.
type Sender struct {
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     logx.Logger
	bus     eventbus.Bus
}

type SenderOptions struct {
	HTTPClient *http.Client
	RatePerSec int
	Timeout    time.Duration
	Logger     logx.Logger
	Bus        eventbus.Bus
}

func NewSender(opts SenderOptions) *Sender {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	return &Sender{
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		timeout: opts.Timeout,
		log:     opts.Logger,
		bus:     opts.Bus,
	}
}

// Send posts text to the webhook in cfg. It returns the delivery error; callers
// that treat notifications as best-effort log it and move on.
func (s *Sender) Send(ctx context.Context, cfg Config, text string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate limit: %w", err)
	}

	status, err := s.post(ctx, cfg, text)
	ev := eventbus.Webhook{Channel: string(cfg.Channel), Status: status}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("webhook delivery failed", logx.String("channel", string(cfg.Channel)), logx.Err(err))
	} else {
		s.log.Debug("webhook delivered", logx.String("channel", string(cfg.Channel)), logx.Int("status", status))
	}
	eventbus.Publish(s.bus, eventbus.TypeWebhook, ev)
	return err
}

func (s *Sender) post(ctx context.Context, cfg Config, text string) (int, error) {
	body, err := json.Marshal(payload(cfg.Channel, text))
	if err != nil {
		return 0, fmt.Errorf("notify: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("notify: %s webhook answered %d", cfg.Channel, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
