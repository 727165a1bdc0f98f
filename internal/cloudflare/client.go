// Package cloudflare wraps cloudflare-go for the parts of the v4 API used to
// provision a scheduled Worker: token verification, accounts, KV namespaces
// and values, Worker scripts, cron triggers and secrets.
//
// Every call is a single request. Nothing is retried.
package cloudflare

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	logx "tokfresh/pkg/logx"
)

// ErrMissingField is returned before any request when a required argument is empty.
var ErrMissingField = errors.New("missing required field")

const (
	maxErrorBody = 4 << 10

	// DefaultRateLimit matches the account-wide API budget of 1200 requests
	// per five minutes.
	DefaultRateLimit = 4.0
)

// APIError is a non-2xx response, an undecodable 2xx response or a rejected
// token.
type APIError struct {
	Op       string
	Status   int
	Body     string
	Messages []string
	Err      error
}

func (e *APIError) Error() string {
	detail := e.Body
	if len(e.Messages) > 0 {
		detail = strings.Join(e.Messages, "; ")
	}
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return fmt.Sprintf("%s failed (%d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, detail)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status or 0 for non-API errors.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

type Client struct {
	api   *cf.API
	token string
	rec   *recorder
	err   error
}

type settings struct {
	http      *http.Client
	log       logx.Logger
	rateLimit float64
}

type Option func(*settings)

func WithHTTPClient(h *http.Client) Option { return func(s *settings) { s.http = h } }
func WithLogger(log logx.Logger) Option    { return func(s *settings) { s.log = log } }

// WithRateLimit caps requests per second. Zero keeps DefaultRateLimit.
func WithRateLimit(rps float64) Option { return func(s *settings) { s.rateLimit = rps } }

// New returns a client authenticating with a bearer API token. The token is
// held only for the lifetime of the client.
func New(base, apiToken string, opts ...Option) *Client {
	s := settings{http: http.DefaultClient}
	for _, o := range opts {
		o(&s)
	}
	if s.http == nil {
		s.http = http.DefaultClient
	}
	if s.rateLimit <= 0 {
		s.rateLimit = DefaultRateLimit
	}

	rec := &recorder{next: s.http.Transport, log: s.log}
	if rec.next == nil {
		rec.next = http.DefaultTransport
	}
	hc := *s.http
	hc.Transport = rec

	c := &Client{token: strings.TrimSpace(apiToken), rec: rec}
	if c.token == "" {
		return c
	}
	cfOpts := []cf.Option{
		cf.HTTPClient(&hc),
		cf.UserAgent("tokfresh"),
		cf.UsingRetryPolicy(0, 0, 0),
		cf.UsingRateLimit(s.rateLimit),
	}
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		cfOpts = append(cfOpts, cf.BaseURL(base))
	}
	c.api, c.err = cf.NewWithAPIToken(c.token, cfOpts...)
	return c
}

// ready fails before any request when the client cannot authenticate.
func (c *Client) ready(op string) error {
	if c.token == "" {
		return fmt.Errorf("%s: %w: api token", op, ErrMissingField)
	}
	if c.err != nil {
		return fmt.Errorf("%s: %w", op, c.err)
	}
	c.rec.reset()
	return nil
}

// wrap turns an SDK error into an APIError when a response was received.
func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	status, body := c.rec.last()
	if status == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}
	if status >= 200 && status <= 299 {
		return &APIError{Op: op, Status: status, Err: fmt.Errorf("malformed response: %w", err)}
	}
	ae := &APIError{Op: op, Status: status, Body: truncate(body, maxErrorBody), Err: err}
	var env envelope
	if json.Unmarshal([]byte(body), &env) == nil {
		ae.Messages = messages(env.Errors)
	}
	return ae
}

// envelope is the error part of the common v4 response wrapper.
type envelope struct {
	Errors []envelopeMessage `json:"errors"`
}

type envelopeMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func messages(in []envelopeMessage) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Message) == "" {
			continue
		}
		if m.Code != 0 {
			out = append(out, fmt.Sprintf("%s (code %d)", m.Message, m.Code))
			continue
		}
		out = append(out, m.Message)
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func require(op string, fields ...[2]string) error {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return fmt.Errorf("%s: %w: %s", op, ErrMissingField, f[0])
		}
	}
	return nil
}

// recorder logs every round trip and keeps the status and error body of the
// latest one.
type recorder struct {
	next http.RoundTripper
	log  logx.Logger

	mu     sync.Mutex
	status int
	body   string
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	var body string
	if resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		body = string(raw)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
	}
	r.mu.Lock()
	r.status, r.body = resp.StatusCode, body
	r.mu.Unlock()

	r.log.Debug("cloudflare call",
		logx.String("method", req.Method),
		logx.String("path", req.URL.Path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return resp, nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.status, r.body = 0, ""
	r.mu.Unlock()
}

func (r *recorder) last() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.body
}
