// Package oauth talks to the identity provider: PKCE authorization requests,
// authorization-code exchange and refresh-token grants.
//
// Calls are single-shot; nothing is retried and no token is persisted here.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "tokfresh/pkg/logx"
)

var (
	// ErrMissingInput is returned before any network call when a required
	// argument is empty.
	ErrMissingInput = errors.New("missing required input")
	// ErrMalformedResponse wraps a 2xx response whose body is not JSON.
	ErrMalformedResponse = errors.New("malformed token response")
)

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

// HTTPError is a non-2xx answer from the token endpoint.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, e.Body)
}

// Config identifies the OAuth client. Defaults live in internal/config.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
}

// TokenPair is the result of a grant. RefreshToken may be empty when the
// provider does not rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	rand io.Reader
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(log logx.Logger) Option    { return func(c *Client) { c.log = log } }

// WithRandom replaces crypto/rand as the verifier source (tests).
func WithRandom(r io.Reader) Option { return func(c *Client) { c.rand = r } }

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c
}

type codeGrant struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

type refreshGrant struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode redeems an authorization code. code may carry a "#state"
// suffix, which is split off and sent as the state field.
//
// A 2xx response with missing token fields is returned as-is; callers must
// check the fields they need.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (TokenPair, error) {
	code = strings.TrimSpace(code)
	verifier = strings.TrimSpace(verifier)
	if code == "" || verifier == "" {
		return TokenPair{}, fmt.Errorf("%w: code and verifier are required", ErrMissingInput)
	}
	authCode, state := SplitCode(code)

	tp, err := c.postToken(ctx, "token exchange", codeGrant{
		Code:         authCode,
		State:        state,
		GrantType:    "authorization_code",
		ClientID:     c.cfg.ClientID,
		RedirectURI:  c.cfg.RedirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return TokenPair{}, err
	}
	if tp.RefreshToken == "" || tp.AccessToken == "" {
		c.log.Warn("token exchange response is missing fields",
			logx.Bool("access_token", tp.AccessToken != ""),
			logx.Bool("refresh_token", tp.RefreshToken != ""),
		)
	}
	return tp, nil
}

// Refresh trades a refresh token for a new access token (and possibly a
// rotated refresh token).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: refresh token is required", ErrMissingInput)
	}
	return c.postToken(ctx, "token refresh", refreshGrant{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     c.cfg.ClientID,
	})
}

func (c *Client) postToken(ctx context.Context, op string, payload any) (TokenPair, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: read response: %w", op, err)
	}
	c.log.Debug("token endpoint answered",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenPair{}, &HTTPError{Op: op, Status: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return TokenPair{}, fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return TokenPair{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
