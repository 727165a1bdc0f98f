// Package keepalive runs the Worker's scheduled handler locally: read the
// refresh token, refresh it, persist a rotated token, send one minimal
// inference call and report the outcome to the configured webhook.
package keepalive

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

	"tokfresh/internal/eventbus"
	"tokfresh/internal/notify"
	"tokfresh/internal/oauth"
	"tokfresh/internal/storage"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrNoAccessToken  = errors.New("token refresh returned no access token")
	ErrInvalidOptions = errors.New("invalid keep-alive options")
)

// Stage names the part of a run that failed.
type Stage string

const (
	StageReadToken Stage = "read_token"
	StageRefresh   Stage = "refresh"
	StagePersist   Stage = "persist"
	StagePing      Stage = "ping"
)

// StageError tags a run failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// PingError is a non-2xx answer from the messages endpoint.
type PingError struct {
	Status int
	Body   string
}

func (e *PingError) Error() string {
	return fmt.Sprintf("messages API call failed (%d): %s", e.Status, e.Body)
}

// Refresher is satisfied by *oauth.Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (oauth.TokenPair, error)
}

// Ping describes the inference call. Values mirror the generated Worker.
type Ping struct {
	URL        string
	Model      string
	MaxTokens  int
	APIVersion string
	BetaFlags  string
	UserAgent  string
}

type Options struct {
	Refresher Refresher
	// Store holds the current refresh token under workerscript.TokenKey.
	Store storage.KV
	// FallbackToken is used when Store has no token yet.
	FallbackToken string
	Ping          Ping

	HTTPClient *http.Client
	// Sender and Notification are both optional; without either nothing is
	// posted.
	Sender       *notify.Sender
	Notification *notify.Config
	Location     *time.Location

	Logger logx.Logger
	Bus    eventbus.Bus
	Now    func() time.Time
}

// Outcome is the result of one run.
type Outcome struct {
	Success bool
	// Stage is set on failure.
	Stage   Stage
	Rotated bool
	Took    time.Duration
	Err     error
}

type Runner struct {
	opts Options
	log  logx.Logger
}

func New(opts Options) (*Runner, error) {
	if opts.Refresher == nil {
		return nil, fmt.Errorf("%w: refresher is required", ErrInvalidOptions)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: token store is required", ErrInvalidOptions)
	}
	if strings.TrimSpace(opts.Ping.URL) == "" || strings.TrimSpace(opts.Ping.Model) == "" {
		return nil, fmt.Errorf("%w: messages url and model are required", ErrInvalidOptions)
	}
	if opts.Ping.MaxTokens <= 0 {
		opts.Ping.MaxTokens = 10
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{opts: opts, log: log.With(logx.String("comp", "keepalive"))}, nil
}

// Run performs one keep-alive. Notification failures never change the outcome.
func (r *Runner) Run(ctx context.Context) Outcome {
	started := r.opts.Now()
	out := r.run(ctx)
	out.Took = r.opts.Now().Sub(started)

	if out.Success {
		r.log.Info("token timer triggered", logx.Bool("rotated", out.Rotated), logx.Duration("took", out.Took))
	} else {
		r.log.Error("token timer failed", logx.String("stage", string(out.Stage)), logx.Err(out.Err))
	}
	r.notify(ctx, out, started)

	eventbus.Publish(r.opts.Bus, eventbus.TypeKeepAliveRun, eventbus.KeepAliveRun{
		Success: out.Success,
		Stage:   string(out.Stage),
		Rotated: out.Rotated,
		Took:    out.Took,
	})
	return out
}

func (r *Runner) run(ctx context.Context) Outcome {
	fail := func(st Stage, err error) Outcome {
		return Outcome{Stage: st, Err: &StageError{Stage: st, Err: err}}
	}

	current, err := r.readToken(ctx)
	if err != nil {
		return fail(StageReadToken, err)
	}

	tp, err := r.opts.Refresher.Refresh(ctx, current)
	if err != nil {
		return fail(StageRefresh, err)
	}
	if strings.TrimSpace(tp.AccessToken) == "" {
		return fail(StageRefresh, ErrNoAccessToken)
	}

	var out Outcome
	if tp.RefreshToken != "" && tp.RefreshToken != current {
		if err := r.opts.Store.Put(ctx, workerscript.TokenKey, tp.RefreshToken); err != nil {
			return fail(StagePersist, err)
		}
		out.Rotated = true
		r.log.Debug("refresh token rotated", logx.Secret("token", tp.RefreshToken))
	}

	if err := r.ping(ctx, tp.AccessToken); err != nil {
		f := fail(StagePing, err)
		f.Rotated = out.Rotated
		return f
	}
	out.Success = true
	return out
}

func (r *Runner) readToken(ctx context.Context) (string, error) {
	v, ok, err := r.opts.Store.Get(ctx, workerscript.TokenKey)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	if fb := strings.TrimSpace(r.opts.FallbackToken); fb != "" {
		return fb, nil
	}
	return "", ErrNoRefreshToken
}

type pingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type pingRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []pingMessage `json:"messages"`
}

func (r *Runner) ping(ctx context.Context, accessToken string) error {
	p := r.opts.Ping
	body, err := json.Marshal(pingRequest{
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		Messages:  []pingMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", p.APIVersion)
	req.Header.Set("anthropic-beta", p.BetaFlags)
	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &PingError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, out Outcome, at time.Time) {
	cfg := r.opts.Notification
	if r.opts.Sender == nil || cfg == nil || !cfg.ShouldNotify(out.Success) {
		return
	}
	text := notify.Message(out.Success, at, r.opts.Location, out.Err)
	if err := r.opts.Sender.Send(ctx, *cfg, text); err != nil {
		r.log.Warn("notification not delivered", logx.String("channel", string(cfg.Channel)), logx.Err(err))
	}
}
