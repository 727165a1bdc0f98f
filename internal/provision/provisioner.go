// Package provision runs the deployment state machine against the Cloudflare
// control plane: verify token, ensure KV namespace, seed refresh token, upload
// Worker, install cron trigger, write secrets.
//
// Steps run strictly in order on the caller's goroutine. The first failure
// ends the run; nothing already written is rolled back, and nothing is
// retried. Re-running a whole attempt is safe because every step either looks
// up before creating or overwrites.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokfresh/internal/cloudflare"
	"tokfresh/internal/eventbus"
	"tokfresh/internal/storage"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

// Options configure the remote resource names. Empty fields take defaults
// from internal/config.
type Options struct {
	APIBase           string
	ScriptName        string
	NamespaceTitle    string
	CompatibilityDate string
	KVBinding         string

	HTTPClient *http.Client
	// RateLimit caps control-plane requests per second; zero keeps the
	// client default.
	RateLimit float64
	Logger    logx.Logger
	Bus       eventbus.Bus
	// History, when set, receives one record per attempt.
	History storage.History

	Now   func() time.Time
	NewID func() string
}

type Provisioner struct {
	opts Options
	log  logx.Logger
}

func New(opts Options) *Provisioner {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if strings.TrimSpace(opts.KVBinding) == "" {
		opts.KVBinding = "TOKEN_STORE"
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provisioner{opts: opts, log: log.With(logx.String("comp", "provision"))}
}

func (p *Provisioner) client(apiToken string) *cloudflare.Client {
	return cloudflare.New(p.opts.APIBase, apiToken,
		cloudflare.WithHTTPClient(p.opts.HTTPClient),
		cloudflare.WithLogger(p.log),
		cloudflare.WithRateLimit(p.opts.RateLimit),
	)
}

// Verify checks an API token and resolves its first account. A token that
// fails verification never reaches the accounts call.
func (p *Provisioner) Verify(ctx context.Context, apiToken string) Verification {
	if strings.TrimSpace(apiToken) == "" {
		return Verification{Error: fmt.Errorf("%w: api token", ErrMissingField).Error()}
	}
	acc, err := p.verify(ctx, p.client(apiToken))
	if err != nil {
		return Verification{Error: err.Error()}
	}
	return Verification{Valid: true, AccountID: acc.ID}
}

func (p *Provisioner) verify(ctx context.Context, cf *cloudflare.Client) (cloudflare.Account, error) {
	if _, err := cf.VerifyToken(ctx); err != nil {
		var ae *cloudflare.APIError
		if errors.As(err, &ae) {
			if ae.Status >= 200 && ae.Status <= 299 {
				return cloudflare.Account{}, ErrTokenInvalid
			}
			return cloudflare.Account{}, fmt.Errorf("%w: invalid token (%d)", ErrTokenInvalid, ae.Status)
		}
		return cloudflare.Account{}, err
	}
	acc, ok, err := cf.FirstAccount(ctx)
	if err != nil {
		if code := cloudflare.StatusCode(err); code != 0 {
			return cloudflare.Account{}, fmt.Errorf("failed to fetch accounts (%d)", code)
		}
		return cloudflare.Account{}, err
	}
	if !ok {
		return cloudflare.Account{}, ErrNoAccount
	}
	return acc, nil
}

// run carries the mutable state of one attempt.
type run struct {
	p        *Provisioner
	ctx      context.Context
	listener Listener
	res      Result
	log      logx.Logger
}

// enter emits the progress line for step and records it.
func (r *run) enter(step Step) {
	idx := 0
	for i, s := range Steps {
		if s == step {
			idx = i + 1
			break
		}
	}
	msg := step.Message()
	r.res.ProgressLog = append(r.res.ProgressLog, msg)
	r.log.Info(msg, logx.String("step", string(step)))
	eventbus.Publish(r.p.opts.Bus, eventbus.TypeProvisionStep, eventbus.ProvisionStep{AttemptID: r.res.AttemptID, Step: string(step)})
	if r.listener != nil {
		r.listener.OnProgress(Progress{
			AttemptID: r.res.AttemptID,
			Step:      step,
			Index:     idx,
			Total:     len(Steps),
			Message:   msg,
		})
	}
}

// do enters step and runs fn. It returns false when the run must stop.
func (r *run) do(step Step, fn func() error) bool {
	r.enter(step)
	err := r.ctx.Err()
	if err == nil {
		err = fn()
	}
	if err != nil {
		r.res.Error = err.Error()
		r.res.FailedStep = step
		r.log.Warn("provisioning step failed", logx.String("step", string(step)), logx.Err(err))
		eventbus.Publish(r.p.opts.Bus, eventbus.TypeProvisionStep, eventbus.ProvisionStep{
			AttemptID: r.res.AttemptID, Step: string(step), Failed: true, Error: err.Error(),
		})
		return false
	}
	r.res.Completed = append(r.res.Completed, step)
	return true
}

// Provision runs one attempt. It never panics and never returns a Go error:
// failures are reported in Result. listener may be nil.
func (p *Provisioner) Provision(ctx context.Context, req Request, listener Listener) Result {
	started := p.opts.Now()
	r := &run{
		p:        p,
		ctx:      ctx,
		listener: listener,
		res:      Result{AttemptID: p.opts.NewID(), ProgressLog: []string{}, Completed: []Step{}},
	}
	r.log = p.log.With(logx.String("attempt", r.res.AttemptID))

	if err := req.Validate(); err != nil {
		r.res.Error = err.Error()
		r.log.Warn("provisioning request rejected", logx.Err(err))
		return r.res
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	r.res.AccountID = req.AccountID
	cf := p.client(req.APIToken)

	var notificationSecret string
	if req.Notification != nil {
		s, err := req.Notification.Encode()
		if err != nil {
			r.res.Error = err.Error()
			return r.res
		}
		notificationSecret = s
	}

	ok := r.do(StepVerifyToken, func() error {
		acc, err := p.verify(ctx, cf)
		if err != nil {
			return err
		}
		if acc.ID != req.AccountID {
			r.log.Warn("token's first account differs from the requested account; using the requested one",
				logx.String("requested", req.AccountID), logx.String("resolved", acc.ID))
		}
		return nil
	}) && r.do(StepEnsureTokenStore, func() error {
		ns, created, err := cf.EnsureNamespace(ctx, req.AccountID, p.opts.NamespaceTitle)
		if err != nil {
			return err
		}
		r.res.NamespaceID = ns.ID
		r.log.Debug("token store ready", logx.String("namespace", ns.ID), logx.Bool("created", created))
		return nil
	}) && r.do(StepWriteInitialSecret, func() error {
		return cf.PutValue(ctx, req.AccountID, r.res.NamespaceID, workerscript.TokenKey, req.RefreshToken)
	}) && r.do(StepUploadWorker, func() error {
		return cf.UploadScript(ctx, req.AccountID, cloudflare.Script{
			Name:              p.opts.ScriptName,
			Source:            req.WorkerSource,
			CompatibilityDate: p.opts.CompatibilityDate,
			KVNamespaces:      map[string]string{p.opts.KVBinding: r.res.NamespaceID},
		})
	}) && r.do(StepInstallTrigger, func() error {
		return cf.SetSchedules(ctx, req.AccountID, p.opts.ScriptName, req.Cron)
	}) && r.do(StepWriteSecrets, func() error {
		secrets := [][2]string{
			{"REFRESH_TOKEN", req.RefreshToken},
			{"TIMEZONE", req.Timezone},
		}
		if notificationSecret != "" {
			secrets = append(secrets, [2]string{"NOTIFICATION_CONFIG", notificationSecret})
		}
		for _, s := range secrets {
			if err := cf.PutSecret(ctx, req.AccountID, p.opts.ScriptName, s[0], s[1]); err != nil {
				return err
			}
		}
		return nil
	})

	if ok {
		r.enter(StepDone)
		r.res.Success = true
	}

	took := p.opts.Now().Sub(started)
	eventbus.Publish(p.opts.Bus, eventbus.TypeProvisionDone, eventbus.ProvisionDone{
		AttemptID: r.res.AttemptID,
		Success:   r.res.Success,
		FailedAt:  string(r.res.FailedStep),
		Took:      took,
	})
	p.record(req, r.res, started)
	return r.res
}

func (p *Provisioner) record(req Request, res Result, started time.Time) {
	if p.opts.History == nil {
		return
	}
	d := storage.Deployment{
		ID:          res.AttemptID,
		StartedAt:   started,
		FinishedAt:  p.opts.Now(),
		AccountID:   res.AccountID,
		NamespaceID: res.NamespaceID,
		ScriptName:  p.opts.ScriptName,
		Cron:        req.Cron,
		Timezone:    req.Timezone,
		Success:     res.Success,
		FailedStep:  string(res.FailedStep),
		Error:       res.Error,
		Progress:    res.ProgressLog,
	}
	if req.Notification != nil {
		d.Notify = string(req.Notification.Channel)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.opts.History.AppendDeployment(ctx, d); err != nil {
		p.log.Warn("deployment history write failed", logx.String("attempt", res.AttemptID), logx.Err(err))
	}
}
