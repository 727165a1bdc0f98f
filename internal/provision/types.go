package provision

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tokfresh/internal/notify"
	"tokfresh/internal/schedule"
)

var (
	// ErrMissingField is returned (wrapped) when a request lacks a required
	// value. No network call has been made when it is returned.
	ErrMissingField = errors.New("missing required field")
	ErrInvalidInput = errors.New("invalid input")
	// ErrTokenInvalid means the control plane rejected the API token.
	ErrTokenInvalid = errors.New("token verification failed")
	// ErrNoAccount means the token verified but sees no account.
	ErrNoAccount = errors.New("no Cloudflare accounts found")
)

// Step is one state of the provisioning run.
type Step string

const (
	StepVerifyToken        Step = "VerifyToken"
	StepEnsureTokenStore   Step = "EnsureTokenStore"
	StepWriteInitialSecret Step = "WriteInitialSecret"
	StepUploadWorker       Step = "UploadWorker"
	StepInstallTrigger     Step = "InstallTrigger"
	StepWriteSecrets       Step = "WriteSecrets"
	StepDone               Step = "Done"
)

// Steps lists every state in execution order.
var Steps = []Step{
	StepVerifyToken,
	StepEnsureTokenStore,
	StepWriteInitialSecret,
	StepUploadWorker,
	StepInstallTrigger,
	StepWriteSecrets,
	StepDone,
}

// Message is the progress line emitted on entering the step.
func (s Step) Message() string {
	switch s {
	case StepVerifyToken:
		return "Verifying Cloudflare API token..."
	case StepEnsureTokenStore:
		return "Preparing token store..."
	case StepWriteInitialSecret:
		return "Storing refresh token..."
	case StepUploadWorker:
		return "Creating worker..."
	case StepInstallTrigger:
		return "Setting schedule..."
	case StepWriteSecrets:
		return "Storing secrets..."
	case StepDone:
		return "Deployment complete!"
	default:
		return string(s)
	}
}

// Request is one provisioning attempt. APIToken is used for the attempt only
// and never stored.
type Request struct {
	APIToken     string
	AccountID    string
	WorkerSource string
	RefreshToken string
	Cron         string
	Timezone     string
	Notification *notify.Config
}

// Validate checks the request without touching the network.
func (r Request) Validate() error {
	var errs []error
	for _, f := range []struct{ name, v string }{
		{"api token", r.APIToken},
		{"account id", r.AccountID},
		{"worker source", r.WorkerSource},
		{"refresh token", r.RefreshToken},
		{"cron", r.Cron},
		{"timezone", r.Timezone},
	} {
		if strings.TrimSpace(f.v) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingField, f.name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := schedule.ParseCron(r.Cron); err != nil {
		errs = append(errs, fmt.Errorf("%w: cron %q: %v", ErrInvalidInput, r.Cron, err))
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: timezone %q: %v", ErrInvalidInput, r.Timezone, err))
	}
	if r.Notification != nil {
		if err := r.Notification.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
	}
	return errors.Join(errs...)
}

// Result is the outcome of Provision. ProgressLog holds one line per step
// entered; Completed lists the steps that finished, so after a failure it
// names what already changed in the remote account.
type Result struct {
	AttemptID   string   `json:"attemptId"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	FailedStep  Step     `json:"failedStep,omitempty"`
	ProgressLog []string `json:"progressLog"`
	Completed   []Step   `json:"completed"`
	AccountID   string   `json:"accountId,omitempty"`
	NamespaceID string   `json:"namespaceId,omitempty"`
}

// Progress is passed to a Listener on entry to each step.
type Progress struct {
	AttemptID string
	Step      Step
	// Index is 1-based; Total counts Done.
	Index   int
	Total   int
	Message string
}

// Listener observes a run. It is called synchronously on the provisioning
// goroutine, in step order.
type Listener interface {
	OnProgress(p Progress)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(p Progress)

func (f ListenerFunc) OnProgress(p Progress) { f(p) }

// Verification is the outcome of a standalone token check.
type Verification struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"accountId,omitempty"`
	Error     string `json:"error,omitempty"`
}
