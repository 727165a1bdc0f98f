package eventbus

import "time"

// Event types.
const (
	TypeProvisionStep  = "provision.step"
	TypeProvisionDone  = "provision.done"
	TypeKeepAliveRun   = "keepalive.run"
	TypeWebhook        = "notify.webhook"
	TypeTokenExchange  = "oauth.exchange"
	TypeConfigReloaded = "config.reloaded"
)

// ProvisionStep is published when a provisioning step starts or fails.
type ProvisionStep struct {
	AttemptID string `json:"attempt_id"`
	Step      string `json:"step"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProvisionDone closes a provisioning attempt.
type ProvisionDone struct {
	AttemptID string        `json:"attempt_id"`
	Success   bool          `json:"success"`
	FailedAt  string        `json:"failed_at,omitempty"`
	Took      time.Duration `json:"took"`
}

// KeepAliveRun reports one local keep-alive invocation.
type KeepAliveRun struct {
	Success bool          `json:"success"`
	Stage   string        `json:"stage,omitempty"`
	Rotated bool          `json:"rotated"`
	Took    time.Duration `json:"took"`
}

// Webhook reports one notification delivery attempt.
type Webhook struct {
	Channel string `json:"channel"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TokenExchange reports an authorization-code exchange.
type TokenExchange struct {
	Success bool `json:"success"`
	Status  int  `json:"status,omitempty"`
}
