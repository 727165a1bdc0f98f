// Package metrics records provisioning, keep-alive and API counters.
//
// Components report through Sink; NoopSink is used when metrics are off so
// callers never nil-check.
package metrics

import "time"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

type Sink interface {
	// ProvisionStep counts a step entry, or a step failure when failed is set.
	ProvisionStep(step string, failed bool)
	ProvisionCompleted(success bool, took time.Duration)
	KeepAliveRun(success bool, stage string, took time.Duration)
	WebhookDelivery(channel string, success bool)
	TokenExchange(success bool)
	HTTPRequest(route string, status int, took time.Duration)
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailed
}
