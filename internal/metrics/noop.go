package metrics

import "time"

type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) ProvisionStep(string, bool)               {}
func (NoopSink) ProvisionCompleted(bool, time.Duration)   {}
func (NoopSink) KeepAliveRun(bool, string, time.Duration) {}
func (NoopSink) WebhookDelivery(string, bool)             {}
func (NoopSink) TokenExchange(bool)                       {}
func (NoopSink) HTTPRequest(string, int, time.Duration)   {}

var _ Sink = NoopSink{}
