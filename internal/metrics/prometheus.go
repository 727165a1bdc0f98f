package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "tokfresh/pkg/logx"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged, never returned.
type PrometheusSink struct {
	provisionSteps    *prometheus.CounterVec
	provisionAttempts *prometheus.CounterVec
	provisionDuration prometheus.Histogram

	keepAliveRuns     *prometheus.CounterVec
	keepAliveDuration prometheus.Histogram

	webhookDeliveries *prometheus.CounterVec
	tokenExchanges    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{
		provisionSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_provision_steps_total",
			Help: "Provisioning steps entered or failed, by step.",
		}, []string{"step", "result"}),
		provisionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_provision_attempts_total",
			Help: "Completed provisioning attempts, by outcome.",
		}, []string{"outcome"}),
		provisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokfresh_provision_duration_seconds",
			Help:    "Wall time of a provisioning attempt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		keepAliveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_keepalive_runs_total",
			Help: "Local keep-alive invocations, by outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		keepAliveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokfresh_keepalive_duration_seconds",
			Help:    "Wall time of a local keep-alive invocation.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_webhook_deliveries_total",
			Help: "Notification webhook deliveries, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_token_exchanges_total",
			Help: "Authorization code exchanges, by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokfresh_http_requests_total",
			Help: "API requests, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokfresh_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"tokfresh_provision_steps_total":         s.provisionSteps,
		"tokfresh_provision_attempts_total":      s.provisionAttempts,
		"tokfresh_provision_duration_seconds":    s.provisionDuration,
		"tokfresh_keepalive_runs_total":          s.keepAliveRuns,
		"tokfresh_keepalive_duration_seconds":    s.keepAliveDuration,
		"tokfresh_webhook_deliveries_total":      s.webhookDeliveries,
		"tokfresh_token_exchanges_total":         s.tokenExchanges,
		"tokfresh_http_requests_total":           s.httpRequests,
		"tokfresh_http_request_duration_seconds": s.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn("metrics: register failed", logx.String("metric", name), logx.Err(err))
		}
	}
	return s
}

func (s *PrometheusSink) ProvisionStep(step string, failed bool) {
	result := "entered"
	if failed {
		result = OutcomeFailed
	}
	s.provisionSteps.WithLabelValues(step, result).Inc()
}

func (s *PrometheusSink) ProvisionCompleted(success bool, took time.Duration) {
	s.provisionAttempts.WithLabelValues(outcome(success)).Inc()
	s.provisionDuration.Observe(took.Seconds())
}

func (s *PrometheusSink) KeepAliveRun(success bool, stage string, took time.Duration) {
	if success {
		stage = ""
	}
	s.keepAliveRuns.WithLabelValues(outcome(success), stage).Inc()
	s.keepAliveDuration.Observe(took.Seconds())
}

func (s *PrometheusSink) WebhookDelivery(channel string, success bool) {
	s.webhookDeliveries.WithLabelValues(channel, outcome(success)).Inc()
}

func (s *PrometheusSink) TokenExchange(success bool) {
	s.tokenExchanges.WithLabelValues(outcome(success)).Inc()
}

func (s *PrometheusSink) HTTPRequest(route string, status int, took time.Duration) {
	s.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	s.httpDuration.WithLabelValues(route).Observe(took.Seconds())
}

var _ Sink = (*PrometheusSink)(nil)
