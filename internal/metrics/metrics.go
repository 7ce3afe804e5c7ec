package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 中继服务的监控指标
type Metrics struct {
	// 信封指标
	EnvelopesAccepted prometheus.Counter
	EnvelopesRejected *prometheus.CounterVec

	// 邮件指标
	MessagesPersisted prometheus.Counter
	MessagesOversize  prometheus.Counter

	// 转发指标
	ForwardsTotal    prometheus.Counter
	ForwardFailures  prometheus.Counter
	LoopsDetected    prometheus.Counter

	// 核算指标
	AccountingRuns   prometheus.Counter
	AccountingErrors *prometheus.CounterVec
	EventsDrained    prometheus.Counter
}

// New 创建监控指标。
func New() *Metrics {
	return &Metrics{
		EnvelopesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_envelopes_accepted_total",
			Help: "Total number of accepted envelopes",
		}),
		EnvelopesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdmail_envelopes_rejected_total",
			Help: "Total number of rejected envelopes by status code",
		}, []string{"status"}),
		MessagesPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_messages_persisted_total",
			Help: "Total number of persisted messages",
		}),
		MessagesOversize: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_messages_oversize_total",
			Help: "Total number of messages dropped for exceeding the size cap",
		}),
		ForwardsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_forwards_total",
			Help: "Total number of successfully forwarded messages",
		}),
		ForwardFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_forward_failures_total",
			Help: "Total number of failed forward attempts",
		}),
		LoopsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_loops_detected_total",
			Help: "Total number of messages skipped by loop detection",
		}),
		AccountingRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_accounting_runs_total",
			Help: "Total number of accounting job executions",
		}),
		AccountingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdmail_accounting_errors_total",
			Help: "Total number of accounting step failures by step",
		}, []string{"step"}),
		EventsDrained: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_events_drained_total",
			Help: "Total number of delivery events drained from the queue",
		}),
	}
}

// HTTPHandler 返回 Prometheus 指标的 HTTP 处理器。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
