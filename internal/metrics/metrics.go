// Package metrics exposes the process counters on a private Prometheus
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/john/chatmux/internal/adapter"
)

const namespace = "chatmux"

type Metrics struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	suppressed   *prometheus.CounterVec
	reconciled   *prometheus.CounterVec
	moderations  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	status       *prometheus.GaugeVec
	emoteFetches *prometheus.CounterVec
	uploads      *prometheus.CounterVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Normalized chat messages delivered to the host",
		}, []string{"platform"}),
		suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_suppressed_total",
			Help:      "Remote repeats dropped by the dedup window",
		}, []string{"platform"}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_reconciled_total",
			Help:      "Local echoes replaced by their confirmed copy",
		}, []string{"platform"}),
		moderations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_events_total",
			Help:      "Platform moderation events applied to history",
		}, []string{"platform", "kind"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Unexpected drops that entered reconnection",
		}, []string{"platform"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Rejected sends by reason",
		}, []string{"platform", "reason"}),
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_status",
			Help:      "Current adapter status (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}, []string{"platform", "channel"}),
		emoteFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emote_fetches_total",
			Help:      "Third-party emote catalog fetches",
		}, []string{"provider", "result"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_uploads_total",
			Help:      "Transcript archive uploads",
		}, []string{"result"}),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Message(platform string) {
	if m != nil {
		m.messages.WithLabelValues(platform).Inc()
	}
}

func (m *Metrics) Suppressed(platform string) {
	if m != nil {
		m.suppressed.WithLabelValues(platform).Inc()
	}
}

func (m *Metrics) Reconciled(platform string) {
	if m != nil {
		m.reconciled.WithLabelValues(platform).Inc()
	}
}

// Moderation counts one applied moderation event; kind is "delete",
// "timeout", "ban" or "clear"
func (m *Metrics) Moderation(platform, kind string) {
	if m != nil {
		m.moderations.WithLabelValues(platform, kind).Inc()
	}
}

// Status records a transition. A move from connected back to connecting
// counts as a reconnect.
func (m *Metrics) Status(platform, channel string, prev, next adapter.Status) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(platform, channel).Set(float64(next))
	if prev == adapter.Connected && next == adapter.Connecting {
		m.reconnects.WithLabelValues(platform).Inc()
	}
}

// Forget removes the status series of a closed channel
func (m *Metrics) Forget(platform, channel string) {
	if m != nil {
		m.status.DeleteLabelValues(platform, channel)
	}
}

func (m *Metrics) SendFailed(platform string, err error) {
	if m != nil {
		m.sendFailures.WithLabelValues(platform, SendFailureReason(err)).Inc()
	}
}

func (m *Metrics) EmoteFetch(provider string, err error) {
	if m != nil {
		m.emoteFetches.WithLabelValues(provider, result(err)).Inc()
	}
}

func (m *Metrics) Upload(err error) {
	if m != nil {
		m.uploads.WithLabelValues(result(err)).Inc()
	}
}

// SendFailureReason maps a send error to a low-cardinality label
func SendFailureReason(err error) string {
	switch {
	case errors.Is(err, adapter.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, adapter.ErrMessageTooLong):
		return "too_long"
	case errors.Is(err, adapter.ErrNotReady):
		return "not_ready"
	case errors.Is(err, adapter.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, adapter.ErrEmptyMessage):
		return "empty"
	default:
		return "other"
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
