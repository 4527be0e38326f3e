package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutorchat"

// Metrics owns a private registry so tests and multiple engines in one
// process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived   *prometheus.CounterVec
	ArchiveFetches   *prometheus.CounterVec
	SummaryRefreshes *prometheus.CounterVec
	Deletes          *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Reconnects       prometheus.Counter
	JoinedRooms      prometheus.Gauge
	FeedSubscribers  prometheus.Gauge
	UnreadTotal      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_events_received_total",
			Help:      "Socket events received, by event name.",
		}, []string{"event"}),
		ArchiveFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_fetches_total",
			Help:      "Archive fetches, by kind and result.",
		}, []string{"kind", "result"}),
		SummaryRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unread_refreshes_total",
			Help:      "Unread ledger refreshes, by mode and result.",
		}, []string{"mode", "result"}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_deletes_total",
			Help:      "Message deletions initiated by this session, by kind and result.",
		}, []string{"kind", "result"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound chat messages, by socket event and result.",
		}, []string{"event", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification cues, by result (played, suppressed, failed).",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_reconnects_total",
			Help:      "Successful socket reconnections after the first connect.",
		}),
		JoinedRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "joined_rooms",
			Help:      "Rooms currently in the subscription set.",
		}),
		FeedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Connected local feed consumers.",
		}),
		UnreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_total",
			Help:      "Current unread badge total.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.EventsReceived,
		m.ArchiveFetches,
		m.SummaryRefreshes,
		m.Deletes,
		m.MessagesSent,
		m.Notifications,
		m.Reconnects,
		m.JoinedRooms,
		m.FeedSubscribers,
		m.UnreadTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Result labels
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultPlayed     = "played"
	ResultSuppressed = "suppressed"
	ResultFailed     = "failed"
	ResultLimited    = "rate_limited"
)

// Outcome maps an error to ResultOK or ResultError.
func Outcome(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
