package server

import (
	"net/http"
	"runtime"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/events"
	"github.com/dheeraj-coding/zed/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the server. Each server
// has its own registry. Metrics is also a global bus subscriber so it sees
// every committed change.
type Metrics struct {
	srv      *Server
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	usersConnected  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionsDropped prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	changesTotal    *prometheus.CounterVec
	lastSeq         prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	memoryHeapBytes prometheus.Gauge
	goroutines      prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for srv.
func NewMetrics(srv *Server) *Metrics {
	m := &Metrics{
		srv:      srv,
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_sessions",
			Help: "Number of currently attached sessions.",
		}),
		usersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_users_connected",
			Help: "Number of users with at least one session.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zed_sessions_total",
			Help: "Total sessions attached since server start.",
		}),
		sessionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zed_sessions_dropped_total",
			Help: "Sessions closed because their outbound queue overflowed.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zed_requests_total",
			Help: "Requests handled by type and outcome.",
		}, []string{"type", "outcome"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zed_events_delivered_total",
			Help: "Change events queued to sessions by kind.",
		}, []string{"kind"}),
		changesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zed_changes_total",
			Help: "Committed change events by operation.",
		}, []string{"op"}),
		lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_last_commit_seq",
			Help: "Sequence number of the last delivered commit.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zed_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.registry.MustRegister(
		m.sessions,
		m.usersConnected,
		m.sessionsTotal,
		m.sessionsDropped,
		m.requestsTotal,
		m.eventsDelivered,
		m.changesTotal,
		m.lastSeq,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)
	return m
}

// Receive implements events.Subscriber.
func (m *Metrics) Receive(ev events.Event) {
	m.changesTotal.WithLabelValues(ev.Op).Inc()
	m.lastSeq.Set(float64(ev.Seq()))
}

// Closed implements events.Subscriber.
func (m *Metrics) Closed() bool { return false }

// SessionOpened counts an attached session.
func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessions.Inc()
}

// SessionClosed counts a detached session.
func (m *Metrics) SessionClosed() {
	m.sessions.Dec()
}

// SessionDropped counts a session closed for falling behind.
func (m *Metrics) SessionDropped() {
	m.sessionsDropped.Inc()
}

// Request counts a handled request. An empty code means success.
func (m *Metrics) Request(typ protocol.MessageType, code chandb.Code) {
	outcome := "ok"
	if code != "" {
		outcome = string(code)
	}
	m.requestsTotal.WithLabelValues(string(typ), outcome).Inc()
}

// EventDelivered counts a change event queued to a session.
func (m *Metrics) EventDelivered(kind chandb.ChangeKind) {
	m.eventsDelivered.WithLabelValues(kind.String()).Inc()
}

// Update refreshes the gauges that are sampled rather than counted.
func (m *Metrics) Update() {
	m.usersConnected.Set(float64(len(m.srv.Sessions.ConnectedUsers())))
	m.uptimeSeconds.Set(m.srv.Uptime().Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Gather returns the current metric families, for tests and diagnostics.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, f := range families {
		var sum float64
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				sum += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sum += metric.GetGauge().GetValue()
			}
		}
		out[f.GetName()] = sum
	}
	return out, nil
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		h.ServeHTTP(w, r)
	})
}
