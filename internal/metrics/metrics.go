package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "aero_webrtc_call_relay"

// Event names counted by the relay and the signaling transport.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	RoomJoined    = "room_joined"
	RoomLeft      = "room_left"
	RoomCreated   = "room_created"
	RoomDestroyed = "room_destroyed"

	CallOffered            = "call_offered"
	CallAccepted           = "call_accepted"
	RenegotiationRequested = "renegotiation_requested"
	RenegotiationCompleted = "renegotiation_completed"
	CallEnded              = "call_ended"
	SessionTornDown        = "session_torn_down"
	GlareRejected          = "glare_rejected"

	RateLimitHardClose = "rate_limit_hard_close"
	IdleTimeout        = "idle_timeout"
)

// Drop reasons. Every message the relay discards is counted under exactly one
// of these.
const (
	DropReasonUnknownTarget      = "drop_unknown_target"
	DropReasonUnknownSender      = "drop_unknown_sender"
	DropReasonMalformed          = "drop_malformed"
	DropReasonStaleSession       = "drop_stale_session"
	DropReasonNotInRoom          = "drop_not_in_room"
	DropReasonSendQueueFull      = "drop_send_queue_full"
	DropReasonRateLimited        = "drop_rate_limited"
	DropReasonTooManyConnections = "drop_too_many_connections"
)

// Metrics is a concurrency-safe event counter backed by a private Prometheus
// registry. All counters share one metric family with an `event` label.
//
// A nil *Metrics is valid and discards everything.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec

	mu   sync.Mutex
	seen map[string]struct{}
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(events)

	return &Metrics{
		registry: reg,
		events:   events,
		seen:     make(map[string]struct{}),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.seen[name] = struct{}{}
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	_, ok := m.seen[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns the current value of every counter touched so far.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.seen))
	for name := range m.seen {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]uint64, len(names))
	for _, name := range names {
		out[name] = m.Get(name)
	}
	return out
}

// RegisterGauge exposes fn as an unlabelled gauge named
// aero_webrtc_call_relay_<name>. fn is called at scrape time and must not
// block for long.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Gatherer exposes the underlying registry for scraping.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
