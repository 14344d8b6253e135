package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
)

// recorder is a Channel that keeps every event it is sent.
type recorder struct {
	mu     sync.Mutex
	events []Event
	full   bool
}

func (r *recorder) Send(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func sequentialIDs() func() (string, error) {
	var n int
	return func() (string, error) {
		n++
		return fmt.Sprintf("c%d", n), nil
	}
}

type harness struct {
	relay   *Relay
	metrics *metrics.Metrics
	chans   map[ConnID]*recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	m := metrics.New()
	base := []Option{
		WithIDGenerator(sequentialIDs()),
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return &harness{
		relay:   New(append(base, opts...)...),
		metrics: m,
		chans:   make(map[ConnID]*recorder),
	}
}

func (h *harness) connect(t *testing.T, identity string) ConnID {
	t.Helper()
	rec := &recorder{}
	id, err := h.relay.Connect(identity, rec)
	if err != nil {
		t.Fatalf("Connect(%q): %v", identity, err)
	}
	h.chans[id] = rec
	return id
}

func (h *harness) join(t *testing.T, identity, room string) ConnID {
	t.Helper()
	id := h.connect(t, identity)
	if err := h.relay.Join(id, identity, room); err != nil {
		t.Fatalf("Join(%q, %q): %v", identity, room, err)
	}
	return id
}

func (h *harness) clear() {
	for _, rec := range h.chans {
		rec.take()
	}
}

func (h *harness) expectSilent(t *testing.T, ids ...ConnID) {
	t.Helper()
	for _, id := range ids {
		if got := h.chans[id].take(); len(got) != 0 {
			t.Fatalf("unexpected events for %s: %+v", id, got)
		}
	}
}

// expectEvents drains id's channel and compares it with want.
func (h *harness) expectEvents(t *testing.T, id ConnID, want ...Event) {
	t.Helper()
	got := h.chans[id].take()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events for %s:\n got  %+v\n want %+v", id, got, want)
	}
}

func (h *harness) expectCount(t *testing.T, name string, want uint64) {
	t.Helper()
	if got := h.metrics.Get(name); got != want {
		t.Fatalf("metric %s=%d, want %d", name, got, want)
	}
}

func (h *harness) expectStats(t *testing.T, want Stats) {
	t.Helper()
	if got := h.relay.Stats(); got != want {
		t.Fatalf("stats=%+v, want %+v", got, want)
	}
}

func (h *harness) session(t *testing.T, a, b ConnID) SessionInfo {
	t.Helper()
	info, ok := h.relay.Session(a, b)
	if !ok {
		t.Fatalf("no session for %s/%s", a, b)
	}
	return info
}

func (h *harness) expectNoSession(t *testing.T, a, b ConnID) {
	t.Helper()
	if info, ok := h.relay.Session(a, b); ok {
		t.Fatalf("unexpected session for %s/%s: %+v", a, b, info)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err=%v, want %v", err, target)
	}
}

func offer(sdp string) Description {
	return Description(fmt.Sprintf(`{"type":"offer","sdp":%q}`, sdp))
}

func answer(sdp string) Description {
	return Description(fmt.Sprintf(`{"type":"answer","sdp":%q}`, sdp))
}
