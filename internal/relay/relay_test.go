package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
)

func TestRelay_CallScenario(t *testing.T) {
	h := newHarness(t)

	c1 := h.join(t, "alice@example.com", "42")
	c2 := h.join(t, "bob@example.com", "42")
	if c1 != "c1" || c2 != "c2" {
		t.Fatalf("ids=%q,%q, want c1,c2", c1, c2)
	}

	h.expectEvents(t, c1,
		Event{Type: EventRoomJoin, Payload: JoinConfirmation{Identity: "alice@example.com", Room: "42", ConnectionID: "c1"}},
		Event{Type: EventUserJoined, Payload: UserJoined{Identity: "bob@example.com", ConnectionID: "c2"}},
	)
	h.expectEvents(t, c2,
		Event{Type: EventRoomJoin, Payload: JoinConfirmation{Identity: "bob@example.com", Room: "42", ConnectionID: "c2"}},
	)

	o1 := offer("O1")
	mustOK(t, h.relay.Call(c2, c1, o1))
	h.expectEvents(t, c1, Event{Type: EventIncomingCall, Payload: IncomingCall{From: "c2", Offer: o1}})
	h.expectSilent(t, c2)

	a1 := answer("A1")
	mustOK(t, h.relay.Accept(c1, c2, a1))
	h.expectEvents(t, c2, Event{Type: EventCallAccepted, Payload: CallAccepted{From: "c1", Answer: a1}})
	h.expectSilent(t, c1)

	if info := h.session(t, c1, c2); info.State != StateStable || info.Initiator != c2 {
		t.Fatalf("session=%+v, want stable with initiator c2", info)
	}
}

func TestRelay_UnknownTargetProducesNoMessages(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	h.clear()

	expectErr(t, h.relay.Call(a, "c9", offer("O")), ErrUnknownTarget)
	expectErr(t, h.relay.Accept(a, "c9", answer("A")), ErrUnknownTarget)
	expectErr(t, h.relay.RequestRenegotiation(a, "c9", offer("O")), ErrUnknownTarget)
	expectErr(t, h.relay.CompleteRenegotiation(a, "c9", answer("A")), ErrUnknownTarget)
	expectErr(t, h.relay.EndCall(a, "c9"), ErrUnknownTarget)

	h.expectSilent(t, a, b)
	h.expectStats(t, Stats{Connections: 2, Rooms: 1})
	h.expectCount(t, metrics.DropReasonUnknownTarget, 5)
}

func TestRelay_UnrelatedConnectionsSeeNothing(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	c := h.join(t, "c", "R")
	h.clear()

	mustOK(t, h.relay.Call(a, b, offer("o")))
	mustOK(t, h.relay.Accept(b, a, answer("a")))
	mustOK(t, h.relay.RequestRenegotiation(a, b, offer("r")))
	mustOK(t, h.relay.CompleteRenegotiation(b, a, answer("r")))
	mustOK(t, h.relay.EndCall(a, b))

	h.expectSilent(t, c)
}

func TestRelay_DisconnectDuringOfferMakesAnswerStale(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	mustOK(t, h.relay.Call(a, b, offer("o")))
	h.clear()

	h.relay.Disconnect(a)

	h.expectEvents(t, b, Event{Type: EventPeerLeft, Payload: PeerLeft{ConnectionID: a}})
	expectErr(t, h.relay.Accept(b, a, answer("a")), ErrUnknownTarget)
	h.expectNoSession(t, a, b)
	expectMembers(t, h.relay, "R", b)
	h.expectSilent(t, a, b)
}

func TestRelay_DisconnectTearsDownEverySession(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	c := h.join(t, "c", "R")
	mustOK(t, h.relay.Call(a, b, offer("1")))
	mustOK(t, h.relay.Call(c, a, offer("2")))
	mustOK(t, h.relay.Accept(a, c, answer("2")))
	mustOK(t, h.relay.Call(b, c, offer("3")))
	h.clear()

	h.relay.Disconnect(a)

	h.expectStats(t, Stats{Connections: 2, Rooms: 1, Sessions: 1})
	for _, id := range []ConnID{b, c} {
		if got := len(h.chans[id].ofType(EventPeerLeft)); got != 1 {
			t.Fatalf("peer:left for %s=%d, want 1", id, got)
		}
	}
	h.expectCount(t, metrics.SessionTornDown, 2)
}

func TestRelay_MalformedRoutesNeverTouchState(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	h.clear()

	expectErr(t, h.relay.Call(a, "", offer("o")), ErrMalformedMessage)
	expectErr(t, h.relay.Call(a, a, offer("o")), ErrMalformedMessage)
	expectErr(t, h.relay.Call(a, b, nil), ErrMalformedMessage)
	expectErr(t, h.relay.Call(a, b, Description("null")), ErrMalformedMessage)
	expectErr(t, h.relay.EndCall(a, a), ErrMalformedMessage)

	h.expectStats(t, Stats{Connections: 2, Rooms: 1})
	h.expectSilent(t, a, b)
	h.expectCount(t, metrics.DropReasonMalformed, 5)
}

func TestRelay_FullSendQueueIsCountedNotFatal(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	h.chans[b].full = true

	mustOK(t, h.relay.Call(a, b, offer("o")))

	if info := h.session(t, a, b); info.State != StateOfferInFlight {
		t.Fatalf("state=%s, want offer-in-flight", info.State)
	}
	h.expectCount(t, metrics.DropReasonSendQueueFull, 1)
}

func TestRelay_PreservesPerSenderOrder(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "a", "R")
	b := h.join(t, "b", "R")
	mustOK(t, h.relay.Call(a, b, offer("o")))
	mustOK(t, h.relay.Accept(b, a, answer("a")))
	h.clear()

	for i := 0; i < 20; i++ {
		mustOK(t, h.relay.RequestRenegotiation(a, b, offer(fmt.Sprint(i))))
		mustOK(t, h.relay.CompleteRenegotiation(b, a, answer(fmt.Sprint(i))))
	}

	got := h.chans[b].take()
	if len(got) != 20 {
		t.Fatalf("got %d events, want 20", len(got))
	}
	for i, ev := range got {
		if want := offer(fmt.Sprint(i)); !bytes.Equal(ev.Payload.(NegotiationNeeded).Offer, want) {
			t.Fatalf("event %d carries %s, want %s", i, ev.Payload.(NegotiationNeeded).Offer, want)
		}
	}
}

func TestRelay_ConcurrentOffersCreateOneSession(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		h := newHarness(t)
		a := h.join(t, "a", "R")
		b := h.join(t, "b", "R")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); errs[0] = h.relay.Call(a, b, offer("a")) }()
		go func() { defer wg.Done(); errs[1] = h.relay.Call(b, a, offer("b")) }()
		wg.Wait()

		var won int
		for _, err := range errs {
			if err == nil {
				won++
			} else {
				expectErr(t, err, ErrGlare)
			}
		}
		if won != 1 {
			t.Fatalf("iteration %d: %d offers won, want 1", iter, won)
		}
		if got := h.relay.Stats().Sessions; got != 1 {
			t.Fatalf("iteration %d: sessions=%d, want 1", iter, got)
		}
	}
}

func TestRelay_ConcurrentDisconnectAndAnswer(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		h := newHarness(t)
		a := h.join(t, "a", "R")
		b := h.join(t, "b", "R")
		mustOK(t, h.relay.Call(a, b, offer("o")))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.relay.Disconnect(a) }()
		go func() { defer wg.Done(); _ = h.relay.Accept(b, a, answer("x")) }()
		wg.Wait()

		h.expectStats(t, Stats{Connections: 1, Rooms: 1})
	}
}

func TestRelay_InfoLogsOmitIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r := New(WithLogger(log), WithIDGenerator(sequentialIDs()))

	id, err := r.Connect("alice@example.com", &recorder{})
	mustOK(t, err)
	mustOK(t, r.Join(id, "alice@example.com", "R"))
	r.Disconnect(id)

	out := buf.String()
	if !strings.Contains(out, "connection registered") || !strings.Contains(out, "connection removed") {
		t.Fatalf("missing lifecycle logs: %s", out)
	}
	if strings.Contains(out, "alice@example.com") {
		t.Fatalf("identity leaked into info logs: %s", out)
	}
}

func TestDescription_PassesThroughVerbatim(t *testing.T) {
	raw := `{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n","x-extra":[1,2]}`
	var d Description
	mustOK(t, json.Unmarshal([]byte(raw), &d))

	out, err := json.Marshal(IncomingCall{From: "c1", Offer: d})
	mustOK(t, err)
	if want := `{"from":"c1","offer":` + raw + `}`; string(out) != want {
		t.Fatalf("marshal=%s, want %s", out, want)
	}

	rejected, err := json.Marshal(NegotiationRejected{To: "c2", Reason: "glare", State: StateStable})
	mustOK(t, err)
	if want := `{"to":"c2","reason":"glare","state":"stable"}`; string(rejected) != want {
		t.Fatalf("marshal=%s, want %s", rejected, want)
	}
}

func TestJoinConfirmation_EmailOnlyWhenUsed(t *testing.T) {
	out, err := json.Marshal(JoinConfirmation{Identity: "a", Room: "R", ConnectionID: "c1"})
	mustOK(t, err)
	if strings.Contains(string(out), "email") {
		t.Fatalf("unexpected email in %s", out)
	}
}
