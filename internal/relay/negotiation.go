package relay

import (
	"fmt"
	"sort"
)

// State is the negotiation state of a pair of connections.
type State uint8

const (
	StateIdle State = iota
	StateOfferInFlight
	StateAnswerInFlight
	StateStable
	StateRenegotiating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferInFlight:
		return "offer-in-flight"
	case StateAnswerInFlight:
		return "answer-in-flight"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// inFlight reports whether an offer is outstanding in state s.
func (s State) inFlight() bool {
	return s == StateOfferInFlight || s == StateAnswerInFlight || s == StateRenegotiating
}

func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateOfferInFlight
	case StateOfferInFlight:
		return to == StateAnswerInFlight
	case StateAnswerInFlight:
		return to == StateStable
	case StateStable:
		return to == StateRenegotiating
	case StateRenegotiating:
		return to == StateStable
	default:
		return false
	}
}

// pairKey is the unordered pair {a, b}.
type pairKey struct {
	lo, hi ConnID
}

func newPairKey(a, b ConnID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

func (k pairKey) other(id ConnID) ConnID {
	if id == k.lo {
		return k.hi
	}
	return k.lo
}

// SessionInfo is a snapshot of a negotiation session.
type SessionInfo struct {
	State State
	// Initiator sent the offer that created the session.
	Initiator ConnID
	// Requester sent the outstanding renegotiation offer; empty unless State
	// is StateRenegotiating.
	Requester ConnID
	// PendingOffer is the outstanding offer, if any.
	PendingOffer Description
}

type negotiationSession struct {
	key          pairKey
	state        State
	initiator    ConnID
	requester    ConnID
	pendingOffer Description
}

func (s *negotiationSession) transition(to State) error {
	if !validTransition(s.state, to) {
		return fmt.Errorf("invalid negotiation transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

func (s *negotiationSession) info() SessionInfo {
	return SessionInfo{
		State:        s.state,
		Initiator:    s.initiator,
		Requester:    s.requester,
		PendingOffer: append(Description(nil), s.pendingOffer...),
	}
}

// coordinator holds at most one negotiation session per unordered pair. Each
// method validates a negotiation message against the pair's session and
// applies the resulting transition; a non-nil error means the message must not
// be forwarded.
type coordinator struct {
	sessions map[pairKey]*negotiationSession
	byConn   map[ConnID]map[pairKey]struct{}
}

func newCoordinator() coordinator {
	return coordinator{
		sessions: make(map[pairKey]*negotiationSession),
		byConn:   make(map[ConnID]map[pairKey]struct{}),
	}
}

func (c *coordinator) get(a, b ConnID) (*negotiationSession, bool) {
	s, ok := c.sessions[newPairKey(a, b)]
	return s, ok
}

func (c *coordinator) index(id ConnID, key pairKey) {
	set, ok := c.byConn[id]
	if !ok {
		set = make(map[pairKey]struct{})
		c.byConn[id] = set
	}
	set[key] = struct{}{}
}

func (c *coordinator) unindex(id ConnID, key pairKey) {
	set := c.byConn[id]
	delete(set, key)
	if len(set) == 0 {
		delete(c.byConn, id)
	}
}

func (c *coordinator) destroy(key pairKey) {
	if _, ok := c.sessions[key]; !ok {
		return
	}
	delete(c.sessions, key)
	c.unindex(key.lo, key)
	c.unindex(key.hi, key)
}

// offer handles a call offer from -> to. The first offer for a pair wins: any
// later offer while the pair is negotiating or connected is glare and the
// existing session is returned alongside ErrGlare.
func (c *coordinator) offer(from, to ConnID, offer Description) (*negotiationSession, error) {
	key := newPairKey(from, to)
	s, ok := c.sessions[key]
	if !ok {
		s = &negotiationSession{key: key, state: StateIdle}
		c.sessions[key] = s
		c.index(key.lo, key)
		c.index(key.hi, key)
	}
	if s.state != StateIdle {
		return s, ErrGlare
	}
	s.initiator = from
	s.pendingOffer = offer
	return s, s.transition(StateOfferInFlight)
}

// answer handles a call answer from -> to. Only the callee may answer, and only
// towards the initiator of the outstanding offer. A valid answer passes
// through AnswerInFlight and settles in Stable.
func (c *coordinator) answer(from, to ConnID) (*negotiationSession, error) {
	s, ok := c.get(from, to)
	if !ok || s.state != StateOfferInFlight || s.initiator != to {
		return s, ErrStaleSession
	}
	if err := s.transition(StateAnswerInFlight); err != nil {
		return s, err
	}
	s.pendingOffer = nil
	return s, s.transition(StateStable)
}

// renegotiate handles a renegotiation offer from -> to on an established pair.
func (c *coordinator) renegotiate(from, to ConnID, offer Description) (*negotiationSession, error) {
	s, ok := c.get(from, to)
	if !ok || s.state == StateIdle {
		return s, ErrStaleSession
	}
	if s.state.inFlight() {
		return s, ErrGlare
	}
	if err := s.transition(StateRenegotiating); err != nil {
		return s, err
	}
	s.requester = from
	s.pendingOffer = offer
	return s, nil
}

// renegotiated handles the reply to a renegotiation offer. Only the
// counterpart of the requester may reply.
func (c *coordinator) renegotiated(from, to ConnID) (*negotiationSession, error) {
	s, ok := c.get(from, to)
	if !ok || s.state != StateRenegotiating || s.requester != to {
		return s, ErrStaleSession
	}
	if err := s.transition(StateStable); err != nil {
		return s, err
	}
	s.requester = ""
	s.pendingOffer = nil
	return s, nil
}

// end destroys the pair's session. Either side may end it in any state.
func (c *coordinator) end(from, to ConnID) error {
	key := newPairKey(from, to)
	if _, ok := c.sessions[key]; !ok {
		return ErrStaleSession
	}
	c.destroy(key)
	return nil
}

// dropConn destroys every session involving id and returns the counterparts.
func (c *coordinator) dropConn(id ConnID) []ConnID {
	set := c.byConn[id]
	if len(set) == 0 {
		return nil
	}
	out := make([]ConnID, 0, len(set))
	for key := range set {
		out = append(out, key.other(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	for _, other := range out {
		c.destroy(newPairKey(id, other))
	}
	return out
}

func (c *coordinator) len() int { return len(c.sessions) }
