package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
)

// Relay routes signaling messages between registered connections.
//
// All state lives behind a single mutex and every outbound event is enqueued
// on the target's Channel while that mutex is held, so two events from the
// same sender to the same target are observed in the order they were
// processed.
type Relay struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	maxConns int

	mu     sync.Mutex
	closed bool
	conns  registry
	rooms  roomDirectory
	coord  coordinator
}

type Option func(*Relay)

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithMaxConnections caps the number of registered connections. Zero means
// unlimited.
func WithMaxConnections(n int) Option {
	return func(r *Relay) { r.maxConns = n }
}

// WithIDGenerator replaces the UUIDv4 connection id source. The registry
// skips ids that are live or recently retired, but gen should still produce
// ids that are unique over the life of the process.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(r *Relay) { r.conns = newRegistry(gen) }
}

func New(opts ...Option) *Relay {
	r := &Relay{
		log:   slog.Default(),
		conns: newRegistry(nil),
		rooms: newRoomDirectory(),
		coord: newCoordinator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a new connection and returns its id. identity may be
// empty; it is (re)assigned by Join.
func (r *Relay) Connect(identity string, ch Channel) (ConnID, error) {
	if ch == nil {
		return "", fmt.Errorf("%w: nil channel", ErrMalformedMessage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}
	if r.maxConns > 0 && r.conns.len() >= r.maxConns {
		r.metrics.Inc(metrics.DropReasonTooManyConnections)
		return "", ErrTooManyConnections
	}
	e, err := r.conns.register(identity, ch)
	if err != nil {
		return "", err
	}
	r.metrics.Inc(metrics.ConnectionOpened)
	r.log.Info("connection registered", "conn_id", e.ID)
	return e.ID, nil
}

// Disconnect removes a connection, its room membership and every negotiation
// session it participates in. Counterparts of torn-down sessions receive a
// peer:left event. Disconnecting an unknown id is a no-op.
func (r *Relay) Disconnect(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(id)
}

func (r *Relay) disconnectLocked(id ConnID) {
	e, ok := r.conns.remove(id)
	if !ok {
		return
	}
	if e.Room != "" {
		r.leaveRoomLocked(e)
	}
	r.teardownLocked(id)
	r.metrics.Inc(metrics.ConnectionClosed)
	r.log.Info("connection removed", "conn_id", id)
}

// Lookup returns a snapshot of a registered connection.
func (r *Relay) Lookup(id ConnID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns.lookup(id)
	if !ok {
		return Connection{}, false
	}
	return e.Connection, true
}

// Join makes id a member of room under identity. A connection already in a
// different room leaves it first. The joiner receives a room:join
// confirmation, then every other member receives user:joined.
func (r *Relay) Join(id ConnID, identity, room string) error {
	return r.join(id, identity, room, false)
}

// JoinByEmail is Join for clients that name themselves with the legacy email
// field. The confirmation echoes the identity under email as well.
func (r *Relay) JoinByEmail(id ConnID, email, room string) error {
	return r.join(id, email, room, true)
}

func (r *Relay) join(id ConnID, identity, room string, byEmail bool) error {
	if identity == "" || room == "" {
		return r.reject(EventRoomJoin, id, "", fmt.Errorf("%w: identity and room are required", ErrMalformedMessage))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns.lookup(id)
	if !ok {
		return r.reject(EventRoomJoin, id, "", ErrUnknownSender)
	}
	if e.Room != "" && e.Room != room {
		r.leaveRoomLocked(e)
	}

	e.Identity = identity
	e.Room = room
	if r.rooms.add(room, id) {
		r.metrics.Inc(metrics.RoomCreated)
		r.log.Debug("room created", "room", room)
	}
	r.metrics.Inc(metrics.RoomJoined)
	r.log.Debug("room joined", "conn_id", id, "room", room)

	conf := JoinConfirmation{
		Identity:     identity,
		Room:         room,
		ConnectionID: id,
	}
	if byEmail {
		conf.Email = identity
	}
	r.sendLocked(e, Event{Type: EventRoomJoin, Payload: conf})
	for _, member := range r.rooms.members(room) {
		if member == id {
			continue
		}
		if other, ok := r.conns.lookup(member); ok {
			r.sendLocked(other, Event{Type: EventUserJoined, Payload: UserJoined{
				Identity:     identity,
				ConnectionID: id,
			}})
		}
	}
	return nil
}

// Leave removes id from its room and tears down its negotiation sessions. The
// connection stays registered.
func (r *Relay) Leave(id ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns.lookup(id)
	if !ok {
		return r.reject(EventRoomLeave, id, "", ErrUnknownSender)
	}
	if e.Room == "" {
		return r.reject(EventRoomLeave, id, "", ErrNotInRoom)
	}
	r.leaveRoomLocked(e)
	return nil
}

func (r *Relay) leaveRoomLocked(e *connEntry) {
	room := e.Room
	e.Room = ""
	if r.rooms.remove(room, e.ID) {
		r.metrics.Inc(metrics.RoomDestroyed)
		r.log.Debug("room destroyed", "room", room)
	}
	r.metrics.Inc(metrics.RoomLeft)
	r.log.Debug("room left", "conn_id", e.ID, "room", room)
	r.teardownLocked(e.ID)
}

func (r *Relay) teardownLocked(id ConnID) {
	for _, other := range r.coord.dropConn(id) {
		r.metrics.Inc(metrics.SessionTornDown)
		if e, ok := r.conns.lookup(other); ok {
			r.sendLocked(e, Event{Type: EventPeerLeft, Payload: PeerLeft{ConnectionID: id}})
		}
	}
}

// Call forwards an offer from -> to as incoming:call and opens a negotiation
// session for the pair.
func (r *Relay) Call(from, to ConnID, offer Description) error {
	if err := validateRoute(from, to, offer); err != nil {
		return r.reject(EventUserCall, from, to, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, target, err := r.routeLocked(from, to)
	if err != nil {
		return r.reject(EventUserCall, from, to, err)
	}
	s, err := r.coord.offer(from, to, offer)
	if err != nil {
		return r.rejectOffer(EventUserCall, sender, to, s, err)
	}
	r.metrics.Inc(metrics.CallOffered)
	r.log.Debug("call offered", "from", from, "to", to)
	r.sendLocked(target, Event{Type: EventIncomingCall, Payload: IncomingCall{From: from, Offer: offer}})
	return nil
}

// Accept forwards an answer from -> to as call:accepted. It is only valid from
// the callee of the pair's outstanding offer.
func (r *Relay) Accept(from, to ConnID, answer Description) error {
	if err := validateRoute(from, to, answer); err != nil {
		return r.reject(EventCallAccepted, from, to, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, target, err := r.routeLocked(from, to)
	if err != nil {
		return r.reject(EventCallAccepted, from, to, err)
	}
	if _, err := r.coord.answer(from, to); err != nil {
		return r.reject(EventCallAccepted, from, to, err)
	}
	r.metrics.Inc(metrics.CallAccepted)
	r.log.Debug("call accepted", "from", from, "to", to)
	r.sendLocked(target, Event{Type: EventCallAccepted, Payload: CallAccepted{From: from, Answer: answer}})
	return nil
}

// RequestRenegotiation forwards a renegotiation offer on an established pair.
func (r *Relay) RequestRenegotiation(from, to ConnID, offer Description) error {
	if err := validateRoute(from, to, offer); err != nil {
		return r.reject(EventNegotiationNeeded, from, to, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, target, err := r.routeLocked(from, to)
	if err != nil {
		return r.reject(EventNegotiationNeeded, from, to, err)
	}
	s, err := r.coord.renegotiate(from, to, offer)
	if err != nil {
		return r.rejectOffer(EventNegotiationNeeded, sender, to, s, err)
	}
	r.metrics.Inc(metrics.RenegotiationRequested)
	r.log.Debug("renegotiation requested", "from", from, "to", to)
	r.sendLocked(target, Event{Type: EventNegotiationNeeded, Payload: NegotiationNeeded{From: from, Offer: offer}})
	return nil
}

// CompleteRenegotiation forwards the answer to a renegotiation offer. It is
// only valid from the requester's counterpart.
func (r *Relay) CompleteRenegotiation(from, to ConnID, answer Description) error {
	if err := validateRoute(from, to, answer); err != nil {
		return r.reject(EventNegotiationDone, from, to, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, target, err := r.routeLocked(from, to)
	if err != nil {
		return r.reject(EventNegotiationDone, from, to, err)
	}
	if _, err := r.coord.renegotiated(from, to); err != nil {
		return r.reject(EventNegotiationDone, from, to, err)
	}
	r.metrics.Inc(metrics.RenegotiationCompleted)
	r.log.Debug("renegotiation completed", "from", from, "to", to)
	r.sendLocked(target, Event{Type: EventNegotiationDone, Payload: NegotiationDone{From: from, Answer: answer}})
	return nil
}

// EndCall destroys the pair's session and tells the counterpart with
// call:ended.
func (r *Relay) EndCall(from, to ConnID) error {
	if to == "" || from == to {
		return r.reject(EventCallEnd, from, to, fmt.Errorf("%w: invalid target", ErrMalformedMessage))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, target, err := r.routeLocked(from, to)
	if err != nil {
		return r.reject(EventCallEnd, from, to, err)
	}
	if err := r.coord.end(from, to); err != nil {
		return r.reject(EventCallEnd, from, to, err)
	}
	r.metrics.Inc(metrics.CallEnded)
	r.log.Debug("call ended", "from", from, "to", to)
	r.sendLocked(target, Event{Type: EventCallEnded, Payload: CallEnded{From: from}})
	return nil
}

// Session returns a snapshot of the negotiation session between a and b.
func (r *Relay) Session(a, b ConnID) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.coord.get(a, b)
	if !ok {
		return SessionInfo{State: StateIdle}, false
	}
	return s.info(), true
}

// RoomMembers returns the members of room in join order.
func (r *Relay) RoomMembers(room string) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms.members(room)
}

type Stats struct {
	Connections int
	Rooms       int
	Sessions    int
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections: r.conns.len(),
		Rooms:       r.rooms.len(),
		Sessions:    r.coord.len(),
	}
}

// Close disconnects every connection and refuses new ones.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	ids := make([]ConnID, 0, r.conns.len())
	for id := range r.conns.conns {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.disconnectLocked(id)
	}
}

func validateRoute(from, to ConnID, desc Description) error {
	switch {
	case to == "":
		return fmt.Errorf("%w: missing target", ErrMalformedMessage)
	case from == to:
		return fmt.Errorf("%w: message addressed to sender", ErrMalformedMessage)
	case desc.Empty():
		return fmt.Errorf("%w: missing session description", ErrMalformedMessage)
	}
	return nil
}

func (r *Relay) routeLocked(from, to ConnID) (sender, target *connEntry, err error) {
	sender, ok := r.conns.lookup(from)
	if !ok {
		return nil, nil, ErrUnknownSender
	}
	target, ok = r.conns.lookup(to)
	if !ok {
		return nil, nil, ErrUnknownTarget
	}
	return sender, target, nil
}

func (r *Relay) sendLocked(e *connEntry, ev Event) {
	if e.channel.Send(ev) {
		return
	}
	r.metrics.Inc(metrics.DropReasonSendQueueFull)
	r.log.Warn("outbound event dropped", "conn_id", e.ID, "event", ev.Type, "reason", metrics.DropReasonSendQueueFull)
}

// rejectOffer tells the sender of a glaring offer that it lost.
func (r *Relay) rejectOffer(op EventType, sender *connEntry, to ConnID, s *negotiationSession, err error) error {
	if !errors.Is(err, ErrGlare) || s == nil {
		return r.reject(op, sender.ID, to, err)
	}
	r.metrics.Inc(metrics.GlareRejected)
	r.log.Debug("offer rejected", "op", op, "from", sender.ID, "to", to, "state", s.state)
	r.sendLocked(sender, Event{Type: EventNegotiationRejected, Payload: NegotiationRejected{
		To:     to,
		Reason: "glare",
		State:  s.state,
	}})
	return err
}

func (r *Relay) reject(op EventType, from, to ConnID, err error) error {
	reason := dropReason(err)
	r.metrics.Inc(reason)
	r.log.Debug("signaling message dropped", "op", op, "from", from, "to", to, "reason", reason, "err", err)
	return err
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTarget):
		return metrics.DropReasonUnknownTarget
	case errors.Is(err, ErrUnknownSender):
		return metrics.DropReasonUnknownSender
	case errors.Is(err, ErrStaleSession):
		return metrics.DropReasonStaleSession
	case errors.Is(err, ErrNotInRoom):
		return metrics.DropReasonNotInRoom
	default:
		return metrics.DropReasonMalformed
	}
}
