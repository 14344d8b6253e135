package relay

import "errors"

var (
	// ErrMalformedMessage is returned when a message is missing a required
	// field or addresses the sender itself.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownSender is returned when the sending connection is no longer
	// registered, typically because it raced its own disconnect.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrUnknownTarget is returned when a routed message names a connection
	// that is not registered.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrGlare is returned when an offer arrives for a pair that already has
	// a negotiation in flight.
	ErrGlare = errors.New("negotiation already in flight")
	// ErrStaleSession is returned for answers, renegotiation replies and
	// hang-ups that do not match the pair's current negotiation session.
	ErrStaleSession = errors.New("stale negotiation session")
	// ErrNotInRoom is returned by Leave for a connection that is not a
	// member of any room.
	ErrNotInRoom          = errors.New("not in a room")
	ErrTooManyConnections = errors.New("too many connections")
	ErrClosed             = errors.New("relay closed")
)
