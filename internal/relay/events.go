package relay

import (
	"bytes"
	"encoding/json"
)

// EventType names a signaling event on the wire.
type EventType string

const (
	EventRoomJoin            EventType = "room:join"
	EventRoomLeave           EventType = "room:leave"
	EventUserJoined          EventType = "user:joined"
	EventUserCall            EventType = "user:call"
	EventIncomingCall        EventType = "incoming:call"
	EventCallAccepted        EventType = "call:accepted"
	EventNegotiationNeeded   EventType = "peer:negotiation-needed"
	EventNegotiationDone     EventType = "peer:negotiation-done"
	EventNegotiationRejected EventType = "negotiation:rejected"
	EventCallEnd             EventType = "call:end"
	EventCallEnded           EventType = "call:ended"
	EventPeerLeft            EventType = "peer:left"
)

// Event is one outbound message addressed to a single connection. Payload is
// one of the payload structs below.
type Event struct {
	Type    EventType
	Payload any
}

// Channel is the relay's handle on one connection's transport.
//
// Send is called with the relay lock held: it must not block and must not call
// back into the Relay. Returning false reports that the event was dropped
// (for example because the outbound queue is full).
type Channel interface {
	Send(ev Event) bool
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ev Event) bool

func (f ChannelFunc) Send(ev Event) bool { return f(ev) }

// Description is an opaque session description (SDP offer or answer). It is
// carried as raw JSON and never decoded by the relay.
type Description []byte

func (d Description) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *Description) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = nil
		return nil
	}
	*d = append((*d)[:0], data...)
	return nil
}

// Empty reports whether d carries no description at all.
func (d Description) Empty() bool {
	trimmed := bytes.TrimSpace(d)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// JoinConfirmation is sent to a connection after it joins a room.
type JoinConfirmation struct {
	Identity string `json:"identity"`
	// Email is set only when the join used the legacy email field.
	Email        string `json:"email,omitempty"`
	Room         string `json:"room"`
	ConnectionID ConnID `json:"connectionId"`
}

// UserJoined is broadcast to the other members of a room when a connection
// joins it.
type UserJoined struct {
	Identity     string `json:"identity"`
	ConnectionID ConnID `json:"connectionId"`
}

type IncomingCall struct {
	From  ConnID      `json:"from"`
	Offer Description `json:"offer"`
}

type CallAccepted struct {
	From   ConnID      `json:"from"`
	Answer Description `json:"answer"`
}

type NegotiationNeeded struct {
	From  ConnID      `json:"from"`
	Offer Description `json:"offer"`
}

type NegotiationDone struct {
	From   ConnID      `json:"from"`
	Answer Description `json:"answer"`
}

// NegotiationRejected tells a sender its offer lost a glare race. State is the
// pair's state at the time of the rejection.
type NegotiationRejected struct {
	To     ConnID `json:"to"`
	Reason string `json:"reason"`
	State  State  `json:"state"`
}

type CallEnded struct {
	From ConnID `json:"from"`
}

// PeerLeft tells a connection that a counterpart it had a negotiation session
// with has gone (left its room or disconnected).
type PeerLeft struct {
	ConnectionID ConnID `json:"connectionId"`
}

var _ json.Marshaler = Description(nil)
