package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

var errBadMessage = errors.New("bad message")

// wireEnvelope is the frame shape in both directions.
type wireEnvelope struct {
	Type    relay.EventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEnvelope struct {
	Type    relay.EventType `json:"type"`
	Payload any             `json:"payload"`
}

type joinPayload struct {
	Identity string `json:"identity"`
	// Email is the legacy name for Identity.
	Email string `json:"email"`
	Room  string `json:"room"`
}

type offerPayload struct {
	To    relay.ConnID      `json:"to"`
	Offer relay.Description `json:"offer"`
}

type answerPayload struct {
	To     relay.ConnID      `json:"to"`
	Answer relay.Description `json:"answer"`
}

type targetPayload struct {
	To relay.ConnID `json:"to"`
}

// inboundMessage is a validated client frame.
type inboundMessage struct {
	Type     relay.EventType
	Identity string
	// ByEmail marks a join that named the identity with the legacy email
	// field.
	ByEmail bool
	Room    string
	To      relay.ConnID
	Desc    relay.Description
}

func parseInboundMessage(data []byte) (inboundMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return inboundMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	msg := inboundMessage{Type: env.Type}

	switch env.Type {
	case relay.EventRoomLeave:
		if len(env.Payload) != 0 && !isJSONNull(env.Payload) && !isJSONObject(env.Payload) {
			return inboundMessage{}, fmt.Errorf("%w: payload must be an object", errBadMessage)
		}
		return msg, nil
	case relay.EventRoomJoin, relay.EventUserCall, relay.EventCallAccepted,
		relay.EventNegotiationNeeded, relay.EventNegotiationDone, relay.EventCallEnd:
	case "":
		return inboundMessage{}, fmt.Errorf("%w: missing type", errBadMessage)
	default:
		return inboundMessage{}, fmt.Errorf("%w: unknown type %q", errBadMessage, env.Type)
	}

	if !isJSONObject(env.Payload) {
		return inboundMessage{}, fmt.Errorf("%w: %s payload must be an object", errBadMessage, env.Type)
	}

	switch env.Type {
	case relay.EventRoomJoin:
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return inboundMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		msg.Identity = p.Identity
		if msg.Identity == "" {
			msg.Identity = p.Email
			msg.ByEmail = p.Email != ""
		}
		msg.Room = p.Room
		if msg.Identity == "" || msg.Room == "" {
			return inboundMessage{}, fmt.Errorf("%w: room:join requires identity and room", errBadMessage)
		}
	case relay.EventUserCall, relay.EventNegotiationNeeded:
		var p offerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return inboundMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		if !isJSONObject(p.Offer) {
			return inboundMessage{}, fmt.Errorf("%w: %s offer must be an object", errBadMessage, env.Type)
		}
		msg.To, msg.Desc = p.To, p.Offer
	case relay.EventCallAccepted, relay.EventNegotiationDone:
		var p answerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return inboundMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		if !isJSONObject(p.Answer) {
			return inboundMessage{}, fmt.Errorf("%w: %s answer must be an object", errBadMessage, env.Type)
		}
		msg.To, msg.Desc = p.To, p.Answer
	case relay.EventCallEnd:
		var p targetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return inboundMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
		}
		msg.To = p.To
	}

	if env.Type != relay.EventRoomJoin && msg.To == "" {
		return inboundMessage{}, fmt.Errorf("%w: %s requires to", errBadMessage, env.Type)
	}
	return msg, nil
}

// apply hands a validated message to the relay on behalf of from.
func (m inboundMessage) apply(r *relay.Relay, from relay.ConnID) error {
	switch m.Type {
	case relay.EventRoomJoin:
		if m.ByEmail {
			return r.JoinByEmail(from, m.Identity, m.Room)
		}
		return r.Join(from, m.Identity, m.Room)
	case relay.EventRoomLeave:
		return r.Leave(from)
	case relay.EventUserCall:
		return r.Call(from, m.To, m.Desc)
	case relay.EventCallAccepted:
		return r.Accept(from, m.To, m.Desc)
	case relay.EventNegotiationNeeded:
		return r.RequestRenegotiation(from, m.To, m.Desc)
	case relay.EventNegotiationDone:
		return r.CompleteRenegotiation(from, m.To, m.Desc)
	case relay.EventCallEnd:
		return r.EndCall(from, m.To)
	default:
		return fmt.Errorf("%w: unknown type %q", errBadMessage, m.Type)
	}
}

func encodeEvent(ev relay.Event) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Type: ev.Type, Payload: ev.Payload})
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) >= 2 && trimmed[0] == '{'
}

func isJSONNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
