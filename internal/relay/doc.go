// Package relay is the signaling core of the call relay.
//
// A Relay owns three pieces of state behind one lock: the connection registry
// (live connections and their identities), the room directory (which
// connections share a room) and the negotiation sessions between pairs of
// connections. Transports hand inbound messages to the Relay's operations and
// receive outbound events through the Channel they registered with.
//
// The relay never inspects session descriptions. Offers and answers are
// forwarded byte-for-byte to the addressed peer.
package relay
