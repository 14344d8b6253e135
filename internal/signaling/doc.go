// Package signaling exposes the relay over WebSocket.
//
// Each connection on GET /signal is registered with the relay and exchanges
// JSON text frames of the form {"type": "...", "payload": {...}}. Inbound
// frames are validated here; anything malformed is dropped and counted
// without closing the connection. The relay never sees raw frames.
package signaling
