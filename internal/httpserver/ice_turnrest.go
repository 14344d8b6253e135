package httpserver

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

// withTURNRESTCredentials returns a copy of servers with freshly minted
// credentials on every entry that carries a TURN URL. STUN entries are left
// untouched.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep `[]` rather than `null` in the response.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.HasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
