package httpserver

import (
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const redacted = "redacted"

// redactTURNCredentials copies servers with the credentials of TURN entries
// masked. An empty list stays non-nil so it encodes as [].
func redactTURNCredentials(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if !hasRelayURL(server.URLs) {
			continue
		}
		if server.Username != "" {
			out[i].Username = redacted
		}
		if server.Credential != nil && server.Credential != "" {
			out[i].Credential = redacted
		}
	}
	return out
}

// hasRelayURL reports whether any URL uses the turn or turns scheme, in any
// letter case.
func hasRelayURL(urls []string) bool {
	for _, raw := range urls {
		scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			continue
		}
		switch stun.NewSchemeType(strings.ToLower(scheme)) {
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			return true
		}
	}
	return false
}
