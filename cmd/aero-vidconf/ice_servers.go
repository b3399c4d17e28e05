package main

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// iceServerURLs flattens the ICE list for logging. Credentials are never
// included.
func iceServerURLs(servers []webrtc.ICEServer) []string {
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		out = append(out, server.URLs...)
	}
	return out
}

func hasTURNServer(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if iceServerHasTURNURL(server) {
			return true
		}
	}
	return false
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
