package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	EnvICEServersJSON = envPrefix + "ICE_SERVERS_JSON"

	EnvStunURLs       = envPrefix + "STUN_URLS"
	EnvTurnURLs       = envPrefix + "TURN_URLS"
	EnvTurnUsername   = envPrefix + "TURN_USERNAME"
	EnvTurnCredential = envPrefix + "TURN_CREDENTIAL"
)

// DefaultICEServers is the public STUN pair used when nothing is configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{
		URLs: []string{
			"stun:stun3.l.google.com:19302",
			"stun:stun4.l.google.com:19302",
		},
	}}
}

// ICESource is the ICE server configuration as the operator wrote it. JSON
// wins over the STUN/TURN lists when both are present.
type ICESource struct {
	JSON string

	// Comma-separated URL lists. The TURN credentials apply to every TURN URL.
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	// MintedTURN lets TURN entries leave both credentials empty. They are
	// filled per peer link from the TURN REST secret.
	MintedTURN bool
}

// Servers validates the source and returns the pion server list. An empty
// source yields an empty list.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := decodeICEServers(raw, s.MintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}
	return s.listServers()
}

func (s ICESource) listServers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitList(s.STUNURLs); len(urls) > 0 {
		stunServer := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(stunServer, false); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvStunURLs, err)
		}
		servers = append(servers, stunServer)
	}

	if urls := splitList(s.TURNURLs); len(urls) > 0 {
		turnServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(s.TURNUsername),
		}
		if cred := strings.TrimSpace(s.TURNCredential); cred != "" {
			turnServer.Credential = cred
		}
		if err := checkICEServer(turnServer, s.MintedTURN); err != nil {
			return nil, fmt.Errorf("%s/%s/%s: %w", EnvTurnURLs, EnvTurnUsername, EnvTurnCredential, err)
		}
		servers = append(servers, turnServer)
	}
	return servers, nil
}

// iceServerEntry is one RTCIceServer-shaped JSON object.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts "urls" as either a string or a list of strings.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func decodeICEServers(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitList(strings.Join(entry.URLs, ",")),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := checkICEServer(server, mintedTURN); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// checkICEServer parses every URL with pion's STUN URI parser and requires
// credentials on servers with a turn: or turns: URL, unless mintedTURN is set
// and both credentials are absent.
func checkICEServer(server webrtc.ICEServer, mintedTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	relay := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			relay = true
		}
	}
	if !relay {
		return nil
	}

	if mintedTURN && server.Username == "" && server.Credential == nil {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require a username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require a credential")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
