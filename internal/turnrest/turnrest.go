// Package turnrest mints coturn-compatible TURN REST credentials for TURN
// servers configured without static ones.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/vidconf/internal/config"
)

// refreshMargin is how long before expiry a cached credential is replaced.
const refreshMargin = time.Minute

type Credentials struct {
	Username   string
	Credential string
	Expiry     time.Time
}

type MinterConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Servers is the configured ICE list. TURN entries without a username
	// receive minted credentials; everything else is passed through.
	Servers []webrtc.ICEServer

	Now       func() time.Time
	SessionID func() string
}

// Minter hands out ICE server lists with fresh TURN credentials. It is safe
// for concurrent use.
type Minter struct {
	secret    []byte
	ttl       time.Duration
	prefix    string
	servers   []webrtc.ICEServer
	now       func() time.Time
	sessionID func() string

	mu     sync.Mutex
	cached Credentials
}

// FromConfig returns nil when TURN REST is not enabled.
func FromConfig(cfg config.Config) (*Minter, error) {
	if !cfg.TURNREST.Enabled() {
		return nil, nil
	}
	return NewMinter(MinterConfig{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		Servers:        cfg.ICEServers,
	})
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least one second")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = uuid.NewString
	}
	return &Minter{
		secret:    []byte(cfg.SharedSecret),
		ttl:       cfg.TTL,
		prefix:    cfg.UsernamePrefix,
		servers:   cfg.Servers,
		now:       cfg.Now,
		sessionID: cfg.SessionID,
	}, nil
}

// Generate signs a username for sessionID expiring one TTL from now.
func (m *Minter) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expiry := m.now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry.Unix(), m.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: signUsername(m.secret, username),
		Expiry:     expiry,
	}, nil
}

// current returns cached credentials, minting new ones close to expiry.
func (m *Minter) current() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached.Username != "" && m.now().Add(refreshMargin).Before(m.cached.Expiry) {
		return m.cached, nil
	}
	creds, err := m.Generate(m.sessionID())
	if err != nil {
		return Credentials{}, err
	}
	m.cached = creds
	return creds, nil
}

// ICEServers returns the configured list with minted credentials filled in.
// A minting failure drops the TURN entries that needed them.
func (m *Minter) ICEServers() []webrtc.ICEServer {
	creds, err := m.current()
	out := make([]webrtc.ICEServer, 0, len(m.servers))
	for _, server := range m.servers {
		if !needsCredentials(server) {
			out = append(out, server)
			continue
		}
		if err != nil {
			continue
		}
		server.Username = creds.Username
		server.Credential = creds.Credential
		server.CredentialType = webrtc.ICECredentialTypePassword
		out = append(out, server)
	}
	return out
}

func needsCredentials(server webrtc.ICEServer) bool {
	if server.Username != "" {
		return false
	}
	for _, url := range server.URLs {
		url = strings.ToLower(strings.TrimSpace(url))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
