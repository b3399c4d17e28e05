package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const envPrefix = "AERO_VIDCONF_"

const (
	EnvConfigFile      = envPrefix + "CONFIG"
	EnvConferenceID    = envPrefix + "CONFERENCE_ID"
	EnvSetupBaseURL    = envPrefix + "SETUP_BASE_URL"
	EnvSetupTimeout    = envPrefix + "SETUP_TIMEOUT"
	EnvAction          = envPrefix + "ACTION"
	EnvTitle           = envPrefix + "TITLE"
	EnvHost            = envPrefix + "HOST"
	EnvPassword        = envPrefix + "PASSWORD"
	EnvMode            = envPrefix + "MODE"
	EnvLogFormat       = envPrefix + "LOG_FORMAT"
	EnvLogLevel        = envPrefix + "LOG_LEVEL"
	EnvDebugListenAddr = envPrefix + "DEBUG_LISTEN_ADDR"
	EnvDebugAPIKey     = envPrefix + "DEBUG_API_KEY"
	EnvShutdownTimeout = envPrefix + "SHUTDOWN_TIMEOUT"
	EnvMediaSilence    = envPrefix + "MEDIA_SILENCE"

	// Signaling channel hardening.
	EnvMaxSignalingMessageBytes      = envPrefix + "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = envPrefix + "MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvSignalingWSPingInterval       = envPrefix + "SIGNALING_WS_PING_INTERVAL"
	EnvSignalingWSIdleTimeout        = envPrefix + "SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSWriteWait          = envPrefix + "SIGNALING_WS_WRITE_WAIT"

	EnvWebRTCUDPPortMin             = envPrefix + "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = envPrefix + "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCNAT1To1IPs             = envPrefix + "WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = envPrefix + "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvWebRTCUDPListenIP            = envPrefix + "WEBRTC_UDP_LISTEN_IP"

	// coturn TURN REST (ephemeral) credentials.
	EnvTURNRESTSharedSecret   = envPrefix + "TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = envPrefix + "TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = envPrefix + "TURN_REST_USERNAME_PREFIX"
)

const (
	flagConfigFile = "config"

	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

const (
	DefaultMode                          = ModeDev
	DefaultAction                        = ActionJoin
	DefaultSetupTimeout                  = 10 * time.Second
	DefaultShutdownTimeout               = 5 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 0
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSWriteWait          = 1 * time.Second
	DefaultWebRTCUDPListenIP             = "0.0.0.0"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero-vidconf"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Action selects how the participant logs in: by creating a new session as
// host, or by joining the session named by the conference id.
type Action string

const (
	ActionCreate Action = "create"
	ActionJoin   Action = "join"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	// ConfigFile is the optional viper-readable file the values were layered on.
	ConfigFile string

	ConferenceID string
	SetupBaseURL string
	SetupTimeout time.Duration
	Action       Action
	Title        string
	Host         string
	Password     string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	DebugListenAddr string
	// DebugAPIKey, when set, is required on the debug endpoints that expose
	// call state and metrics.
	DebugAPIKey     string
	ShutdownTimeout time.Duration
	MediaSilence    bool

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSPingInterval       time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSWriteWait          time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised for ICE when the participant sits behind a
	// 1:1 NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to. 0.0.0.0
	// means all interfaces.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
	// TURNREST, when enabled, mints credentials for TURN servers listed
	// without them.
	TURNREST TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = envOrDefault(envLookup, EnvConfigFile, "")
	}
	lookup := envLookup
	if configFile != "" {
		file, err := readFileLayer(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, file)
	}

	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	conferenceID := envOrDefault(lookup, EnvConferenceID, "")
	setupBaseURL := envOrDefault(lookup, EnvSetupBaseURL, "")
	actionStr := envOrDefault(lookup, EnvAction, string(DefaultAction))
	title := envOrDefault(lookup, EnvTitle, "")
	host := envOrDefault(lookup, EnvHost, "")
	password := envOrDefault(lookup, EnvPassword, "")
	debugListenAddr := envOrDefault(lookup, EnvDebugListenAddr, "")
	debugAPIKey := envOrDefault(lookup, EnvDebugAPIKey, "")

	iceServersJSON := envOrDefault(lookup, EnvICEServersJSON, "")
	stunURLs := envOrDefault(lookup, EnvStunURLs, "")
	turnURLs := envOrDefault(lookup, EnvTurnURLs, "")
	turnUsername := envOrDefault(lookup, EnvTurnUsername, "")
	turnCredential := envOrDefault(lookup, EnvTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, EnvTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(EnvTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	setupTimeout, err := envDurationOrDefault(lookup, EnvSetupTimeout, DefaultSetupTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	writeWait, err := envDurationOrDefault(lookup, EnvSignalingWSWriteWait, DefaultSignalingWSWriteWait)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	mediaSilence := false
	if raw, ok := lookup(EnvMediaSilence); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMediaSilence, raw, err)
		}
		mediaSilence = v
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(EnvWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(EnvWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, EnvWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-vidconf", flag.ContinueOnError)
	fs.StringVar(&configFile, flagConfigFile, configFile, "Optional config file (yaml, json, or toml; env "+EnvConfigFile+")")
	fs.StringVar(&conferenceID, "conference", conferenceID, "Conference id (relay socket) to verify and join (env "+EnvConferenceID+")")
	fs.StringVar(&setupBaseURL, "setup-url", setupBaseURL, "Base URL of the session setup service (env "+EnvSetupBaseURL+")")
	fs.DurationVar(&setupTimeout, "setup-timeout", setupTimeout, "Timeout for each session setup request (env "+EnvSetupTimeout+")")
	fs.StringVar(&actionStr, "action", actionStr, "Login action: create or join (env "+EnvAction+")")
	fs.StringVar(&title, "title", title, "Conference title when creating a session (env "+EnvTitle+")")
	fs.StringVar(&host, "host", host, "Host name presented to the setup service (env "+EnvHost+")")
	fs.StringVar(&password, "password", password, "Session password (env "+EnvPassword+")")

	fs.StringVar(&modeStr, "mode", modeDefault, "Runtime mode: dev or prod (env "+EnvMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+EnvLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+EnvLogLevel+")")
	fs.StringVar(&debugListenAddr, "debug-listen-addr", debugListenAddr, "Address for the debug HTTP server; empty disables it (env "+EnvDebugListenAddr+")")
	fs.StringVar(&debugAPIKey, "debug-api-key", debugAPIKey, "API key required by /state, /metrics and /webrtc/ice on the debug server (env "+EnvDebugAPIKey+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Time allowed for leaving the call on shutdown (env "+EnvShutdownTimeout+")")
	fs.BoolVar(&mediaSilence, "media-silence", mediaSilence, "Keep the local audio track alive with Opus silence (env "+EnvMediaSilence+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+EnvICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+EnvStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+EnvTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+EnvTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+EnvTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret used to mint TURN credentials (env "+EnvTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+EnvTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+EnvTURNRESTUsernamePrefix+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+EnvWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+EnvWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+EnvWebRTCNAT1To1IPCandidateType+")")

	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound non-handshake signaling messages per second, 0 for unlimited (env "+EnvMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Send ping frames on the signaling WebSocket at this interval (must be < --signaling-ws-idle-timeout; env "+EnvSignalingWSPingInterval+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Drop the signaling WebSocket after this long without inbound traffic (env "+EnvSignalingWSIdleTimeout+")")
	fs.DurationVar(&writeWait, "signaling-ws-write-wait", writeWait, "Write deadline for signaling frames (env "+EnvSignalingWSWriteWait+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	action, err := parseAction(actionStr)
	if err != nil {
		return Config{}, err
	}

	conferenceID = strings.TrimSpace(conferenceID)
	if action == ActionJoin && conferenceID == "" {
		return Config{}, fmt.Errorf("%s/--conference is required to join a session", EnvConferenceID)
	}
	if err := validateSetupBaseURL(setupBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--setup-url %q: %w", EnvSetupBaseURL, setupBaseURL, err)
	}
	if setupTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--setup-timeout must be > 0", EnvSetupTimeout)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", EnvMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be >= 0", EnvMaxSignalingMessagesPerSecond)
	}
	if writeWait <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-write-wait must be > 0", EnvSignalingWSWriteWait)
	}
	if pingInterval < 0 || idleTimeout < 0 {
		return Config{}, fmt.Errorf("signaling WebSocket ping interval and idle timeout must be >= 0")
	}
	if pingInterval > 0 && idleTimeout > 0 && pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval (%s) must be < %s/--signaling-ws-idle-timeout (%s)",
			EnvSignalingWSPingInterval, pingInterval,
			EnvSignalingWSIdleTimeout, idleTimeout,
		)
	}

	var portRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together",
				EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", EnvWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", EnvTURNRESTTTLSeconds, EnvTURNRESTSharedSecret)
		}
		if turnREST.UsernamePrefix == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", EnvTURNRESTUsernamePrefix, EnvTURNRESTSharedSecret)
		}
		if strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", EnvTURNRESTUsernamePrefix)
		}
	}

	iceServers, err := ICESource{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
		MintedTURN:     turnREST.Enabled(),
	}.Servers()
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}

	return Config{
		ConfigFile:   configFile,
		ConferenceID: conferenceID,
		SetupBaseURL: strings.TrimSpace(setupBaseURL),
		SetupTimeout: setupTimeout,
		Action:       action,
		Title:        title,
		Host:         host,
		Password:     password,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		DebugListenAddr: strings.TrimSpace(debugListenAddr),
		DebugAPIKey:     strings.TrimSpace(debugAPIKey),
		ShutdownTimeout: shutdownTimeout,
		MediaSilence:    mediaSilence,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingWSPingInterval:       pingInterval,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSWriteWait:          writeWait,

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,

		ICEServers: iceServers,
		TURNREST:   turnREST,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFileFromArgs finds -config/--config before the flag set is built, so
// the file layer can seed flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, flagConfigFile+"="); ok {
			return v
		}
		if name == flagConfigFile && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ActionCreate):
		return ActionCreate, nil
	case string(ActionJoin), "":
		return ActionJoin, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", EnvAction, raw, ActionCreate, ActionJoin)
	}
}

func validateSetupBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
