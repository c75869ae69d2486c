// Package config holds the runtime configuration for the p2pdrop peer and the
// signaling relay. Values come from the environment and are then overridden by
// CLI flags in cmd/.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode is the CLI operating mode.
type Mode string

const (
	ModeReceive  Mode = "receive"
	ModeSend     Mode = "send"
	ModeDiscover Mode = "discover"
)

// Protocol defaults.
const (
	DefaultChunkSize        = 16 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDiscoveryWindow  = 5 * time.Second
	DefaultCodeTimeout      = 10 * time.Second
)

// DefaultICEServers are the public STUN servers used for candidate gathering.
// No TURN: peers that cannot reach each other directly fall back to link sharing.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores every parameter a peer needs.
type Config struct {
	Mode Mode

	SignalURL     string // WebSocket URL of the relay, e.g. ws://localhost:8080/ws
	RelayToken    string // bearer token presented to the relay
	RedisAddr     string // alternative signaling bus; used when SignalURL is empty
	RedisPassword string

	DataDir     string // identity persistence directory; empty = OS default
	DeviceHint  string // user-agent-like platform hint for the display name
	ICEServers  []string
	ICELoopback bool // gather loopback candidates, for peers on the same host

	ChunkSize        int
	HandshakeTimeout time.Duration
	DiscoveryWindow  time.Duration
	CodeTimeout      time.Duration

	Debug bool
}

// RelayConfig stores the relay server parameters.
type RelayConfig struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	JWTSecret       string // empty disables token checks
	RegistrationKey string // required in X-Registration-Key by /api/token when set
}

// Load reads the peer configuration from the environment.
func Load() *Config {
	return &Config{
		SignalURL:        getEnv("P2PDROP_SIGNAL_URL", ""),
		RelayToken:       getEnv("P2PDROP_RELAY_TOKEN", ""),
		RedisAddr:        getEnv("P2PDROP_REDIS_ADDR", ""),
		RedisPassword:    getEnv("P2PDROP_REDIS_PASSWORD", ""),
		DataDir:          getEnv("P2PDROP_DATA_DIR", ""),
		DeviceHint:       getEnv("P2PDROP_DEVICE_HINT", ""),
		ICEServers:       getList("P2PDROP_ICE_SERVERS", DefaultICEServers),
		ICELoopback:      getBool("P2PDROP_ICE_LOOPBACK", false),
		ChunkSize:        getInt("P2PDROP_CHUNK_SIZE", DefaultChunkSize),
		HandshakeTimeout: getDuration("P2PDROP_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),
		DiscoveryWindow:  getDuration("P2PDROP_DISCOVERY_WINDOW", DefaultDiscoveryWindow),
		CodeTimeout:      getDuration("P2PDROP_CODE_TIMEOUT", DefaultCodeTimeout),
	}
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() *RelayConfig {
	return &RelayConfig{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:  getList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		RegistrationKey: getEnv("RELAY_REGISTRATION_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
