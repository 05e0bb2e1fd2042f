package wsserver

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	telemetry "github.com/arclog/telemetry"
)

const (
	defaultMessageBacklogSize = 1024
	defaultSessionName        = "telemetry-ws"
)

// Options configures a Server.
type Options struct {
	// Name is advertised to clients in serverInfo.
	Name string
	// Host and Port name the TCP listen address.
	Host string
	Port int

	// Capabilities lists the optional protocol features this server
	// supports; advertised verbatim in serverInfo.
	Capabilities []Capability
	// SupportedEncodings restricts which message encodings are accepted, if
	// non-empty: for client-advertised channels, and for service calls to
	// services that declare no request encoding.
	SupportedEncodings []string
	// SessionID is advertised in serverInfo; a fresh one is generated if
	// empty.
	SessionID string

	// Listener receives the optional protocol callbacks.
	Listener *Listener
	// ChannelFilter, if set, is consulted before advertising a channel to a
	// given client; returning false hides the channel from that client.
	ChannelFilter func(client *ConnectedClient, channel *telemetry.RawChannel) bool

	// MessageBacklogSize bounds each client's data-plane and control-plane
	// queues.
	MessageBacklogSize int
	// ServiceCallSlots bounds concurrent in-flight service calls per client.
	ServiceCallSlots int
	// AssetFetchSlots bounds concurrent in-flight asset fetches per client.
	AssetFetchSlots int

	// ConnectionRateLimit, if > 0, caps accepted connections per second.
	ConnectionRateLimit float64
	// ConnectionRateBurst bounds the token bucket's burst size.
	ConnectionRateBurst int
}

// DefaultOptions returns sane defaults: no capabilities enabled, unlimited
// connection rate, and per-connection buffer sizes suited to interactive
// visualization traffic.
func DefaultOptions() Options {
	return Options{
		Name:               defaultSessionName,
		Host:               "0.0.0.0",
		Port:               8765,
		MessageBacklogSize: defaultMessageBacklogSize,
		ServiceCallSlots:   defaultServiceCallSlots,
		AssetFetchSlots:    defaultAssetFetchSlots,
	}
}

// envOptions is the env-tagged shadow struct consumed by
// OptionsFromEnv; Options itself carries function fields and a Listener
// pointer that env.Parse cannot populate.
type envOptions struct {
	Name                string  `env:"TELEMETRY_WS_NAME" envDefault:"telemetry-ws"`
	Host                string  `env:"TELEMETRY_WS_HOST" envDefault:"0.0.0.0"`
	Port                int     `env:"TELEMETRY_WS_PORT" envDefault:"8765"`
	SessionID           string  `env:"TELEMETRY_WS_SESSION_ID"`
	MessageBacklogSize  int     `env:"TELEMETRY_WS_BACKLOG" envDefault:"1024"`
	ServiceCallSlots    int     `env:"TELEMETRY_WS_SERVICE_SLOTS" envDefault:"32"`
	AssetFetchSlots     int     `env:"TELEMETRY_WS_ASSET_SLOTS" envDefault:"32"`
	ConnectionRateLimit float64 `env:"TELEMETRY_WS_CONN_RATE_LIMIT" envDefault:"0"`
	ConnectionRateBurst int     `env:"TELEMETRY_WS_CONN_RATE_BURST" envDefault:"0"`
}

// OptionsFromEnv loads an Options from a .env file and the process
// environment, with env vars taking priority over the .env file, and both
// over the defaults. Capabilities, Listener, and ChannelFilter are not
// environment-expressible and must be set by the caller after this returns.
func OptionsFromEnv() (Options, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is not fatal; environment variables alone suffice.
		_ = err
	}

	var raw envOptions
	if err := env.Parse(&raw); err != nil {
		return Options{}, fmt.Errorf("wsserver: parse env options: %w", err)
	}
	if raw.Port < 1 || raw.Port > 65535 {
		return Options{}, fmt.Errorf("wsserver: TELEMETRY_WS_PORT out of range: %d", raw.Port)
	}

	return Options{
		Name:                raw.Name,
		Host:                raw.Host,
		Port:                raw.Port,
		SessionID:           raw.SessionID,
		MessageBacklogSize:  raw.MessageBacklogSize,
		ServiceCallSlots:    raw.ServiceCallSlots,
		AssetFetchSlots:     raw.AssetFetchSlots,
		ConnectionRateLimit: raw.ConnectionRateLimit,
		ConnectionRateBurst: raw.ConnectionRateBurst,
	}, nil
}
