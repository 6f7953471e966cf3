package main

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/game"
	"github.com/beergame/beer/internal/wire"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	Host     string `env:"HOST" envDefault:"0.0.0.0"`
	Port     int    `env:"PORT" envDefault:"9000"`
	TestPort int    `env:"TEST_PORT" envDefault:"0"` // overrides PORT when set; used by integration harnesses

	// Game timing
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	TurnTimeout      time.Duration `env:"TURN_TIMEOUT" envDefault:"60s"`
	PlaceTimeout     time.Duration `env:"PLACE_TIMEOUT" envDefault:"60s"`
	ReconnectTimeout time.Duration `env:"RECONNECT_TIMEOUT" envDefault:"60s"`

	// Rules
	BoardSize  int `env:"BOARD_SIZE" envDefault:"10"`
	MaxMatches int `env:"MAX_MATCHES" envDefault:"1"`

	// Encryption key, hex-encoded 16/24/32 bytes. Empty disables encryption
	// unless a key arrives via flag.
	Key string `env:"KEY"`

	// Admission control
	ConnRate     float64 `env:"CONN_RATE" envDefault:"50"`       // global connections/sec
	CPUThreshold float64 `env:"CPU_THRESHOLD" envDefault:"85"`   // percent, 0 disables
	MemThreshold float64 `env:"MEM_THRESHOLD" envDefault:"90"`   // percent, 0 disables

	// Observability
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9090"`
	NATSURL   string `env:"NATS_URL"`

	// Logging
	Debug     bool   `env:"DEBUG" envDefault:"false"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseTimeout,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parseTimeout reads a duration from the environment. Both Go duration
// syntax ("90s", "2m") and bare integer seconds ("90") are accepted.
func parseTimeout(v string) (interface{}, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.TestPort < 0 || c.TestPort > 65535 {
		return fmt.Errorf("TEST_PORT must be 0-65535, got %d", c.TestPort)
	}
	if c.BoardSize < 2 || c.BoardSize > game.DefaultBoardSize {
		return fmt.Errorf("BOARD_SIZE must be 2-%d, got %d", game.DefaultBoardSize, c.BoardSize)
	}
	if c.MaxMatches < 1 {
		return fmt.Errorf("MAX_MATCHES must be >= 1, got %d", c.MaxMatches)
	}
	for name, d := range map[string]time.Duration{
		"HANDSHAKE_TIMEOUT": c.HandshakeTimeout,
		"TURN_TIMEOUT":      c.TurnTimeout,
		"PLACE_TIMEOUT":     c.PlaceTimeout,
		"RECONNECT_TIMEOUT": c.ReconnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Key != "" {
		if _, err := wire.ParseKeyHex(c.Key); err != nil {
			return fmt.Errorf("KEY: %w", err)
		}
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("CPU_THRESHOLD must be 0-100, got %.1f", c.CPUThreshold)
	}
	if c.MemThreshold < 0 || c.MemThreshold > 100 {
		return fmt.Errorf("MEM_THRESHOLD must be 0-100, got %.1f", c.MemThreshold)
	}
	if c.LogFormat != "json" && c.LogFormat != "pretty" {
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// Addr returns the game listener address, honouring TEST_PORT.
func (c *Config) Addr() string {
	port := c.Port
	if c.TestPort != 0 {
		port = c.TestPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("admin_addr", c.AdminAddr).
		Int("board_size", c.BoardSize).
		Int("max_matches", c.MaxMatches).
		Dur("handshake_timeout", c.HandshakeTimeout).
		Dur("turn_timeout", c.TurnTimeout).
		Dur("place_timeout", c.PlaceTimeout).
		Dur("reconnect_timeout", c.ReconnectTimeout).
		Bool("encrypted", c.Key != "").
		Str("nats_url", c.NATSURL).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
