// Package config provides Viper-based configuration loading for the room server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WebSocketConfig holds the WebSocket acceptor settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadLimit is the maximum size in bytes of a single inbound frame.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteTimeout is the per-frame write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the number of outbound frames queued per connection
	// before the connection is considered dead.
	SendBuffer int `mapstructure:"send_buffer"`
	// OriginPatterns lists the allowed Origin host patterns. Empty allows same-origin only.
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	// GRPCHost is the bind address for the health service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the health service. Zero disables it.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Enabled reports whether the health endpoint should be started.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort != 0
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Generation providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// GenerationConfig selects and configures the text-generation backend.
type GenerationConfig struct {
	// Provider is one of "anthropic", "openai" (any OpenAI-compatible API such as Groq) or "none".
	Provider string `mapstructure:"provider"`
	// APIKey is the credential. Empty is allowed and surfaces as a per-chat fallback.
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `mapstructure:"base_url"`
	// Model is the provider model identifier.
	Model string `mapstructure:"model"`
	// Timeout is the HTTP-level timeout for one generation call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RoomConfig holds per-room runtime settings.
type RoomConfig struct {
	// CycleOffset is subtracted from the room creation time to form the day/night epoch.
	CycleOffset time.Duration `mapstructure:"cycle_offset"`
	// CycleLength is the length of one full day/night cycle.
	CycleLength time.Duration `mapstructure:"cycle_length"`
	// IdleGrace is how long an empty room is kept before it is reaped.
	IdleGrace time.Duration `mapstructure:"idle_grace"`
	// ReapInterval is how often empty rooms are swept.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// ContentConfig locates scripted content.
type ContentConfig struct {
	// PersonaFile is the path to the NPC persona YAML.
	PersonaFile string `mapstructure:"persona_file"`
}

// Config is the top-level application configuration.
type Config struct {
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Generation GenerationConfig `mapstructure:"generation"`
	Room       RoomConfig       `mapstructure:"room"`
	Content    ContentConfig    `mapstructure:"content"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGeneration(c.Generation); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRoom(c.Room); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Content.PersonaFile == "" {
		errs = append(errs, "content.persona_file must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 1, got %d", w.ReadLimit))
	}
	if w.WriteTimeout < 0 {
		errs = append(errs, "websocket.write_timeout must not be negative")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 0-65535, got %d", h.GRPCPort)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateGeneration(g GenerationConfig) error {
	var errs []string
	switch g.Provider {
	case ProviderAnthropic, ProviderOpenAI:
		if g.Model == "" {
			errs = append(errs, fmt.Sprintf("generation.model must not be empty for provider %q", g.Provider))
		}
	case ProviderNone:
	default:
		errs = append(errs, fmt.Sprintf("generation.provider must be one of [anthropic, openai, none], got %q", g.Provider))
	}
	if g.Timeout < 0 {
		errs = append(errs, "generation.timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.CycleOffset < 0 {
		errs = append(errs, "room.cycle_offset must not be negative")
	}
	if r.CycleLength <= 0 {
		errs = append(errs, "room.cycle_length must be > 0")
	}
	if r.IdleGrace < 0 {
		errs = append(errs, "room.idle_grace must not be negative")
	}
	if r.ReapInterval <= 0 {
		errs = append(errs, "room.reap_interval must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.Generation.APIKey == "" {
		if name, ok := nativeKeyEnv[cfg.Generation.Provider]; ok {
			cfg.Generation.APIKey = os.Getenv(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// nativeKeyEnv names the credential variable each provider's own tooling
// reads. It is consulted only when no key was configured explicitly.
var nativeKeyEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "GROQ_API_KEY",
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with FARM_ prefix
	v.SetEnvPrefix("FARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("generation.api_key", "FARM_GENERATION_API_KEY")

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 1999)
	v.SetDefault("websocket.read_limit", 16384)
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.origin_patterns", []string{})

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("generation.provider", ProviderOpenAI)
	v.SetDefault("generation.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("generation.model", "llama-3.3-70b-versatile")
	v.SetDefault("generation.timeout", "30s")

	v.SetDefault("room.cycle_offset", "290s")
	v.SetDefault("room.cycle_length", "300s")
	v.SetDefault("room.idle_grace", "1m")
	v.SetDefault("room.reap_interval", "15s")

	v.SetDefault("content.persona_file", "content/npcs/farmer.yaml")
}
