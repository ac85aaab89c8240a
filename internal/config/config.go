// Package config handles loading and validation of VoiceGate configuration
// from a YAML file and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// VOICEGATE_ prefix:
//
//	server.address → VOICEGATE_SERVER_ADDRESS
//	auth.secret    → VOICEGATE_AUTH_SECRET
//	tts.api_key    → VOICEGATE_TTS_API_KEY
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via VOICEGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/voicegate/config.yaml"

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level VoiceGate configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Admin      AdminConfig      `yaml:"admin"      envPrefix:"ADMIN_"`
	Auth       AuthConfig       `yaml:"auth"       envPrefix:"AUTH_"`
	Limits     LimitsConfig     `yaml:"limits"     envPrefix:"LIMITS_"`
	Credits    CreditsConfig    `yaml:"credits"    envPrefix:"CREDITS_"`
	TTS        TTSConfig        `yaml:"tts"        envPrefix:"TTS_"`
	Simulation SimulationConfig `yaml:"simulation" envPrefix:"SIMULATION_"`
	Logging    LoggingConfig    `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing    TracingConfig    `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AuthConfig holds token signing and password hashing settings.
type AuthConfig struct {
	// Secret signs identity tokens (HS256). Required; no default.
	Secret RedactedString `yaml:"secret" env:"SECRET"`

	AccessTokenTTL  string `yaml:"access_token_ttl"  env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL string `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL"`

	// BcryptCost selects the work factor for new password hashes. Stored
	// hashes with a different cost are transparently re-hashed on the next
	// successful login. 0 uses the bcrypt default cost.
	BcryptCost int `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

// LimitsConfig holds per-user admission control settings.
type LimitsConfig struct {
	// PerUserConcurrency caps the number of in-flight gated requests a
	// single user may have against the synthesis provider.
	PerUserConcurrency int64 `yaml:"per_user_concurrency" env:"PER_USER_CONCURRENCY"`
}

// CreditsConfig holds the credit accounting settings.
type CreditsConfig struct {
	// StartingBalance is granted to every newly registered user.
	StartingBalance int `yaml:"starting_balance" env:"STARTING_BALANCE"`
}

// TTSConfig holds the external text-to-speech provider settings.
type TTSConfig struct {
	APIKey  RedactedString `yaml:"api_key"  env:"API_KEY"`
	BaseURL string         `yaml:"base_url" env:"BASE_URL"`
	Voice   string         `yaml:"voice"    env:"VOICE"`
	Model   string         `yaml:"model"    env:"MODEL"`
	Timeout string         `yaml:"timeout"  env:"TIMEOUT"`
}

// SimulationConfig tunes the /concurrent-requests test route.
type SimulationConfig struct {
	// Delay is how long the simulated synthesis call holds its gate slot.
	Delay string `yaml:"delay" env:"DELAY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
// Auth.Secret and TTS.APIKey have no defaults and must be supplied
// out-of-band (config file or environment).
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "120s", // gated requests may wait for capacity
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Auth: AuthConfig{
			AccessTokenTTL:  "60m",
			RefreshTokenTTL: "168h",
		},
		Limits: LimitsConfig{
			PerUserConcurrency: 3,
		},
		Credits: CreditsConfig{
			StartingBalance: 10,
		},
		TTS: TTSConfig{
			BaseURL: "https://api.elevenlabs.io",
			Voice:   "Brian",
			Model:   "eleven_multilingual_v2",
			Timeout: "30s",
		},
		Simulation: SimulationConfig{
			Delay: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "voicegate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("VOICEGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/voicegate/config.yaml and
// can be overridden via VOICEGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "VOICEGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields so that YAML values like "Info" or env
// values like "INFO" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks a Config for invalid or inconsistent values.
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if cfg.Auth.Secret.Value() == "" {
		return fmt.Errorf("auth.secret is required (set VOICEGATE_AUTH_SECRET)")
	}
	if cfg.Limits.PerUserConcurrency <= 0 {
		return fmt.Errorf("limits.per_user_concurrency must be > 0, got %d", cfg.Limits.PerUserConcurrency)
	}
	if cfg.Credits.StartingBalance < 0 {
		return fmt.Errorf("credits.starting_balance must be >= 0, got %d", cfg.Credits.StartingBalance)
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if cfg.Logging.Level != "" && !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level %q is invalid (debug|info|warn|error)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "" && !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format %q is invalid (json|text)", cfg.Logging.Format)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1], got %v", cfg.Tracing.SampleRate)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := map[string]string{
		"server.read_timeout":    cfg.Server.ReadTimeout,
		"server.write_timeout":   cfg.Server.WriteTimeout,
		"server.idle_timeout":    cfg.Server.IdleTimeout,
		"server.drain_timeout":   cfg.Server.DrainTimeout,
		"admin.read_timeout":     cfg.Admin.ReadTimeout,
		"admin.write_timeout":    cfg.Admin.WriteTimeout,
		"admin.idle_timeout":     cfg.Admin.IdleTimeout,
		"auth.access_token_ttl":  cfg.Auth.AccessTokenTTL,
		"auth.refresh_token_ttl": cfg.Auth.RefreshTokenTTL,
		"tts.timeout":            cfg.TTS.Timeout,
		"simulation.delay":       cfg.Simulation.Delay,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d < 0 {
			return fmt.Errorf("%s: duration must not be negative, got %q", name, val)
		}
	}
	return nil
}

// ParseDuration parses s, returning def when s is empty or invalid.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	return d, nil
}
