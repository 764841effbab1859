// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for the parley voice server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Admission AdmissionConfig `yaml:"admission"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Records   RecordsConfig   `yaml:"records"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, additionally writes logs to a size-rotated file.
	LogFile string `yaml:"log_file"`

	// LogMaxSizeMB and LogMaxBackups control file rotation.
	LogMaxSizeMB  int `yaml:"log_max_size_mb"`
	LogMaxBackups int `yaml:"log_max_backups"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the provider for each pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the configuration block shared by all provider kinds. Name
// selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values such as "language" or "voice".
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// is open. Nested fallbacks are not allowed.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// PipelineConfig controls generation and the per-stage retry policy.
type PipelineConfig struct {
	// SystemPrompt replaces the built-in assistant prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature tunes generation randomness. Unset selects the default;
	// an explicit 0 means greedy decoding.
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps the reply length. Zero selects the default.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout is the per-attempt deadline of every stage.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of attempts after the first. Nil selects the
	// default; an explicit 0 disables retries.
	MaxRetries *int `yaml:"max_retries"`

	// RetryDelay is the base back-off, doubled per retry up to MaxRetryDelay.
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// Jitter randomises back-off. Nil selects the default (on).
	Jitter *bool `yaml:"jitter"`

	// Stages overrides the policy of individual stages, keyed by
	// "recognize", "generate" or "synthesize".
	Stages map[string]StageConfig `yaml:"stages"`
}

// StageConfig overrides part of the pipeline policy for one stage. Zero
// fields inherit from [PipelineConfig].
type StageConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries *int          `yaml:"max_retries"`
}

// AdmissionConfig sizes the global pipeline slot pool.
type AdmissionConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// RateLimitConfig is the per-client sliding window.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// SessionConfig controls conversation history retention.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxTurns bounds history per session. Nil selects the default; 0 keeps
	// history unbounded.
	MaxTurns *int `yaml:"max_turns"`

	// SweepInterval defaults to a fraction of IdleTimeout.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// GatewayConfig controls the WebSocket endpoint.
type GatewayConfig struct {
	MaxUtteranceBytes int `yaml:"max_utterance_bytes"`

	// AudioFormat is the MIME type of client audio (e.g., "audio/webm").
	AudioFormat string `yaml:"audio_format"`

	// AllowedOrigins lists Origin host patterns accepted for cross-origin
	// browser clients.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RecordsConfig selects where completion records go. They are always logged.
type RecordsConfig struct {
	// PostgresDSN, when set, also stores records in PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig describes this process to OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "parley".
	ServiceName string `yaml:"service_name"`

	// InstanceID is reported as service.instance.id. Default: the host name.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the fraction of utterance traces recorded, in
	// [0, 1]. Unset records every trace.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}
