package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8000"
	DefaultLogMaxSizeMB      = 10
	DefaultLogMaxBackups     = 5
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 300
	DefaultStageTimeout      = 30 * time.Second
	DefaultMaxRetries        = 2
	DefaultRetryDelay        = time.Second
	DefaultMaxRetryDelay     = 8 * time.Second
	DefaultMaxConcurrent     = 10
	DefaultAcquireTimeout    = 2 * time.Second
	DefaultRateLimitRequests = 10
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultMaxTurns          = 20
	DefaultMaxUtteranceBytes = 10 << 20
	DefaultAudioFormat       = "audio/webm"
	DefaultProvider          = "openai"
	DefaultServiceName       = "parley"
)

// Stage names accepted under pipeline.stages.
var stageNames = []string{"recognize", "generate", "synthesize"}

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names not listed here; they may still be registered by a caller.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result. An empty
// document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, DefaultListenAddr)
	setDefault(&s.LogLevel, LogInfo)
	setDefault(&s.LogFormat, LogFormatText)
	setDefault(&s.LogMaxSizeMB, DefaultLogMaxSizeMB)
	setDefault(&s.LogMaxBackups, DefaultLogMaxBackups)

	for _, e := range []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS} {
		setDefault(&e.Name, DefaultProvider)
	}

	p := &cfg.Pipeline
	if p.Temperature == nil {
		p.Temperature = ptr(DefaultTemperature)
	}
	setDefault(&p.MaxTokens, DefaultMaxTokens)
	setDefault(&p.Timeout, DefaultStageTimeout)
	setDefault(&p.RetryDelay, DefaultRetryDelay)
	setDefault(&p.MaxRetryDelay, DefaultMaxRetryDelay)
	if p.MaxRetries == nil {
		p.MaxRetries = ptr(DefaultMaxRetries)
	}
	if p.Jitter == nil {
		p.Jitter = ptr(true)
	}

	setDefault(&cfg.Admission.MaxConcurrent, DefaultMaxConcurrent)
	setDefault(&cfg.Admission.AcquireTimeout, DefaultAcquireTimeout)
	setDefault(&cfg.RateLimit.Requests, DefaultRateLimitRequests)
	setDefault(&cfg.RateLimit.Window, DefaultRateLimitWindow)

	setDefault(&cfg.Session.IdleTimeout, DefaultIdleTimeout)
	if cfg.Session.MaxTurns == nil {
		cfg.Session.MaxTurns = ptr(DefaultMaxTurns)
	}

	setDefault(&cfg.Gateway.MaxUtteranceBytes, DefaultMaxUtteranceBytes)
	setDefault(&cfg.Gateway.AudioFormat, DefaultAudioFormat)
	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

func ptr[T any](v T) *T { return &v }

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.LogFormat != "" && !s.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", s.LogFormat))
	}
	if s.LogMaxSizeMB < 0 || s.LogMaxBackups < 0 {
		errs = append(errs, errors.New("server.log_max_size_mb and server.log_max_backups must not be negative"))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	errs = append(errs, validateProvider("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS)...)

	p := cfg.Pipeline
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", *p.Temperature))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}
	if p.Timeout < 0 || p.RetryDelay < 0 || p.MaxRetryDelay < 0 {
		errs = append(errs, errors.New("pipeline timeouts and retry delays must not be negative"))
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries %d must not be negative", *p.MaxRetries))
	}
	for name, sc := range p.Stages {
		prefix := "pipeline.stages." + name
		if !slices.Contains(stageNames, name) {
			errs = append(errs, fmt.Errorf("%s: unknown stage; valid stages: recognize, generate, synthesize", prefix))
		}
		if sc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
		if sc.MaxRetries != nil && *sc.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries must not be negative", prefix))
		}
	}

	if cfg.Admission.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("admission.max_concurrent %d must be at least 1", cfg.Admission.MaxConcurrent))
	}
	if cfg.Admission.AcquireTimeout < 0 {
		errs = append(errs, errors.New("admission.acquire_timeout must not be negative"))
	}
	if cfg.RateLimit.Requests < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.requests %d must be at least 1", cfg.RateLimit.Requests))
	}
	if cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if cfg.Session.MaxTurns != nil && *cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must not be negative", *cfg.Session.MaxTurns))
	}
	if cfg.Session.SweepInterval < 0 {
		errs = append(errs, errors.New("session.sweep_interval must not be negative"))
	}
	if cfg.Gateway.MaxUtteranceBytes < 1 {
		errs = append(errs, fmt.Errorf("gateway.max_utterance_bytes %d must be positive", cfg.Gateway.MaxUtteranceBytes))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.3f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

func validateProvider(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
	}
	warnUnknownProvider(kind, e.Name)
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s: nested fallbacks are not supported", prefix))
		}
		warnUnknownProvider(kind, fb.Name)
	}
	return errs
}

// warnUnknownProvider logs a warning if name is not in [ValidProviderNames].
func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
