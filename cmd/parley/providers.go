package main

import (
	"errors"
	"fmt"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttopenai "github.com/MrWong99/parley/pkg/provider/stt/openai"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/parley/pkg/provider/tts/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// apiKey returns entry.APIKey or the value of env.
func apiKey(entry config.ProviderEntry, env string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(env)
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if rate, ok := config.OptInt(entry.Options, "sample_rate"); ok {
			opts = append(opts, whisper.WithSampleRate(rate))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	// The remaining backends share one pattern through any-llm-go: optional
	// APIKey, optional BaseURL. Without a key the backend reads its usual
	// environment variable.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "voice"); v != "" {
			opts = append(opts, ttsopenai.WithVoice(v))
		}
		if f := config.OptString(entry.Options, "format"); f != "" {
			opts = append(opts, ttsopenai.WithFormat(f))
		}
		if s, ok := config.OptFloat(entry.Options, "speed"); ok {
			opts = append(opts, ttsopenai.WithSpeed(s))
		}
		return ttsopenai.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if f := config.OptString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		stability, okS := config.OptFloat(entry.Options, "stability")
		similarity, okSim := config.OptFloat(entry.Options, "similarity_boost")
		if okS || okSim {
			if !okS {
				stability = 0.5
			}
			if !okSim {
				similarity = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(apiKey(entry, "ELEVENLABS_API_KEY"), opts...)
	})
}

// buildProviders instantiates every configured provider and its fallbacks.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	fb := resilience.FallbackConfig{Metrics: m}

	sttGroup, err := buildGroup(cfg.Providers.STT, reg.CreateSTT,
		func(p stt.Provider, name string) *resilience.FallbackGroup[stt.Provider] {
			return resilience.NewSTTFallback(p, name, fb).FallbackGroup
		})
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	llmGroup, err := buildGroup(cfg.Providers.LLM, reg.CreateLLM,
		func(p llm.Provider, name string) *resilience.FallbackGroup[llm.Provider] {
			return resilience.NewLLMFallback(p, name, fb).FallbackGroup
		})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	ttsGroup, err := buildGroup(cfg.Providers.TTS, reg.CreateTTS,
		func(p tts.Provider, name string) *resilience.FallbackGroup[tts.Provider] {
			return resilience.NewTTSFallback(p, name, fb).FallbackGroup
		})
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}

	return &app.Providers{
		STT: &resilience.STTFallback{FallbackGroup: sttGroup},
		LLM: &resilience.LLMFallback{FallbackGroup: llmGroup},
		TTS: &resilience.TTSFallback{FallbackGroup: ttsGroup},
	}, nil
}

// buildGroup creates entry and its fallbacks through create and collects them
// into one group built by newGroup.
func buildGroup[P any](
	entry config.ProviderEntry,
	create func(config.ProviderEntry) (P, error),
	newGroup func(P, string) *resilience.FallbackGroup[P],
) (*resilience.FallbackGroup[P], error) {
	primary, err := create(entry)
	if err != nil {
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("%w (check providers section for typos)", err)
		}
		return nil, err
	}
	g := newGroup(primary, label(entry))
	for _, fe := range entry.Fallbacks {
		p, err := create(fe)
		if err != nil {
			return nil, fmt.Errorf("fallback %s: %w", label(fe), err)
		}
		g.AddFallback(label(fe), p)
	}
	return g, nil
}

// label names a provider in metrics, logs and /status.
func label(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
