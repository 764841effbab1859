package anyllm

import (
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
	}{
		{"empty backend", "", "gpt-4o"},
		{"empty model", "openai", ""},
		{"unknown backend", "watson", "granite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.backend, tt.model); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_Ollama(t *testing.T) {
	// Ollama needs no credentials so construction must succeed offline.
	p, err := New("Ollama", "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Backend() != "ollama" {
		t.Errorf("Backend = %q, want ollama", p.Backend())
	}
}

func TestBuildParams(t *testing.T) {
	params := buildParams("claude-3-5-haiku-latest", llm.CompletionRequest{
		SystemPrompt: "You are a helpful voice-based customer support assistant.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello, how can I help?"},
			{Role: types.RoleUser, Content: "reset my password"},
		},
		Temperature: ptr(0.7),
		MaxTokens:   300,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(params.Messages))
	}
	roles := []string{"system", "user", "assistant", "user"}
	for i, want := range roles {
		if params.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, params.Messages[i].Role, want)
		}
	}
	if got := params.Messages[3].ContentString(); got != "reset my password" {
		t.Errorf("last content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 300 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_OmitsZeroTuning(t *testing.T) {
	params := buildParams("m", llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
	})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("unset temperature and zero max tokens should be left unset")
	}
	if len(params.Messages) != 1 {
		t.Errorf("no system prompt expected, got %d messages", len(params.Messages))
	}
}

func TestBuildParams_ZeroTemperatureIsSent(t *testing.T) {
	params := buildParams("m", llm.CompletionRequest{
		Messages:    []types.Message{{Role: types.RoleUser, Content: "x"}},
		Temperature: ptr(0.0),
	})
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", params.Temperature)
	}
}

func ptr[T any](v T) *T { return &v }
