// Package llm defines the Provider interface for text generation backends.
//
// A generation provider wraps a remote or local model API (OpenAI, Anthropic,
// a local Ollama instance, ...) and turns an ordered conversation into the
// assistant's next reply. Expected latency is one to two seconds.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is done. They may be called again with the same request after a
// failure, so calls must not have side effects beyond the API request.
package llm

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrNoMessages is returned by [CompletionRequest.Validate] for an empty
// conversation.
var ErrNoMessages = errors.New("llm: request has no messages")

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn being answered.
	Messages []types.Message

	// SystemPrompt is an optional instruction placed before the history.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Nil leaves the
	// provider default in place; zero asks for greedy decoding.
	Temperature *float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Validate reports whether the request is well formed.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for _, m := range r.Messages {
		if !m.Role.IsValid() {
			return errors.New("llm: invalid message role " + string(m.Role))
		}
	}
	return nil
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
