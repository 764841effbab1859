// Package pipeline runs one utterance through recognition, generation and
// synthesis.
//
// [Orchestrator.Run] executes the three stages strictly in order, each
// through the stage executor so it gets its own deadline and retries. A
// stage that exhausts its retries fails the whole run; nothing is retried
// across stage boundaries and no later stage is started.
//
// Conversation history is updated as the run progresses: the user turn is
// appended once recognition produces text, and the assistant turn once
// generation succeeds. Those appends are kept even if a later stage fails.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/stage"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultSystemPrompt frames the assistant for spoken replies.
const DefaultSystemPrompt = "You are a helpful voice-based customer support assistant. " +
	"Keep answers concise and clear, they will be read aloud."

// errEmptyReply marks a blank generation result. It is retried like any
// other upstream error.
var errEmptyReply = errors.New("empty reply from generator")

var errNoAudio = errors.New("synthesizer returned no audio")

// History is the part of the session store the orchestrator uses.
type History interface {
	History(key string) []session.Turn
	Append(key string, turn session.Turn)
}

var _ History = (*session.Store)(nil)

// Orchestrator wires the three providers to the stage executor.
// It is safe for concurrent use; concurrent runs for the same session key
// interleave their history appends.
type Orchestrator struct {
	stt     stt.Provider
	llm     llm.Provider
	tts     tts.Provider
	history History
	exec    *stage.Executor

	systemPrompt string
	temperature  *float64
	maxTokens    int
	mimeType     string
	metrics      *observe.Metrics
	newID        func() string
	now          func() time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSystemPrompt sets the system prompt sent with every generation.
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithTemperature sets the sampling temperature. Without it the provider
// default applies; 0 selects greedy decoding.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = &t }
}

// WithMaxTokens caps the reply length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithMIMEType sets the container format of incoming utterance audio.
func WithMIMEType(mime string) Option {
	return func(o *Orchestrator) { o.mimeType = mime }
}

// WithMetrics records pipeline outcome metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator replaces the request id source used when ctx carries no
// id from [observe.WithRequestID].
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New returns an Orchestrator. All arguments are required.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, history History, exec *stage.Executor, opts ...Option) (*Orchestrator, error) {
	switch {
	case sttP == nil:
		return nil, errors.New("pipeline: stt provider is required")
	case llmP == nil:
		return nil, errors.New("pipeline: llm provider is required")
	case ttsP == nil:
		return nil, errors.New("pipeline: tts provider is required")
	case history == nil:
		return nil, errors.New("pipeline: history store is required")
	case exec == nil:
		return nil, errors.New("pipeline: stage executor is required")
	}
	o := &Orchestrator{
		stt:          sttP,
		llm:          llmP,
		tts:          ttsP,
		history:      history,
		exec:         exec,
		systemPrompt: DefaultSystemPrompt,
		mimeType:     stt.DefaultMIMEType,
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run tracks one in-flight utterance.
type run struct {
	id     string
	state  State
	report LatencyReport
	start  time.Time
}

// Run processes one complete utterance for sessionKey. On failure the error
// is always a [*Failure].
func (o *Orchestrator) Run(ctx context.Context, sessionKey string, audio []byte) (*Result, error) {
	r := &run{id: observe.RequestID(ctx), state: StateRecognizing, start: o.now()}
	if r.id == "" {
		r.id = o.newID()
		ctx = observe.WithRequestID(ctx, r.id)
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request_id", r.id),
		attribute.Int("audio_bytes", len(audio)),
	))
	defer span.End()

	log := observe.Logger(ctx).With("session", sessionKey)
	log.Info("pipeline: started", "audio_bytes", len(audio))

	fail := func(err error) (*Result, error) {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			fe = fault.New(fault.KindInternal, r.state.Stage(), err)
		}
		failedIn := r.state
		r.state = StateFailed
		r.report.Total = o.now().Sub(r.start)

		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Kind.String())
		if o.metrics != nil {
			o.metrics.RecordPipeline(ctx, "error", fe.Kind.String(), r.report.Total.Seconds())
		}
		log.Warn("pipeline: failed",
			"state", failedIn.String(),
			"kind", fe.Kind.String(),
			"err", fe,
			"latency", r.report,
		)
		return nil, &Failure{RequestID: r.id, Err: fe, Report: r.report, State: failedIn}
	}

	// Recognizing.
	transcript, out, err := stage.Run(ctx, o.exec, StageRecognize, func(ctx context.Context) (string, error) {
		text, err := o.stt.Transcribe(ctx, audio, o.mimeType)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", stage.ErrNoInput
		}
		return text, nil
	})
	r.report.set(StageRecognize, out.Elapsed)
	if err != nil {
		return fail(err)
	}
	log.Debug("pipeline: transcript ready", "chars", len(transcript))

	// Generating. The snapshot is taken before the user turn is appended so
	// the request carries it exactly once.
	r.state = StateGenerating
	req := o.completionRequest(o.history.History(sessionKey), transcript)
	o.history.Append(sessionKey, session.Turn{Role: types.RoleUser, Text: transcript})

	reply, out, err := stage.Run(ctx, o.exec, StageGenerate, func(ctx context.Context) (string, error) {
		resp, err := o.llm.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", errEmptyReply
		}
		return text, nil
	})
	r.report.set(StageGenerate, out.Elapsed)
	if err != nil {
		return fail(err)
	}
	o.history.Append(sessionKey, session.Turn{Role: types.RoleAssistant, Text: reply})

	// Synthesizing.
	r.state = StateSynthesizing
	replyAudio, out, err := stage.Run(ctx, o.exec, StageSynthesize, func(ctx context.Context) ([]byte, error) {
		b, err := o.tts.Synthesize(ctx, reply)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, errNoAudio
		}
		return b, nil
	})
	r.report.set(StageSynthesize, out.Elapsed)
	if err != nil {
		return fail(err)
	}

	r.state = StateDone
	r.report.Total = o.now().Sub(r.start)
	if o.metrics != nil {
		o.metrics.RecordPipeline(ctx, "ok", "", r.report.Total.Seconds())
	}
	log.Info("pipeline: completed", "latency", r.report, "reply_bytes", len(replyAudio))

	return &Result{
		RequestID:  r.id,
		Transcript: transcript,
		Reply:      reply,
		Audio:      replyAudio,
		Report:     r.report,
	}, nil
}

func (o *Orchestrator) completionRequest(history []session.Turn, transcript string) llm.CompletionRequest {
	msgs := make([]types.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, t.Message())
	}
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: transcript})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: o.systemPrompt,
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	}
}
