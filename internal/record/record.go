// Package record emits one [Completion] per finished utterance, successful or
// not, to one or more sinks. Sink errors are logged by the caller and never
// reach the client.
package record

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/pipeline"
)

// Status values stored in [Completion.Status].
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Completion is the observable record of one utterance.
type Completion struct {
	RequestID  string
	SessionKey string
	ClientKey  string

	Status      string
	FailureKind string // empty on success
	Stage       string // failing stage, empty on success

	RecognizeMs  float64
	GenerateMs   float64
	SynthesizeMs float64
	TotalMs      float64

	TranscriptChars int
	ReplyChars      int
	At              time.Time
}

// FromRun builds a Completion from the return values of
// [pipeline.Orchestrator.Run]. err may be a *pipeline.Failure or any error
// decided before the pipeline ran, such as a rate limit rejection.
func FromRun(sessionKey, clientKey string, res *pipeline.Result, err error) Completion {
	c := Completion{SessionKey: sessionKey, ClientKey: clientKey, Status: StatusOK, At: time.Now().UTC()}

	var rep pipeline.LatencyReport
	switch {
	case err == nil && res != nil:
		c.RequestID = res.RequestID
		c.TranscriptChars = len(res.Transcript)
		c.ReplyChars = len(res.Reply)
		rep = res.Report
	default:
		c.Status = StatusError
		c.FailureKind = fault.KindOf(err).String()
		c.Stage = fault.StageOf(err)
		var f *pipeline.Failure
		if errors.As(err, &f) {
			c.RequestID = f.RequestID
			rep = f.Report
		}
	}

	c.RecognizeMs = float64(rep.Recognize) / float64(time.Millisecond)
	c.GenerateMs = float64(rep.Generate) / float64(time.Millisecond)
	c.SynthesizeMs = float64(rep.Synthesize) / float64(time.Millisecond)
	c.TotalMs = float64(rep.Total) / float64(time.Millisecond)
	return c
}

// Sink persists completion records.
type Sink interface {
	Write(ctx context.Context, c Completion) error
}

// LogSink writes each record as one structured log line.
type LogSink struct {
	Logger *slog.Logger
}

var _ Sink = LogSink{}

// Write implements Sink.
func (s LogSink) Write(ctx context.Context, c Completion) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log.LogAttrs(ctx, slog.LevelInfo, "pipeline completion",
		slog.String("request_id", c.RequestID),
		slog.String("session", c.SessionKey),
		slog.String("client", c.ClientKey),
		slog.String("status", c.Status),
		slog.String("failure_kind", c.FailureKind),
		slog.String("stage", c.Stage),
		slog.Float64("latency_recognize_ms", c.RecognizeMs),
		slog.Float64("latency_generate_ms", c.GenerateMs),
		slog.Float64("latency_synthesize_ms", c.SynthesizeMs),
		slog.Float64("latency_total_ms", c.TotalMs),
		slog.Int("transcript_chars", c.TranscriptChars),
	)
	return nil
}

// Multi fans a record out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

var _ Sink = Multi(nil)

// Write implements Sink.
func (m Multi) Write(ctx context.Context, c Completion) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
