package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/fault"
)

// Stage names, used for policies, metrics, spans and fault.Error.Stage.
const (
	StageRecognize  = "recognize"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// Stages lists the stage names in execution order.
var Stages = []string{StageRecognize, StageGenerate, StageSynthesize}

// State is the position of a run in the pipeline state machine.
//
//	Recognizing -> Generating -> Synthesizing -> Done
//
// Any state may move to Failed, which is absorbing.
type State int

const (
	StateRecognizing State = iota
	StateGenerating
	StateSynthesizing
	StateDone
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateRecognizing:
		return "recognizing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stage returns the stage executed in state s, or "" for Done and Failed.
func (s State) Stage() string {
	switch s {
	case StateRecognizing:
		return StageRecognize
	case StateGenerating:
		return StageGenerate
	case StateSynthesizing:
		return StageSynthesize
	}
	return ""
}

// LatencyReport holds per-stage wall time for one utterance. A stage that
// was retried reports its cumulative time including back-off waits. Stages
// that never ran are zero.
type LatencyReport struct {
	Recognize  time.Duration
	Generate   time.Duration
	Synthesize time.Duration

	// Total is the wall time of the whole run, from entry to return.
	Total time.Duration
}

// Stage returns the duration recorded for the named stage.
func (r LatencyReport) Stage(name string) time.Duration {
	switch name {
	case StageRecognize:
		return r.Recognize
	case StageGenerate:
		return r.Generate
	case StageSynthesize:
		return r.Synthesize
	}
	return 0
}

func (r *LatencyReport) set(name string, d time.Duration) {
	d = max(d, 0)
	switch name {
	case StageRecognize:
		r.Recognize = d
	case StageGenerate:
		r.Generate = d
	case StageSynthesize:
		r.Synthesize = d
	}
}

// StagesMillis returns the recorded stage durations in milliseconds keyed by
// stage name. Stages that did not run are omitted.
func (r LatencyReport) StagesMillis() map[string]float64 {
	out := make(map[string]float64, len(Stages))
	for _, name := range Stages {
		if d := r.Stage(name); d > 0 {
			out[name] = millis(d)
		}
	}
	return out
}

// TotalMillis returns Total in milliseconds.
func (r LatencyReport) TotalMillis() float64 { return millis(r.Total) }

// LogValue implements slog.LogValuer.
func (r LatencyReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("recognize_ms", millis(r.Recognize)),
		slog.Float64("generate_ms", millis(r.Generate)),
		slog.Float64("synthesize_ms", millis(r.Synthesize)),
		slog.Float64("total_ms", millis(r.Total)),
	)
}

// millis rounds to two decimals.
func millis(d time.Duration) float64 {
	return float64(d.Round(10*time.Microsecond)) / float64(time.Millisecond)
}

// Result is a successful run.
type Result struct {
	RequestID  string
	Transcript string
	Reply      string
	Audio      []byte
	Report     LatencyReport
}

// Failure is returned by [Orchestrator.Run] for every unsuccessful run. It
// carries the durations of the stages that did run.
type Failure struct {
	RequestID string
	Err       *fault.Error
	Report    LatencyReport

	// State is the state the run was in when it failed.
	State State
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", f.State, f.Err)
}

// Unwrap returns the normalised error, so errors.Is against the fault
// sentinels works on a *Failure.
func (f *Failure) Unwrap() error { return f.Err }
