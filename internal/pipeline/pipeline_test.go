package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/stage"
	"github.com/MrWong99/parley/pkg/provider/apierr"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

var errUpstream = errors.New("upstream 503")

func fastPolicy() stage.Policy {
	return stage.Policy{Timeout: 100 * time.Millisecond, MaxRetries: 2, BaseDelay: 10 * time.Millisecond}
}

type fixture struct {
	stt   *sttmock.Provider
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	store *session.Store
	orch  *Orchestrator
}

// newFixture builds an orchestrator over mocks that succeed by default.
// Recognition sleeps briefly so every stage reports a non-zero duration.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		stt: &sttmock.Provider{TranscribeFunc: func(context.Context, int, []byte, string) (string, error) {
			time.Sleep(time.Millisecond)
			return "  where is my order  ", nil
		}},
		llm: &llmmock.Provider{CompleteFunc: func(_ context.Context, n int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			time.Sleep(time.Millisecond)
			return &llm.CompletionResponse{Content: "reply " + strconv.Itoa(n)}, nil
		}},
		tts: &ttsmock.Provider{SynthesizeFunc: func(context.Context, int, string) ([]byte, error) {
			time.Sleep(time.Millisecond)
			return []byte("mp3"), nil
		}},
		store: session.NewStore(),
	}
	var seq atomic.Int64
	opts = append([]Option{WithIDGenerator(func() string { return "req-" + strconv.FormatInt(seq.Add(1), 10) })}, opts...)
	orch, err := New(f.stt, f.llm, f.tts, f.store, stage.NewExecutor(fastPolicy()), opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.orch = orch
	return f
}

func mustFailure(t *testing.T, err error) *Failure {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v (%T), want *Failure", err, err)
	}
	return f
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	exec := stage.NewExecutor(fastPolicy())
	s, l, v, h := &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, session.NewStore()
	tests := []struct {
		name string
		fn   func() (*Orchestrator, error)
	}{
		{"stt", func() (*Orchestrator, error) { return New(nil, l, v, h, exec) }},
		{"llm", func() (*Orchestrator, error) { return New(s, nil, v, h, exec) }},
		{"tts", func() (*Orchestrator, error) { return New(s, l, nil, h, exec) }},
		{"history", func() (*Orchestrator, error) { return New(s, l, v, nil, exec) }},
		{"executor", func() (*Orchestrator, error) { return New(s, l, v, h, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithSystemPrompt("be brief"), WithTemperature(0.7), WithMaxTokens(300), WithMIMEType("audio/ogg"))
	res, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RequestID != "req-1" || res.Transcript != "where is my order" || res.Reply != "reply 1" || string(res.Audio) != "mp3" {
		t.Errorf("result = %+v", res)
	}
	rep := res.Report
	if rep.Recognize <= 0 || rep.Generate <= 0 || rep.Synthesize <= 0 {
		t.Errorf("stage durations must be positive: %+v", rep)
	}
	if rep.Total < rep.Recognize+rep.Generate+rep.Synthesize {
		t.Errorf("total %v < sum of stages", rep.Total)
	}

	if calls := f.stt.Calls(); len(calls) != 1 || calls[0].MIMEType != "audio/ogg" {
		t.Errorf("stt calls = %+v", calls)
	}
	req := f.llm.Calls()[0].Req
	if req.SystemPrompt != "be brief" || *req.Temperature != 0.7 || req.MaxTokens != 300 {
		t.Errorf("request tuning = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0] != (types.Message{Role: types.RoleUser, Content: "where is my order"}) {
		t.Errorf("messages = %+v", req.Messages)
	}
	if got := f.tts.Calls(); len(got) != 1 || got[0].Text != "reply 1" {
		t.Errorf("tts calls = %+v", got)
	}
}

func TestRun_TwoUtterancesBuildHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 2 {
		if _, err := f.orch.Run(context.Background(), "s1", []byte("audio")); err != nil {
			t.Fatal(err)
		}
	}

	h := f.store.History("s1")
	want := []struct {
		role types.Role
		text string
	}{
		{types.RoleUser, "where is my order"},
		{types.RoleAssistant, "reply 1"},
		{types.RoleUser, "where is my order"},
		{types.RoleAssistant, "reply 2"},
	}
	if len(h) != len(want) {
		t.Fatalf("history = %d turns, want %d", len(h), len(want))
	}
	for i, w := range want {
		if h[i].Role != w.role || h[i].Text != w.text {
			t.Errorf("turn %d = %s %q, want %s %q", i, h[i].Role, h[i].Text, w.role, w.text)
		}
	}

	second := f.llm.Calls()[1].Req.Messages
	if len(second) != 3 || second[1].Role != types.RoleAssistant {
		t.Errorf("second request messages = %+v", second)
	}
}

func TestRun_EmptyTranscript(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "\n\t"} {
		t.Run(strconv.Quote(text), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.stt.TranscribeFunc = nil
			f.stt.Text = text

			_, err := f.orch.Run(context.Background(), "s1", []byte("silence"))
			fl := mustFailure(t, err)
			if fl.Err.Kind != fault.KindEmptyInput || fl.Err.Stage != StageRecognize || fl.State != StateRecognizing {
				t.Errorf("failure = %v state %v", fl.Err, fl.State)
			}
			if !errors.Is(err, fault.ErrEmptyInput) {
				t.Error("errors.Is(ErrEmptyInput) should hold through *Failure")
			}
			if len(f.stt.Calls()) != 1 {
				t.Errorf("empty input must not be retried, stt calls = %d", len(f.stt.Calls()))
			}
			if h := f.store.History("s1"); len(h) != 0 {
				t.Errorf("history = %+v, want untouched", h)
			}
			if len(f.llm.Calls()) != 0 || len(f.tts.Calls()) != 0 {
				t.Error("later stages must not run")
			}
		})
	}
}

func TestRun_RetryDurationIsCumulative(t *testing.T) {
	t.Parallel()

	const attemptCost = 15 * time.Millisecond
	f := newFixture(t)
	f.llm.CompleteFunc = func(_ context.Context, n int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		time.Sleep(attemptCost)
		if n < 3 {
			return nil, errUpstream
		}
		return &llm.CompletionResponse{Content: "third time lucky"}, nil
	}

	res, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Three attempts plus back-offs of 10ms and 20ms.
	minimum := 3*attemptCost + 30*time.Millisecond
	if res.Report.Generate < minimum {
		t.Errorf("generate = %v, want >= %v", res.Report.Generate, minimum)
	}
	if res.Reply != "third time lucky" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRun_GenerateExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.CompleteFunc = nil
	f.llm.CompleteErr = errUpstream

	_, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	fl := mustFailure(t, err)
	if fl.Err.Kind != fault.KindStageUpstreamError || fl.Err.Stage != StageGenerate || fl.State != StateGenerating {
		t.Fatalf("failure = %v state %v", fl.Err, fl.State)
	}
	if !errors.Is(fl.Err, errUpstream) {
		t.Error("cause should be preserved")
	}
	if n := len(f.llm.Calls()); n != 3 {
		t.Errorf("llm calls = %d, want 3", n)
	}
	if len(f.tts.Calls()) != 0 {
		t.Error("synthesis must not start after generation failed")
	}

	h := f.store.History("s1")
	if len(h) != 1 || h[0].Role != types.RoleUser {
		t.Errorf("history = %+v, want the user turn only", h)
	}
	if fl.Report.Recognize <= 0 || fl.Report.Generate <= 0 || fl.Report.Synthesize != 0 {
		t.Errorf("partial report = %+v", fl.Report)
	}
	if fl.Report.Total < fl.Report.Recognize+fl.Report.Generate {
		t.Errorf("total %v < stages", fl.Report.Total)
	}
}

func TestRun_SynthesizeTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tts.SynthesizeFunc = func(ctx context.Context, _ int, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	fl := mustFailure(t, err)
	if fl.Err.Kind != fault.KindStageTimeout || fl.Err.Stage != StageSynthesize || fl.State != StateSynthesizing {
		t.Fatalf("failure = %v state %v", fl.Err, fl.State)
	}
	if len(f.tts.Calls()) != 3 {
		t.Errorf("tts calls = %d, want 3", len(f.tts.Calls()))
	}
	if h := f.store.History("s1"); len(h) != 2 {
		t.Errorf("history = %d turns, user and assistant turns should be kept", len(h))
	}
	if fl.Report.Synthesize < 3*100*time.Millisecond {
		t.Errorf("synthesize = %v, want at least three timeouts", fl.Report.Synthesize)
	}
}

func TestRun_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.TranscribeFunc = nil
	f.stt.Err = apierr.New("openai", http.StatusUnauthorized, nil)

	_, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	fl := mustFailure(t, err)
	if fl.Err.Kind != fault.KindStageUpstreamError || fl.Err.Stage != StageRecognize {
		t.Fatalf("failure = %v", fl.Err)
	}
	if len(f.stt.Calls()) != 1 {
		t.Errorf("stt calls = %d, want 1", len(f.stt.Calls()))
	}
}

func TestRun_BlankReplyIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.llm.CompleteFunc = func(_ context.Context, n int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if n == 1 {
			return &llm.CompletionResponse{Content: "  "}, nil
		}
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	res, err := f.orch.Run(context.Background(), "s1", []byte("audio"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "ok" || len(f.llm.Calls()) != 2 {
		t.Errorf("reply = %q after %d calls", res.Reply, len(f.llm.Calls()))
	}
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.stt.TranscribeFunc = func(ctx context.Context, _ int, _ []byte, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := f.orch.Run(ctx, "s1", []byte("audio"))
	fl := mustFailure(t, err)
	if fl.Err.Kind != fault.KindCanceled {
		t.Fatalf("kind = %v", fl.Err.Kind)
	}
	if len(f.stt.Calls()) != 1 {
		t.Errorf("canceled stage must not be retried, calls = %d", len(f.stt.Calls()))
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithMetrics(m))
	if _, err := f.orch.Run(context.Background(), "s1", []byte("audio")); err != nil {
		t.Fatal(err)
	}
	f.stt.TranscribeFunc = nil
	if _, err := f.orch.Run(context.Background(), "s1", []byte("audio")); err == nil {
		t.Fatal("expected empty input failure")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	byKind := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "parley.pipeline.runs" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				kind, _ := dp.Attributes.Value("kind")
				byKind[kind.AsString()] += dp.Value
			}
		}
	}
	if byKind[""] != 1 || byKind["empty_input"] != 1 {
		t.Errorf("pipeline runs by kind = %v", byKind)
	}
}

func TestRun_TemperatureOption(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.orch.Run(context.Background(), "s1", []byte("audio")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.llm.Calls()[0].Req.Temperature; got != nil {
		t.Errorf("temperature without option = %v, want nil", *got)
	}

	g := newFixture(t, WithTemperature(0))
	if _, err := g.orch.Run(context.Background(), "s1", []byte("audio")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := g.llm.Calls()[0].Req.Temperature; got == nil || *got != 0 {
		t.Errorf("temperature = %v, want explicit 0", got)
	}
}

func TestRun_ReusesContextRequestID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := observe.WithRequestID(context.Background(), "utt-42")
	res, err := f.orch.Run(ctx, "s1", []byte("audio"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RequestID != "utt-42" {
		t.Errorf("RequestID = %q, want utt-42", res.RequestID)
	}
	if got := observe.RequestID(f.llm.Calls()[0].Ctx); got != "utt-42" {
		t.Errorf("generation context request id = %q", got)
	}

	f.stt.TranscribeFunc = func(context.Context, int, []byte, string) (string, error) { return " ", nil }
	_, err = f.orch.Run(ctx, "s1", []byte("audio"))
	if fl := mustFailure(t, err); fl.RequestID != "utt-42" {
		t.Errorf("failure RequestID = %q, want utt-42", fl.RequestID)
	}
}
