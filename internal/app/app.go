// Package app wires all parley subsystems into a running server.
//
// New creates and connects the subsystems, Run serves HTTP and runs the
// background loops until the context is cancelled, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithSink,
// WithMetrics). Providers always come from the caller.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/ratelimit"
	"github.com/MrWong99/parley/internal/record"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/stage"
)

// drainTimeout bounds how long Run waits for in-flight HTTP requests after
// its context is cancelled.
const drainTimeout = 15 * time.Second

// Providers holds the provider for each stage, each wrapped in a fallback
// group so its circuit state can be reported. Populated by main.go via the
// config registry.
type Providers struct {
	STT *resilience.STTFallback
	LLM *resilience.LLMFallback
	TTS *resilience.TTSFallback
}

func (p *Providers) validate() error {
	var errs []error
	if p == nil || p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p == nil || p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p == nil || p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	return errors.Join(errs...)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	sink      record.Sink
	watcher   *config.Watcher

	admission    *admission.Controller
	limiter      *ratelimit.Limiter
	sessions     *session.Store
	orchestrator *pipeline.Orchestrator
	gateway      *gateway.Handler
	health       *health.Handler
	router       chi.Router

	server     *http.Server
	connCtx    context.Context
	cancelConn context.CancelFunc

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSink replaces the record sink built from config.
func WithSink(s record.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the caller's logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithWatcher runs w during Run and applies the changes it reports. w must
// have been created with [App.ApplyConfig] as its callback.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to
// PostgreSQL when records.postgres_dsn is set and no sink was injected.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.connCtx, a.cancelConn = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.initSink(ctx); err != nil {
		a.cancelConn()
		return nil, fmt.Errorf("app: init records: %w", err)
	}
	if err := a.initCore(); err != nil {
		a.cancelConn()
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := a.initGauges(); err != nil {
		a.cancelConn()
		return nil, fmt.Errorf("app: register gauges: %w", err)
	}
	a.initHTTP()
	return a, nil
}

func (a *App) initSink(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	logSink := record.LogSink{Logger: slog.Default()}
	dsn := a.cfg.Records.PostgresDSN
	if dsn == "" {
		a.sink = logSink
		return nil
	}
	pg, err := record.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	a.sink = record.Multi{logSink, pg}
	slog.Info("completion records stored in postgres")
	return nil
}

func (a *App) initCore() error {
	var err error
	if a.admission, err = admission.New(a.cfg.Admission.MaxConcurrent,
		admission.WithMaxWait(a.cfg.Admission.AcquireTimeout)); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	if a.limiter, err = ratelimit.New(a.cfg.RateLimit.Requests, a.cfg.RateLimit.Window); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var storeOpts []session.Option
	if a.cfg.Session.MaxTurns != nil {
		storeOpts = append(storeOpts, session.WithMaxTurns(*a.cfg.Session.MaxTurns))
	}
	a.sessions = session.NewStore(storeOpts...)

	def, stageOpts := stagePolicies(a.cfg.Pipeline)
	exec := stage.NewExecutor(def, append(stageOpts, stage.WithMetrics(a.metrics))...)

	pipeOpts := []pipeline.Option{
		pipeline.WithMaxTokens(a.cfg.Pipeline.MaxTokens),
		pipeline.WithMIMEType(a.cfg.Gateway.AudioFormat),
		pipeline.WithMetrics(a.metrics),
	}
	if t := a.cfg.Pipeline.Temperature; t != nil {
		pipeOpts = append(pipeOpts, pipeline.WithTemperature(*t))
	}
	if a.cfg.Pipeline.SystemPrompt != "" {
		pipeOpts = append(pipeOpts, pipeline.WithSystemPrompt(a.cfg.Pipeline.SystemPrompt))
	}
	if a.orchestrator, err = pipeline.New(a.providers.STT, a.providers.LLM, a.providers.TTS,
		a.sessions, exec, pipeOpts...); err != nil {
		return err
	}

	a.gateway = gateway.New(a.orchestrator, a.admission, a.limiter, a.sessions,
		gateway.WithMaxUtteranceBytes(a.cfg.Gateway.MaxUtteranceBytes),
		gateway.WithAcquireTimeout(a.cfg.Admission.AcquireTimeout),
		gateway.WithOriginPatterns(a.cfg.Gateway.AllowedOrigins...),
		gateway.WithSink(a.sink),
		gateway.WithMetrics(a.metrics),
	)

	a.health = health.New(
		health.CircuitCheck("stt", openFlags(a.providers.STT.Status)),
		health.CircuitCheck("llm", openFlags(a.providers.LLM.Status)),
		health.CircuitCheck("tts", openFlags(a.providers.TTS.Status)),
	)
	return nil
}

// stagePolicies converts the pipeline section into the executor's default
// policy plus per-stage overrides.
func stagePolicies(pc config.PipelineConfig) (stage.Policy, []stage.Option) {
	def := stage.DefaultPolicy()
	def.Timeout = pc.Timeout
	def.BaseDelay = pc.RetryDelay
	def.MaxDelay = pc.MaxRetryDelay
	if pc.MaxRetries != nil {
		def.MaxRetries = *pc.MaxRetries
	}
	if pc.Jitter != nil {
		def.Jitter = *pc.Jitter
	}

	names := make([]string, 0, len(pc.Stages))
	for name := range pc.Stages {
		names = append(names, name)
	}
	slices.Sort(names)

	var opts []stage.Option
	for _, name := range names {
		sc := pc.Stages[name]
		p := def
		if sc.Timeout > 0 {
			p.Timeout = sc.Timeout
		}
		if sc.MaxRetries != nil {
			p.MaxRetries = *sc.MaxRetries
		}
		opts = append(opts, stage.WithPolicy(name, p))
	}
	return def, opts
}

func openFlags(status func() []resilience.ProviderStatus) func() []bool {
	return func() []bool {
		st := status()
		out := make([]bool, len(st))
		for i, s := range st {
			out[i] = s.State == resilience.StateOpen.String()
		}
		return out
	}
}

func (a *App) initGauges() error {
	reg, err := a.metrics.RegisterGauges(observe.GaugeSources{
		SlotsInUse:    func() int64 { return int64(a.admission.Stats().InUse) },
		SlotsCapacity: func() int64 { return int64(a.admission.Capacity()) },
		Sessions:      func() int64 { return int64(a.sessions.Len()) },
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

func (a *App) initHTTP() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	r.Handle("/ws/voice", a.gateway)
	a.health.Register(r)
	r.Get("/status", a.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	a.router = r

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Upgraded WebSocket connections outlive Shutdown; their contexts
		// derive from connCtx so Shutdown can end them.
		BaseContext: func(net.Listener) context.Context { return a.connCtx },
	}
}

// Handler returns the HTTP handler with all routes mounted.
func (a *App) Handler() http.Handler { return a.router }

// ─── Status ──────────────────────────────────────────────────────────────────

// AdmissionStatus mirrors [admission.Stats].
type AdmissionStatus struct {
	Capacity  int    `json:"capacity"`
	InUse     int    `json:"in_use"`
	Available int    `json:"available"`
	Acquired  uint64 `json:"acquired"`
	Rejected  uint64 `json:"rejected"`
	Released  uint64 `json:"released"`
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Status         string                                 `json:"status"`
	Admission      AdmissionStatus                        `json:"admission"`
	ActiveSessions int                                    `json:"active_sessions"`
	Connections    int64                                  `json:"active_connections"`
	TrackedClients int                                    `json:"rate_limited_clients_tracked"`
	Providers      map[string][]resilience.ProviderStatus `json:"providers"`
}

// Status returns a snapshot of the live counters.
func (a *App) Status() StatusReport {
	st := a.admission.Stats()
	return StatusReport{
		Status: "ok",
		Admission: AdmissionStatus{
			Capacity:  st.Capacity,
			InUse:     st.InUse,
			Available: st.Available,
			Acquired:  st.Acquired,
			Rejected:  st.Rejected,
			Released:  st.Released,
		},
		ActiveSessions: a.sessions.Len(),
		Connections:    a.gateway.Active(),
		TrackedClients: a.limiter.Len(),
		Providers: map[string][]resilience.ProviderStatus{
			"stt": a.providers.STT.Status(),
			"llm": a.providers.LLM.Status(),
			"tts": a.providers.TTS.Status(),
		},
	}
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		slog.Warn("app: encode status", "err", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable part of a config change. It is the
// callback to pass to [config.NewWatcher].
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RateLimitChanged {
		if err := a.limiter.SetLimits(d.NewRateLimit.Requests, d.NewRateLimit.Window); err != nil {
			slog.Warn("app: rate limit not applied", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config level to slog. Unknown values map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP and runs the session sweeper, limiter sweeper and config
// watcher until ctx is cancelled or one of them fails. On cancellation it
// stops accepting connections and waits up to [drainTimeout] for in-flight
// requests before returning.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	slog.Info("app: listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		return a.sessions.Run(gctx, a.cfg.Session.SweepInterval, a.cfg.Session.IdleTimeout)
	})
	g.Go(func() error {
		return a.limiter.Run(gctx, 0)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("app: http drain incomplete", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// Shutdown stops the HTTP server, ends open WebSocket connections and
// releases every subsystem in reverse creation order. It is safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.cancelConn()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}
