// Package gateway serves the voice WebSocket endpoint.
//
// Protocol, one connection per client conversation:
//
//   - binary frame with data: appended to the current utterance buffer
//   - empty binary frame: end of utterance; the buffer is run through the
//     pipeline (an empty buffer is ignored)
//   - text frame {"cmd":"reset"}: clears the conversation history
//
// Server frames:
//
//	{"status":"processing"}
//	<binary reply audio>
//	{"status":"done","transcript":..., "reply":..., "request_id":..., "latency":{...}, "total_ms":...}
//	{"status":"error","code":"rate_limited","message":...}
//	{"status":"reset_ok"}
//
// Utterances on one connection are processed one at a time. Frames that
// arrive while a pipeline is running are queued.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/ratelimit"
	"github.com/MrWong99/parley/internal/record"
)

const (
	// DefaultMaxUtteranceBytes bounds one buffered utterance.
	DefaultMaxUtteranceBytes = 10 << 20

	// ReadLimit bounds a single WebSocket message.
	ReadLimit = 16 << 20

	writeTimeout  = 10 * time.Second
	recordTimeout = 5 * time.Second
	frameQueue    = 16
)

// Error codes sent to the client that are not fault kinds.
const (
	CodeUtteranceTooLarge = "utterance_too_large"
)

// Pipeline runs one utterance.
type Pipeline interface {
	Run(ctx context.Context, sessionKey string, audio []byte) (*pipeline.Result, error)
}

// Admitter hands out pipeline slots.
type Admitter interface {
	Acquire(ctx context.Context, maxWait time.Duration) (*admission.Slot, error)
}

// Limiter decides per-client quotas.
type Limiter interface {
	Check(key string) ratelimit.Decision
}

// Sessions is the part of the session store the gateway manages directly.
type Sessions interface {
	Touch(key string)
	Reset(key string)
	Remove(key string) bool
}

// Handler is the http.Handler for the voice endpoint.
type Handler struct {
	pipeline Pipeline
	admit    Admitter
	limiter  Limiter
	sessions Sessions

	maxUtterance   int
	acquireTimeout time.Duration
	origins        []string
	sink           record.Sink
	metrics        *observe.Metrics

	active atomic.Int64
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxUtteranceBytes bounds the buffered audio of one utterance.
func WithMaxUtteranceBytes(n int) Option {
	return func(h *Handler) { h.maxUtterance = n }
}

// WithAcquireTimeout sets how long an utterance waits for a pipeline slot.
// Zero uses the admission controller's default.
func WithAcquireTimeout(d time.Duration) Option {
	return func(h *Handler) { h.acquireTimeout = d }
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of the patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithSink emits a completion record for every processed utterance.
func WithSink(s record.Sink) Option {
	return func(h *Handler) { h.sink = s }
}

// WithMetrics records connection, rate limit and admission metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New returns a Handler.
func New(p Pipeline, admit Admitter, limiter Limiter, sessions Sessions, opts ...Option) *Handler {
	h := &Handler{
		pipeline:     p,
		admit:        admit,
		limiter:      limiter,
		sessions:     sessions,
		maxUtterance: DefaultMaxUtteranceBytes,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Active returns the number of open connections.
func (h *Handler) Active() int64 { return h.active.Load() }

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// conn is the per-connection state.
type conn struct {
	ws         *websocket.Conn
	sessionKey string
	clientKey  string
}

// ServeHTTP upgrades the request and runs the message loop until the client
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("gateway: websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(ReadLimit)

	c := &conn{ws: ws, sessionKey: uuid.NewString(), clientKey: clientKey(r)}
	h.sessions.Touch(c.sessionKey)
	defer h.sessions.Remove(c.sessionKey)

	h.active.Add(1)
	defer h.active.Add(-1)
	if h.metrics != nil {
		h.metrics.ActiveConnections.Add(r.Context(), 1)
		defer h.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)
	}

	// Hijacked connections keep r.Context() alive after the client leaves;
	// the reader cancels ctx instead so an in-flight pipeline stops.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := observe.Logger(ctx).With("session", c.sessionKey, "client", c.clientKey)
	log.Info("gateway: connected")

	frames := make(chan frame, frameQueue)
	var readErr error
	go func() {
		defer close(frames)
		defer cancel()
		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				readErr = err
				return
			}
			select {
			case frames <- frame{typ: typ, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	err = h.loop(ctx, c, frames)
	cancel()
	for range frames {
	}

	switch status := websocket.CloseStatus(readErr); {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Warn("gateway: connection aborted", "err", err)
		ws.Close(websocket.StatusInternalError, "internal error")
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("gateway: disconnected", "status", status)
	default:
		log.Info("gateway: connection lost", "err", readErr)
	}
}

// loop consumes frames until the reader stops or a write fails.
func (h *Handler) loop(ctx context.Context, c *conn, frames <-chan frame) error {
	var (
		buf        bytes.Buffer
		discarding bool
	)
	for f := range frames {
		switch f.typ {
		case websocket.MessageText:
			if err := h.command(ctx, c, f.data); err != nil {
				return err
			}

		case websocket.MessageBinary:
			if len(f.data) > 0 {
				if discarding {
					continue
				}
				if buf.Len()+len(f.data) > h.maxUtterance {
					buf.Reset()
					discarding = true
					msg := fmt.Sprintf("Utterance exceeds %d bytes and was discarded.", h.maxUtterance)
					if err := sendError(ctx, c.ws, CodeUtteranceTooLarge, msg); err != nil {
						return err
					}
					continue
				}
				buf.Write(f.data)
				continue
			}

			// End of utterance.
			if discarding {
				discarding = false
				continue
			}
			if buf.Len() == 0 {
				observe.Logger(ctx).Debug("gateway: end of utterance with empty buffer, ignoring", "session", c.sessionKey)
				continue
			}
			audio := bytes.Clone(buf.Bytes())
			buf.Reset()
			if err := h.utterance(ctx, c, audio); err != nil {
				return err
			}
		}
	}
	return nil
}

type command struct {
	Cmd string `json:"cmd"`
}

func (h *Handler) command(ctx context.Context, c *conn, data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		observe.Logger(ctx).Debug("gateway: ignoring malformed text frame", "session", c.sessionKey, "err", err)
		return nil
	}
	switch cmd.Cmd {
	case "reset":
		h.sessions.Reset(c.sessionKey)
		observe.Logger(ctx).Info("gateway: conversation history reset", "session", c.sessionKey)
		return sendJSON(ctx, c.ws, statusMessage{Status: "reset_ok"})
	default:
		observe.Logger(ctx).Debug("gateway: ignoring unknown command", "session", c.sessionKey, "cmd", cmd.Cmd)
		return nil
	}
}

// utterance gates and runs one utterance. Only connection-level failures are
// returned; everything else is reported to the client.
func (h *Handler) utterance(ctx context.Context, c *conn, audio []byte) error {
	ctx = observe.WithRequestID(ctx, uuid.NewString())

	if h.limiter.Check(c.clientKey) == ratelimit.Denied {
		if h.metrics != nil {
			h.metrics.RateLimited.Add(ctx, 1)
		}
		return h.reject(ctx, c, fault.New(fault.KindRateLimited, "", nil))
	}

	slot, err := h.admit.Acquire(ctx, h.acquireTimeout)
	if err != nil {
		if fault.KindOf(err) == fault.KindCanceled {
			return err
		}
		if h.metrics != nil {
			h.metrics.AdmissionRejections.Add(ctx, 1)
		}
		return h.reject(ctx, c, err)
	}
	defer func() {
		if err := slot.Release(); err != nil {
			observe.Logger(ctx).Error("gateway: slot release failed", "err", err)
		}
	}()

	if err := sendJSON(ctx, c.ws, statusMessage{Status: "processing"}); err != nil {
		return err
	}

	res, err := h.pipeline.Run(ctx, c.sessionKey, audio)
	h.emit(ctx, record.FromRun(c.sessionKey, c.clientKey, res, err))
	if err != nil {
		if fault.KindOf(err) == fault.KindCanceled {
			return err
		}
		return sendError(ctx, c.ws, fault.KindOf(err).String(), clientMessage(err))
	}

	if err := write(ctx, c.ws, websocket.MessageBinary, res.Audio); err != nil {
		return err
	}
	return sendJSON(ctx, c.ws, doneMessage{
		Status:     "done",
		Transcript: res.Transcript,
		Reply:      res.Reply,
		RequestID:  res.RequestID,
		Latency:    res.Report.StagesMillis(),
		TotalMs:    res.Report.TotalMillis(),
	})
}

// reject reports an utterance turned away before the pipeline ran.
func (h *Handler) reject(ctx context.Context, c *conn, err error) error {
	h.emit(ctx, record.FromRun(c.sessionKey, c.clientKey, nil, err))
	return sendError(ctx, c.ws, fault.KindOf(err).String(), clientMessage(err))
}

// emit writes a completion record. It outlives a client disconnect.
func (h *Handler) emit(ctx context.Context, rec record.Completion) {
	if h.sink == nil {
		return
	}
	if rec.RequestID == "" {
		rec.RequestID = observe.RequestID(ctx)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := h.sink.Write(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("gateway: record sink failed", "err", err)
	}
}

// clientMessage maps a failure to a user-facing sentence.
func clientMessage(err error) string {
	switch kind := fault.KindOf(err); kind {
	case fault.KindRateLimited:
		return "Rate limit exceeded. Please wait before sending more audio."
	case fault.KindAdmissionRejected:
		return "Server is busy. Please try again shortly."
	case fault.KindEmptyInput:
		return "No speech was recognised. Please try again."
	case fault.KindStageTimeout, fault.KindStageUpstreamError:
		return fmt.Sprintf("Processing failed at stage '%s'. Please try again.", fault.StageOf(err))
	default:
		return "Internal server error"
	}
}

// clientKey identifies the caller for rate limiting. chi's RealIP middleware
// has already replaced RemoteAddr with the forwarded address when present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusMessage struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type doneMessage struct {
	Status     string             `json:"status"`
	Transcript string             `json:"transcript"`
	Reply      string             `json:"reply"`
	RequestID  string             `json:"request_id"`
	Latency    map[string]float64 `json:"latency"`
	TotalMs    float64            `json:"total_ms"`
}

func sendError(ctx context.Context, ws *websocket.Conn, code, msg string) error {
	return sendJSON(ctx, ws, statusMessage{Status: "error", Code: code, Message: msg})
}

func sendJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		return fmt.Errorf("gateway: write json: %w", err)
	}
	return nil
}

func write(ctx context.Context, ws *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("gateway: write: %w", err)
	}
	return nil
}
