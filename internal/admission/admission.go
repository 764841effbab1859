// Package admission bounds the number of pipelines that run concurrently.
//
// A [Controller] owns a fixed pool of permits. [Controller.Acquire] waits at
// most a caller-supplied duration for a permit and rejects the request when
// none frees up in time; excess load is never queued behind the waiting
// caller. Every successful acquisition returns a [Slot] that must be released
// exactly once, and releasing twice is reported as an internal fault without
// touching the pool.
//
// The controller is single-process by construction. All methods are safe for
// concurrent use.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/fault"
)

const (
	// DefaultCapacity is the permit count applied by configuration defaults.
	DefaultCapacity = 10

	// DefaultMaxWait is the acquire timeout used when Acquire is given zero.
	DefaultMaxWait = 2 * time.Second
)

// Stats is a point-in-time view of the permit pool. InUse and Available are
// eventually consistent with concurrent Acquire/Release calls but InUse never
// exceeds Capacity.
type Stats struct {
	Capacity  int
	InUse     int
	Available int

	Acquired uint64
	Rejected uint64
	Released uint64
}

// Slot is a capacity token handed out by [Controller.Acquire].
type Slot struct {
	id       uint64
	owner    *Controller
	released atomic.Bool
}

// ID returns the slot's sequence number, unique per controller.
func (s *Slot) ID() uint64 { return s.id }

// Release returns the slot to its controller. See [Controller.Release].
func (s *Slot) Release() error {
	if s == nil {
		return fault.Internal("admission: release of nil slot")
	}
	if s.owner == nil {
		return fault.Internal("admission: release of slot not issued by a controller")
	}
	return s.owner.Release(s)
}

// Controller is a bounded concurrency gate with timed acquisition.
type Controller struct {
	permits  chan struct{}
	capacity int
	maxWait  time.Duration

	seq      atomic.Uint64
	acquired atomic.Uint64
	rejected atomic.Uint64
	released atomic.Uint64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMaxWait sets the default acquire timeout used when Acquire is called
// with a non-positive wait.
func WithMaxWait(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// New creates a Controller with capacity permits.
func New(capacity int, opts ...Option) (*Controller, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("admission: capacity must be >= 1, got %d", capacity)
	}
	c := &Controller{
		permits:  make(chan struct{}, capacity),
		capacity: capacity,
		maxWait:  DefaultMaxWait,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Acquire waits up to maxWait for a free permit. It returns a [Slot] on
// success. When maxWait elapses first it returns a [fault.KindAdmissionRejected]
// error; when ctx is done first it returns [fault.KindCanceled]. Neither
// failure has any side effect on the pool.
//
// A non-positive maxWait selects the controller's default.
func (c *Controller) Acquire(ctx context.Context, maxWait time.Duration) (*Slot, error) {
	if maxWait <= 0 {
		maxWait = c.maxWait
	}

	// Fast path: a free permit is taken without arming a timer.
	select {
	case c.permits <- struct{}{}:
		return c.grant(), nil
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case c.permits <- struct{}{}:
		return c.grant(), nil
	case <-timer.C:
		c.rejected.Add(1)
		slog.Warn("admission: pipeline slot rejected, system at capacity",
			"capacity", c.capacity,
			"max_wait", maxWait,
		)
		return nil, fault.New(fault.KindAdmissionRejected, "",
			fmt.Errorf("no slot available within %s", maxWait))
	case <-ctx.Done():
		return nil, fault.New(fault.KindCanceled, "", ctx.Err())
	}
}

func (c *Controller) grant() *Slot {
	c.acquired.Add(1)
	s := &Slot{id: c.seq.Add(1), owner: c}
	slog.Debug("admission: slot acquired", "slot", s.id, "in_use", len(c.permits), "capacity", c.capacity)
	return s
}

// Release returns s's permit to the pool. Releasing a slot twice, or a slot
// from another controller, returns a [fault.KindInternal] error and leaves
// the pool unchanged.
func (c *Controller) Release(s *Slot) error {
	if s == nil {
		return fault.Internal("admission: release of nil slot")
	}
	if c == nil || s.owner == nil {
		return fault.Internal("admission: release of slot not issued by a controller")
	}
	if s.owner != c {
		return fault.Internal("admission: slot %d belongs to another controller", s.id)
	}
	if !s.released.CompareAndSwap(false, true) {
		slog.Error("admission: slot released more than once", "slot", s.id)
		return fault.Internal("admission: slot %d released more than once", s.id)
	}
	select {
	case <-c.permits:
	default:
		// Unreachable while every permit is paired with exactly one live slot.
		return fault.Internal("admission: release of slot %d with empty pool", s.id)
	}
	c.released.Add(1)
	slog.Debug("admission: slot released", "slot", s.id, "in_use", len(c.permits))
	return nil
}

// Capacity returns the configured permit count.
func (c *Controller) Capacity() int { return c.capacity }

// Stats returns a point-in-time snapshot of the pool.
func (c *Controller) Stats() Stats {
	inUse := len(c.permits)
	return Stats{
		Capacity:  c.capacity,
		InUse:     inUse,
		Available: c.capacity - inUse,
		Acquired:  c.acquired.Load(),
		Rejected:  c.rejected.Load(),
		Released:  c.released.Load(),
	}
}
