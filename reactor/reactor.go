// Package reactor provides the host's timer service: a monotonic clock,
// deadline-based Pause and periodic timers.
package reactor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Never is a wake time that is never reached
var Never = math.Inf(1)

// Now requests an immediate wake up
const Now = 0.0

// TimerFunc runs when its timer is due and returns the next wake time
// (Never to stop the timer)
type TimerFunc func(eventtime float64) float64

// Timer is a scheduled callback owned by a Reactor
type Timer struct {
	fn       TimerFunc
	waketime float64
}

// Reactor schedules timers and suspends callers until a deadline.
// All times are seconds on the reactor's monotonic clock.
type Reactor struct {
	start  time.Time
	logger *slog.Logger

	mu     sync.Mutex
	timers []*Timer
	wake   chan struct{}
}

// New creates a reactor whose clock starts at zero
func New(logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		start:  time.Now(),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Monotonic returns the current reactor time in seconds
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

// Pause suspends the caller until waketime and returns the time it resumed at.
// A cancelled context ends the wait early with the context error.
func (r *Reactor) Pause(ctx context.Context, waketime float64) (float64, error) {
	now := r.Monotonic()
	if waketime <= now {
		return now, ctx.Err()
	}

	t := time.NewTimer(r.until(waketime, now))
	defer t.Stop()

	select {
	case <-t.C:
		return r.Monotonic(), nil
	case <-ctx.Done():
		return r.Monotonic(), ctx.Err()
	}
}

func (r *Reactor) until(waketime, now float64) time.Duration {
	d := math.Ceil((waketime - now) * float64(time.Second))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RegisterTimer adds a timer first due at waketime
func (r *Reactor) RegisterTimer(fn TimerFunc, waketime float64) *Timer {
	t := &Timer{fn: fn, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UpdateTimer changes the wake time of a registered timer
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	t.waketime = waketime
	r.mu.Unlock()
	r.kick()
}

// UnregisterTimer removes a timer
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.timers {
		if cur == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches timers until ctx is cancelled
func (r *Reactor) Run(ctx context.Context) error {
	for {
		next := r.dispatch(r.Monotonic())

		var timer *time.Timer
		var timerC <-chan time.Time
		if !math.IsInf(next, 1) {
			timer = time.NewTimer(r.until(next, r.Monotonic()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-r.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatch runs every due timer and returns the earliest pending wake time
func (r *Reactor) dispatch(eventtime float64) float64 {
	r.mu.Lock()
	due := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if t.waketime <= eventtime {
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].waketime < due[j].waketime })
	for _, t := range due {
		next := t.fn(eventtime)
		r.mu.Lock()
		t.waketime = next
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	earliest := Never
	for _, t := range r.timers {
		if t.waketime < earliest {
			earliest = t.waketime
		}
	}
	return earliest
}
