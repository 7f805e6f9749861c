// Package timer implements the countdown of an exam attempt.
package timer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-engine/internal/clock"
)

// DefaultTickInterval is how often remaining time is published.
const DefaultTickInterval = time.Second

// Option configures a Timer.
type Option func(*Timer)

// WithDeadline fixes the deadline instead of deriving it from the start time,
// e.g. when resuming an attempt that started earlier.
func WithDeadline(deadline time.Time) Option {
	return func(t *Timer) { t.deadline = deadline.Round(0) }
}

// WithTick registers a callback receiving the remaining time on every tick.
func WithTick(interval time.Duration, fn func(remaining time.Duration)) Option {
	return func(t *Timer) {
		if interval > 0 {
			t.tickInterval = interval
		}
		t.onTick = fn
	}
}

// Timer counts down to a fixed wall-clock deadline. Remaining time is always
// computed from the deadline, so ticks lost while the host was suspended do
// not delay expiry.
type Timer struct {
	clock        clock.Clock
	deadline     time.Time
	tickInterval time.Duration
	onExpire     func()
	onTick       func(time.Duration)

	mu      sync.Mutex
	started bool
	expiry  clock.Timer
	ticker  clock.Ticker
	stop    chan struct{}

	finished atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a timer for duration starting now. onExpire runs exactly once
// when the deadline passes, unless Stop is called first.
func New(clk clock.Clock, duration time.Duration, onExpire func(), opts ...Option) *Timer {
	t := &Timer{
		clock:        clk,
		deadline:     clk.Now().Round(0).Add(duration),
		tickInterval: DefaultTickInterval,
		onExpire:     onExpire,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ForExam creates a timer of durationMinutes.
func ForExam(clk clock.Clock, durationMinutes int, onExpire func(), opts ...Option) *Timer {
	return New(clk, time.Duration(durationMinutes)*time.Minute, onExpire, opts...)
}

// Start arms the timer. Calling Start more than once has no effect.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return
	}
	t.started = true

	select {
	case <-t.done:
		return
	default:
	}

	remaining := t.Remaining()
	if remaining <= 0 {
		go t.expire()
		return
	}
	t.expiry = t.clock.AfterFunc(remaining, t.expire)
	t.ticker = t.clock.NewTicker(t.tickInterval)
	go t.run(t.ticker)
}

func (t *Timer) run(tk clock.Ticker) {
	for {
		select {
		case <-t.stop:
			return
		case <-tk.C():
			remaining := t.Remaining()
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if remaining <= 0 {
				t.expire()
				return
			}
		}
	}
}

func (t *Timer) expire() {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.halt()
	if t.onExpire != nil {
		t.onExpire()
	}
}

// Stop cancels the timer. It is safe to call any number of times, including
// from the expiry callback.
func (t *Timer) Stop() {
	t.finished.Store(true)
	t.halt()
}

func (t *Timer) halt() {
	t.stopOnce.Do(func() {
		close(t.stop)

		t.mu.Lock()
		if t.expiry != nil {
			t.expiry.Stop()
		}
		if t.ticker != nil {
			t.ticker.Stop()
		}
		t.mu.Unlock()

		close(t.done)
	})
}

// Deadline returns the wall-clock instant the timer expires.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Remaining returns the time left, floored at zero.
func (t *Timer) Remaining() time.Duration {
	left := t.deadline.Sub(t.clock.Now().Round(0))
	if left < 0 {
		return 0
	}
	return left
}

// RemainingSeconds returns the whole seconds left, rounded up.
func (t *Timer) RemainingSeconds() int {
	return int(math.Ceil(t.Remaining().Seconds()))
}

// Done is closed once the timer has expired or been stopped.
func (t *Timer) Done() <-chan struct{} { return t.done }
