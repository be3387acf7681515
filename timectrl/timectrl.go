package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Light controllers
// and car actors depend on this abstraction rather than calling the time
// package directly.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time
}

// WallClock is a SimClock backed by the process wall clock.
type WallClock struct{}

// Now implements SimClock.
func (WallClock) Now() time.Time { return time.Now() }

// After implements SimClock.
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on clock, returning false early if done is closed first.
// A non-positive d returns immediately with true unless done is already closed.
func Sleep(clock SimClock, d time.Duration, done <-chan struct{}) bool {
	if clock == nil {
		clock = WallClock{}
	}
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	select {
	case <-clock.After(d):
		return true
	case <-done:
		return false
	}
}

// TimeController drives periodic ticks and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu    sync.RWMutex
	Tick  time.Duration
	clock SimClock

	// currentTime tracks the time of the most recent tick.
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller ticking every tick on the wall clock.
func NewTimeController(tick time.Duration) *TimeController {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	clock := WallClock{}
	return &TimeController{
		Tick:        tick,
		clock:       clock,
		currentTime: clock.Now(),
	}
}

// Now returns the time of the most recent tick. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After implements SimClock by delegating to the underlying clock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	return tc.clock.After(d)
}

// AddListener registers a callback invoked on every tick. Listeners must be
// registered before Start.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Start runs the controller in a separate goroutine until ctx is cancelled.
// It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	tc.mu.RLock()
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.RUnlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tc.mu.Lock()
				tc.currentTime = now
				tc.mu.Unlock()

				for _, fn := range listeners {
					fn(now)
				}
			}
		}
	}()
	return done
}
