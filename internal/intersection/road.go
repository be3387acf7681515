package intersection

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/signalsfoundry/intersection-simulator/timectrl"
)

// Road is the shared state of one traffic direction. Its light phase and car
// collection are only touched while holding mu; cars block on cond while
// waiting and the light controller broadcasts on every phase change.
//
// No code path ever holds two roads' locks at once.
type Road struct {
	id    RoadID
	clock timectrl.SimClock

	mu   sync.Mutex
	cond *sync.Cond

	phase           LightPhase
	cars            []*Car
	lastPhaseChange time.Time
}

func newRoad(id RoadID, clock timectrl.SimClock) *Road {
	r := &Road{
		id:              id,
		clock:           clock,
		phase:           PhaseRed,
		lastPhaseChange: clock.Now(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// ID returns the road identifier.
func (r *Road) ID() RoadID { return r.id }

// Phase returns the current light phase.
func (r *Road) Phase() LightPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Snapshot returns a consistent copy of the road's state.
func (r *Road) Snapshot() RoadSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Road) withLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// waitLocked blocks on the road's condition variable. The caller must hold
// mu. When slice is positive a timer wakes every waiter after slice so a car
// can observe its own timeout while the light is held in one phase.
func (r *Road) waitLocked(slice time.Duration) {
	if slice > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-r.clock.After(slice):
				r.wake()
			case <-done:
			}
		}()
	}
	r.cond.Wait()
}

// wake acquires the lock and wakes every waiter. Taking the lock guarantees a
// car that is about to wait cannot miss the signal.
func (r *Road) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Road) broadcastLocked() {
	r.cond.Broadcast()
}

// setPhaseLocked is reserved for the road's LightController.
func (r *Road) setPhaseLocked(p LightPhase, now time.Time) {
	r.phase = p
	r.lastPhaseChange = now
	r.cond.Broadcast()
}

func (r *Road) addLocked(c *Car) {
	r.cars = append(r.cars, c)
}

// removeLocked drops c from the collection and wakes waiters, whose
// admission inputs just changed. Removing an absent car is a no-op.
func (r *Road) removeLocked(c *Car) bool {
	idx := lo.IndexOf(r.cars, c)
	if idx < 0 {
		return false
	}
	r.cars = append(r.cars[:idx], r.cars[idx+1:]...)
	r.cond.Broadcast()
	return true
}

func (r *Road) clearLocked() {
	r.cars = nil
}

func (r *Road) viewsLocked(now time.Time) []CarView {
	return lo.Map(r.cars, func(c *Car, _ int) CarView { return c.viewLocked(now) })
}

func (r *Road) countsLocked() (waiting, crossing int) {
	for _, c := range r.cars {
		switch c.state {
		case CarWaiting:
			waiting++
		case CarCrossing:
			crossing++
		}
	}
	return waiting, crossing
}

func (r *Road) snapshotLocked() RoadSnapshot {
	waiting, crossing := r.countsLocked()
	return RoadSnapshot{
		ID:              r.id,
		Phase:           r.phase,
		LastPhaseChange: r.lastPhaseChange,
		Waiting:         waiting,
		Crossing:        crossing,
		Cars:            r.viewsLocked(r.clock.Now()),
	}
}
