package scheduler

import (
	"sync"
	"time"
)

// NextBoundary returns the first multiple of period after now, counted from
// midnight in now's location. With period 15m and now 10:07 it is 10:15.
func NextBoundary(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	steps := now.Sub(midnight)/period + 1
	return midnight.Add(steps * period)
}

// Aligned calls fn at every wall-clock boundary of period.
type Aligned struct {
	clock  Clock
	period time.Duration
	fn     func()

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func NewAligned(clock Clock, period time.Duration, fn func()) *Aligned {
	if clock == nil {
		clock = RealClock()
	}
	return &Aligned{clock: clock, period: period, fn: fn}
}

func (a *Aligned) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = false
	a.armLocked()
}

func (a *Aligned) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aligned) armLocked() {
	now := a.clock.Now()
	a.timer = a.clock.AfterFunc(NextBoundary(now, a.period).Sub(now), a.fire)
}

func (a *Aligned) fire() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.armLocked()
	a.mu.Unlock()
	a.fn()
}
