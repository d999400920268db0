package scheduler

import (
	"context"
	"sync"
	"time"

	"stallpos/internal/connectivity"
)

// Coordinator owns the loops of one register. Shared signals (foreground,
// connectivity edges) fan out to every loop on its own goroutine.
type Coordinator struct {
	monitor *connectivity.Monitor

	mu      sync.Mutex
	loops   []*Loop
	byName  map[string]*Loop
	aligned []*Aligned
	wg      sync.WaitGroup
}

func NewCoordinator(monitor *connectivity.Monitor) *Coordinator {
	if monitor == nil {
		monitor = connectivity.NewMonitor()
	}
	c := &Coordinator{monitor: monitor, byName: make(map[string]*Loop)}
	monitor.Subscribe(func() { c.fan(ReasonOnline) })
	return c
}

func (c *Coordinator) Add(l *Loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops = append(c.loops, l)
	c.byName[l.Name()] = l
}

// AddAligned registers a wall-clock trigger for the named loop.
func (c *Coordinator) AddAligned(name string, clock Clock, period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.byName[name]
	if !ok {
		return
	}
	c.aligned = append(c.aligned, NewAligned(clock, period, func() { c.spawn(l, ReasonAligned) }))
}

// Start runs every loop's start trigger concurrently and arms the timers.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	loops := append([]*Loop(nil), c.loops...)
	aligned := append([]*Aligned(nil), c.aligned...)
	c.mu.Unlock()
	for _, l := range loops {
		l := l
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			l.Start(ctx)
		}()
	}
	for _, a := range aligned {
		a.Start()
	}
}

func (c *Coordinator) Foreground() { c.fan(ReasonForeground) }

// Connectivity feeds an observation to the monitor; an offline-to-online
// edge triggers every loop.
func (c *Coordinator) Connectivity(online bool) bool { return c.monitor.Observe(online) }

// Nudge triggers the named loop without waiting for it.
func (c *Coordinator) Nudge(name string) {
	c.mu.Lock()
	l, ok := c.byName[name]
	c.mu.Unlock()
	if ok {
		c.spawn(l, ReasonRecorded)
	}
}

// States reports each loop's current state by name.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.loops))
	for _, l := range c.loops {
		out[l.Name()] = l.State()
	}
	return out
}

// Wait blocks until every spawned trigger has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Stop disarms all timers and waits for running triggers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	loops := append([]*Loop(nil), c.loops...)
	aligned := append([]*Aligned(nil), c.aligned...)
	c.mu.Unlock()
	for _, a := range aligned {
		a.Stop()
	}
	for _, l := range loops {
		l.Stop()
	}
	c.wg.Wait()
}

func (c *Coordinator) fan(reason Reason) {
	c.mu.Lock()
	loops := append([]*Loop(nil), c.loops...)
	c.mu.Unlock()
	for _, l := range loops {
		c.spawn(l, reason)
	}
}

func (c *Coordinator) spawn(l *Loop, reason Reason) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		l.Trigger(reason)
	}()
}
