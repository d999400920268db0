// Package scheduler decides when a reconcile pass runs. Each record kind has
// its own Loop; loops never wait on each other.
package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stallpos/internal/metrics"
)

type State int

const (
	Idle State = iota
	Checking
	Syncing
	RetryScheduled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case Syncing:
		return "syncing"
	case RetryScheduled:
		return "retry_scheduled"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Reason string

const (
	ReasonStart      Reason = "start"
	ReasonTimer      Reason = "timer"
	ReasonForeground Reason = "foreground"
	ReasonOnline     Reason = "online"
	ReasonRetry      Reason = "retry"
	ReasonRecorded   Reason = "recorded"
	ReasonAligned    Reason = "aligned"
	// ReasonManual skips the check gate.
	ReasonManual Reason = "manual"
)

// Outcome is what a Loop needs to know about a finished pass.
type Outcome struct {
	Remaining int
	Skipped   bool
}

// Syncer is one kind's view of the reconcile engine.
type Syncer interface {
	Available() bool
	Unsynced() (int, error)
	Cursor() (time.Time, error)
	Sync(ctx context.Context) Outcome
}

const (
	DefaultLongPeriod = time.Hour
	DefaultRetryDelay = 30 * time.Second
)

type Options struct {
	Name       string
	LongPeriod time.Duration
	RetryDelay time.Duration
	Clock      Clock
	Logger     logrus.FieldLogger
	Metrics    *metrics.Registry
}

// Loop moves one kind through Idle, Checking, Syncing and RetryScheduled.
// A trigger that lands while a check or pass is running is folded into one
// extra check once the current one ends.
type Loop struct {
	name    string
	syncer  Syncer
	clock   Clock
	long    time.Duration
	retry   time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Registry

	mu         sync.Mutex
	ctx        context.Context
	state      State
	busy       bool
	again      bool
	retryTimer Timer
	longTimer  Timer
	passes     int
	stopped    bool
}

func NewLoop(s Syncer, opts Options) *Loop {
	l := &Loop{
		name:    opts.Name,
		syncer:  s,
		clock:   opts.Clock,
		long:    opts.LongPeriod,
		retry:   opts.RetryDelay,
		log:     opts.Logger,
		metrics: opts.Metrics,
		ctx:     context.Background(),
	}
	if l.clock == nil {
		l.clock = RealClock()
	}
	if l.long <= 0 {
		l.long = DefaultLongPeriod
	}
	if l.retry <= 0 {
		l.retry = DefaultRetryDelay
	}
	if l.log == nil {
		lg := logrus.New()
		lg.SetOutput(io.Discard)
		l.log = lg
	}
	l.log = l.log.WithField("loop", l.name)
	return l
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Passes returns how many sync passes the loop has started.
func (l *Loop) Passes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passes
}

// Start arms the long-period timer and runs the start trigger.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	l.ctx = ctx
	l.stopped = false
	l.armLongLocked()
	l.mu.Unlock()
	l.Trigger(ReasonStart)
}

// Stop disarms every timer. A pass already running finishes.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.longTimer != nil {
		l.longTimer.Stop()
		l.longTimer = nil
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

func (l *Loop) Foreground() { l.Trigger(ReasonForeground) }

// Trigger enters Checking and, if the gate passes, runs one pass. It blocks
// for the duration of the pass.
func (l *Loop) Trigger(reason Reason) {
	l.mu.Lock()
	if l.stopped && reason != ReasonManual {
		l.mu.Unlock()
		return
	}
	if l.busy {
		l.again = true
		l.mu.Unlock()
		l.log.WithField("reason", reason).Debug("loop busy; check queued")
		return
	}
	l.busy = true
	l.mu.Unlock()

	for {
		l.run(reason)
		l.mu.Lock()
		if !l.again {
			l.busy = false
			l.mu.Unlock()
			return
		}
		l.again = false
		l.mu.Unlock()
		reason = ReasonRecorded
	}
}

func (l *Loop) run(reason Reason) {
	l.setState(Checking)
	if !l.shouldSync(reason) {
		l.settle(Idle, false)
		return
	}

	l.mu.Lock()
	ctx := l.ctx
	l.passes++
	l.mu.Unlock()
	l.setState(Syncing)
	out := l.syncer.Sync(ctx)

	switch {
	case out.Skipped:
		// Another pass over the same kind held the guard. Its outcome is not
		// ours to see, so keep retrying while records are still unsynced.
		if l.stillUnsynced() {
			l.log.WithField("reason", reason).Debug("pass skipped with records unsynced; retry scheduled")
			l.settle(RetryScheduled, true)
			return
		}
		l.settle(Idle, false)
	case out.Remaining > 0:
		l.log.WithField("remaining", out.Remaining).WithField("reason", reason).Info("pass left records behind; retry scheduled")
		l.settle(RetryScheduled, true)
	default:
		l.settle(Idle, false)
	}
}

// shouldSync is the Checking gate: something is unsynced or the long period
// has elapsed since the last clean pass.
func (l *Loop) shouldSync(reason Reason) bool {
	if !l.syncer.Available() {
		return false
	}
	if reason == ReasonManual {
		return true
	}
	n, err := l.syncer.Unsynced()
	if err != nil {
		l.log.WithError(err).Warn("count unsynced failed")
		return true
	}
	if n > 0 {
		return true
	}
	cursor, err := l.syncer.Cursor()
	if err != nil {
		l.log.WithError(err).Warn("read sync cursor failed")
		return true
	}
	return cursor.IsZero() || l.clock.Now().Sub(cursor) >= l.long
}

func (l *Loop) stillUnsynced() bool {
	n, err := l.syncer.Unsynced()
	if err != nil {
		l.log.WithError(err).Warn("count unsynced failed")
		return true
	}
	return n > 0
}

// settle records the post-pass state. A retry timer stays armed only while
// the last pass left records behind.
func (l *Loop) settle(s State, retry bool) {
	l.mu.Lock()
	if retry {
		if l.retryTimer == nil && !l.stopped {
			l.retryTimer = l.clock.AfterFunc(l.retry, l.fireRetry)
		}
	} else if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	l.mu.Unlock()
	l.setState(s)
}

func (l *Loop) fireRetry() {
	l.mu.Lock()
	l.retryTimer = nil
	l.mu.Unlock()
	l.Trigger(ReasonRetry)
}

func (l *Loop) armLongLocked() {
	if l.longTimer != nil {
		l.longTimer.Stop()
	}
	l.longTimer = l.clock.AfterFunc(l.long, func() {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		l.armLongLocked()
		l.mu.Unlock()
		l.Trigger(ReasonTimer)
	})
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.SchedulerState.WithLabelValues(l.name).Set(float64(s))
	}
}
