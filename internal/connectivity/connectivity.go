// Package connectivity turns raw online/offline observations into
// offline-to-online edges. Nothing else about the network is modelled.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor remembers the last observed state. It starts offline so the first
// online observation counts as an edge.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []func()
}

func NewMonitor() *Monitor { return &Monitor{} }

// Subscribe registers fn to run on every offline-to-online edge.
func (m *Monitor) Subscribe(fn func()) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Observe records the current state and reports whether it was an
// offline-to-online edge. Subscribers run synchronously on an edge.
func (m *Monitor) Observe(online bool) bool {
	m.mu.Lock()
	edge := online && !m.online
	m.online = online
	subs := append([]func(){}, m.subs...)
	m.mu.Unlock()
	if edge {
		for _, fn := range subs {
			fn()
		}
	}
	return edge
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Prober polls a health URL and feeds the result into a Monitor. It exists
// for headless registers that have no OS connectivity callback.
type Prober struct {
	URL string
	// Check replaces the HTTP probe when set; nil error means online.
	Check    func(ctx context.Context) error
	Interval time.Duration
	Client   *http.Client
	Monitor  *Monitor
	Logger   logrus.FieldLogger
}

// Probe performs one check. Any 2xx answer counts as online.
func (p *Prober) Probe(ctx context.Context) bool {
	if p.Check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return p.Check(cctx) == nil
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes until ctx is done. Only state changes are logged.
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	last := p.Monitor.Online()
	check := func() {
		online := p.Probe(ctx)
		if p.Monitor.Observe(online) || online != last {
			if p.Logger != nil {
				p.Logger.WithField("online", online).Info("connectivity changed")
			}
		}
		last = online
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
