package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestObserveReportsOnlyOnlineEdges(t *testing.T) {
	m := NewMonitor()
	var fired int
	m.Subscribe(func() { fired++ })

	steps := []struct {
		online bool
		edge   bool
	}{
		{true, true},
		{true, false},
		{false, false},
		{false, false},
		{true, true},
	}
	for i, s := range steps {
		if got := m.Observe(s.online); got != s.edge {
			t.Fatalf("step %d: edge=%v want %v", i, got, s.edge)
		}
	}
	if fired != 2 {
		t.Fatalf("subscribers fired %d times, want 2", fired)
	}
	if !m.Online() {
		t.Fatalf("monitor should be online")
	}
}

func TestProberFeedsMonitor(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &Prober{URL: srv.URL, Monitor: NewMonitor()}
	ctx := context.Background()
	if p.Probe(ctx) {
		t.Fatalf("503 should read as offline")
	}
	healthy.Store(true)
	if !p.Probe(ctx) {
		t.Fatalf("200 should read as online")
	}

	p.URL = "http://127.0.0.1:1/unreachable"
	if p.Probe(ctx) {
		t.Fatalf("unreachable host should read as offline")
	}
}

func TestProberCheckFunc(t *testing.T) {
	var down atomic.Bool
	m := NewMonitor()
	p := &Prober{Monitor: m, Check: func(ctx context.Context) error {
		if down.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}}
	down.Store(true)
	if p.Probe(context.Background()) {
		t.Fatalf("failing check should read as offline")
	}
	down.Store(false)
	if !p.Probe(context.Background()) {
		t.Fatalf("passing check should read as online")
	}
}
