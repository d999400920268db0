package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Reconcile outcomes, labelled by kind.
	Pushed     *prometheus.CounterVec
	Duplicates *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Collected  *prometheus.CounterVec
	Degraded   *prometheus.CounterVec
	Buckets    *prometheus.CounterVec
	// Passes is labelled by kind and outcome (clean|partial|skipped).
	Passes     *prometheus.CounterVec
	PassLatSec *prometheus.HistogramVec

	Pending        *prometheus.GaugeVec
	SchedulerState *prometheus.GaugeVec

	// Local recordings and journal.
	Recorded          *prometheus.CounterVec
	ChangelogAppended prometheus.Counter
	ChangelogFailed   prometheus.Counter

	// Menu refreshes by source (feed|poll|manual).
	MenuRefreshes *prometheus.CounterVec
	// LastBackupAgeSec is kept current by the daemon's backup loop.
	LastBackupAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	byKind := []string{"kind"}
	pushed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_pushed_total"}, byKind)
	dups := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_duplicates_total"}, byKind)
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_failures_total"}, byKind)
	collected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_collected_total"}, byKind)
	degraded := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_degraded_refs_total"}, byKind)
	buckets := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_buckets_pushed_total"}, byKind)
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sync_passes_total"}, []string{"kind", "outcome"})
	passLat := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_sync_pass_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, byKind)
	pending := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pos_outbox_unsynced"}, byKind)
	schedState := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pos_scheduler_state"}, byKind)
	recorded := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_recorded_total"}, byKind)
	appended := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_changelog_appended_total"})
	appendFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_changelog_failed_total"})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_menu_refreshes_total"}, []string{"source"})
	backupAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pos_last_backup_age_seconds"})

	r.MustRegister(pushed, dups, failures, collected, degraded, buckets, passes, passLat,
		pending, schedState, recorded, appended, appendFailed, refreshes, backupAge)
	return &Registry{
		reg:               r,
		Pushed:            pushed,
		Duplicates:        dups,
		Failures:          failures,
		Collected:         collected,
		Degraded:          degraded,
		Buckets:           buckets,
		Passes:            passes,
		PassLatSec:        passLat,
		Pending:           pending,
		SchedulerState:    schedState,
		Recorded:          recorded,
		ChangelogAppended: appended,
		ChangelogFailed:   appendFailed,
		MenuRefreshes:     refreshes,
		LastBackupAgeSec:  backupAge,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
