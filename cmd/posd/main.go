package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stallpos/internal/api"
	"stallpos/internal/app"
	"stallpos/internal/config"
	"stallpos/internal/connectivity"
	"stallpos/internal/feed"
	"stallpos/internal/model"
	"stallpos/internal/remote"
	"stallpos/internal/scheduler"
)

// Flags override the config file and environment when set.
type Flags struct {
	ConfigPath string
	DataDir    string
	BranchID   string
	HTTPAddr   string
	Remote     string
	Store      string
}

func main() {
	f := readFlags()
	cfg, err := config.Load(f.ConfigPath, f.apply)
	if err != nil {
		log.Fatalf("posd config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("posd failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "YAML config file")
	flag.StringVar(&f.DataDir, "data-dir", "", "data directory (store, snapshots, journal)")
	flag.StringVar(&f.BranchID, "branch", "", "branch id")
	flag.StringVar(&f.HTTPAddr, "http-addr", "", "listen address for the register API")
	flag.StringVar(&f.Remote, "remote", "", "remote mode: mysql|memory|off")
	flag.StringVar(&f.Store, "store", "", "store backend: pebble|badger|memory")
	flag.Parse()
	return f
}

func (f Flags) apply(c *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, f.DataDir)
	set(&c.BranchID, f.BranchID)
	set(&c.HTTPAddr, f.HTTPAddr)
	set(&c.Remote.Mode, f.Remote)
	set(&c.Store, f.Store)
}

func run(cfg config.Config) error {
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"branch_id": cfg.BranchID,
		"store":     cfg.Store,
		"remote":    cfg.Remote.Mode,
		"journal":   cfg.Journal.Sink,
	}).Info("starting posd")

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := connectivity.NewMonitor()
	coord := scheduler.NewCoordinator(monitor)
	for _, k := range model.Kinds() {
		coord.Add(scheduler.NewLoop(a.Engine.ForKind(k), scheduler.Options{
			Name:       string(k),
			LongPeriod: cfg.Sync.LongPeriod,
			RetryDelay: cfg.Sync.RetryDelay,
			Logger:     logger,
			Metrics:    a.Metrics,
		}))
	}
	coord.AddAligned(string(model.KindVisitorCounts), scheduler.RealClock(), cfg.Sync.VisitorPeriod)

	// Taps wait for the aligned trigger so they coalesce; sales and expenses
	// go out as soon as they are recorded.
	a.Recorder.OnRecorded(func(k model.Kind) {
		if k != model.KindVisitorCounts {
			coord.Nudge(string(k))
		}
	})

	var bg sync.WaitGroup
	spawn := func(fn func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn()
		}()
	}

	// Without a health URL a mysql remote is probed by pinging it, so the
	// loops are triggered as soon as the database comes back.
	prober := &connectivity.Prober{URL: cfg.Remote.HealthURL, Monitor: monitor, Logger: logger}
	if gw, ok := a.Gateway.(*remote.GormGateway); ok && prober.URL == "" {
		prober.Check = gw.Ping
	}
	if prober.URL != "" || prober.Check != nil {
		spawn(func() { prober.Run(ctx) })
	}

	w := &feed.Watcher{
		Poll:     cfg.Sync.PollInterval,
		BranchID: cfg.BranchID,
		Refresh:  a.Engine.PullMenus,
		Logger:   logger,
	}
	if cfg.Kafka.Bootstrap != "" && cfg.Kafka.ChangeTopic != "" {
		src := feed.NewKafkaSource(cfg.Kafka.Bootstrap, cfg.Kafka.ChangeTopic, cfg.Kafka.ChangeGroup)
		defer src.Close()
		w.Source = src
	}
	spawn(func() { w.Run(ctx) })

	if cfg.Sync.BackupInterval > 0 {
		spawn(func() { backupLoop(ctx, a, cfg.Sync.BackupInterval, logger) })
	}

	coord.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(api.Deps{Recorder: a.Recorder, Engine: a.Engine, Coordinator: coord, Metrics: a.Metrics, Logger: logger, CORSOrigins: cfg.CORSOrigins}).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("register API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("http shutdown")
	}
	stop()
	coord.Stop()
	bg.Wait()
	return err
}

// backupLoop snapshots the store every interval and keeps the backup age
// gauge current in between.
func backupLoop(ctx context.Context, a *app.App, every time.Duration, logger logrus.FieldLogger) {
	svc := a.Backups()
	var last time.Time
	take := func() {
		if _, err := svc.Backup(); err != nil {
			config.LogError(logger, "posd", "backupLoop", "periodic backup", nil, err)
			return
		}
		last = time.Now()
		a.Metrics.LastBackupAgeSec.Set(0)
	}
	take()

	backups := time.NewTicker(every)
	defer backups.Stop()
	age := time.NewTicker(15 * time.Second)
	defer age.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-backups.C:
			take()
		case <-age.C:
			if !last.IsZero() {
				a.Metrics.LastBackupAgeSec.Set(time.Since(last).Seconds())
			}
		}
	}
}
