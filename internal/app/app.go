// Package app wires a register's components from a Config. Both binaries
// build on it so posd and posctl always agree on storage and journal layout.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"stallpos/internal/backup"
	"stallpos/internal/changelog"
	"stallpos/internal/config"
	"stallpos/internal/metrics"
	"stallpos/internal/model"
	"stallpos/internal/reconcile"
	"stallpos/internal/recorder"
	"stallpos/internal/remote"
	"stallpos/internal/store"
)

type App struct {
	Config   config.Config
	Log      *logrus.Logger
	Store    store.Store
	Gateway  remote.Gateway
	Journal  changelog.Writer
	Metrics  *metrics.Registry
	Recorder *recorder.Recorder
	Engine   *reconcile.Engine

	closers []io.Closer
}

// Open builds every component. It never waits on the network: a mysql remote
// is dialled on first use, so an unreachable server leaves the register
// recording locally while reconcile passes fail and retry.
func Open(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st)

	journal, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	a.Journal = journal

	gw, err := a.openGateway()
	if err != nil {
		return nil, err
	}
	a.Gateway = gw

	a.Recorder = recorder.New(st, recorder.Options{BranchID: cfg.BranchID, Logger: log, Journal: journal})
	a.Recorder.OnRecorded(func(k model.Kind) { a.Metrics.Recorded.WithLabelValues(string(k)).Inc() })
	a.Engine = reconcile.New(st, gw, reconcile.Options{
		BranchID:      cfg.BranchID,
		BucketMinutes: cfg.Sync.BucketMinutes,
		KeepSynced:    cfg.Sync.KeepSynced,
		Logger:        log,
		Journal:       journal,
		Metrics:       a.Metrics,
		Menus:         a.Recorder,
	})
	ok = true
	return a, nil
}

func OpenStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewInMemoryStore(), nil
	case "pebble", "":
		st, err := store.NewPebbleStore(cfg.StoreDir())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	case "badger":
		st, err := store.NewBadgerStore(cfg.StoreDir())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func (a *App) openJournal() (changelog.Writer, error) {
	cfg := a.Config
	file := func() (changelog.Writer, error) {
		return changelog.NewFileWriter(cfg.JournalDir(), cfg.Journal.File)
	}
	switch cfg.Journal.Sink {
	case "off", "":
		return changelog.Nop{}, nil
	case "file":
		return file()
	case "kafka":
		return changelog.NewKafkaWriter(cfg.Kafka.Bootstrap, cfg.Kafka.JournalTopic), nil
	case "both":
		fw, err := file()
		if err != nil {
			return nil, err
		}
		return changelog.NewMultiWriter(fw, changelog.NewKafkaWriter(cfg.Kafka.Bootstrap, cfg.Kafka.JournalTopic)), nil
	case "tx":
		tw, err := changelog.NewTxWriter(cfg.Kafka.Bootstrap, cfg.Kafka.JournalTopic, cfg.Kafka.TransactionalID)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.closers = append(a.closers, tw)
		return tw, nil
	}
	return nil, fmt.Errorf("unknown journal sink %q", cfg.Journal.Sink)
}

func (a *App) openGateway() (remote.Gateway, error) {
	switch a.Config.Remote.Mode {
	case "off", "":
		gw := remote.NewMemoryGateway()
		gw.SetConfigured(false)
		return gw, nil
	case "memory":
		return remote.NewMemoryGateway(), nil
	case "mysql":
		gw, err := remote.Open(a.Config.DB(), a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gw)
		return gw, nil
	}
	return nil, fmt.Errorf("unknown remote mode %q", a.Config.Remote.Mode)
}

// JournalPath returns the file journal path, empty when the journal is not
// written to a file.
func (a *App) JournalPath() string {
	switch a.Config.Journal.Sink {
	case "file", "both":
		return filepath.Join(a.Config.JournalDir(), a.Config.Journal.File)
	}
	return ""
}

// Backups builds the backup service. The manifest always goes to the
// snapshot directory and also to the manifest topic when Kafka is configured.
func (a *App) Backups() *backup.Service {
	snaps := backup.NewFilesystemSnapshotter(a.Config.SnapshotDir())
	var pub backup.Publisher = backup.NewFilesystemManifest(a.Config.SnapshotDir())
	if k := a.kafkaManifest(); k != nil {
		pub = backup.MultiPublisher(pub, k)
	}
	return backup.NewService(a.Store, snaps, pub, a.Config.BranchID, a.Log)
}

// Restorer reads the local manifest first and falls back to the manifest
// topic when the local one is missing.
func (a *App) Restorer() *backup.Restorer {
	snaps := backup.NewFilesystemSnapshotter(a.Config.SnapshotDir())
	var man backup.Reader = backup.NewFilesystemManifest(a.Config.SnapshotDir())
	if k := a.kafkaManifest(); k != nil {
		man = backup.FirstReader(man, k)
	}
	return backup.NewRestorer(a.Store, snaps, man, a.Log)
}

func (a *App) kafkaManifest() *backup.KafkaManifest {
	k := a.Config.Kafka
	if k.Bootstrap == "" || k.ManifestTopic == "" {
		return nil
	}
	return backup.NewKafkaManifest(k.Bootstrap, k.ManifestTopic, a.Config.BranchID)
}

// Close releases components in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
