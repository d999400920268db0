package backup

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"stallpos/internal/store"
)

// Service takes a snapshot and publishes it as the latest manifest.
type Service struct {
	st       store.Reader
	snaps    Snapshotter
	pub      Publisher
	branchID string
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewService(st store.Reader, snaps Snapshotter, pub Publisher, branchID string, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Service{st: st, snaps: snaps, pub: pub, branchID: branchID, now: time.Now, log: log}
}

// SnapshotID names a snapshot after its UTC creation time.
func SnapshotID(t time.Time) string { return t.UTC().Format("20060102T150405.000Z") }

// Backup writes a snapshot and only then moves the manifest to it, so the
// manifest never names an incomplete snapshot.
func (s *Service) Backup() (Manifest, error) {
	now := s.now()
	id := SnapshotID(now)
	dump, err := s.snaps.WriteSnapshot(id, s.st)
	if err != nil {
		return Manifest{}, fmt.Errorf("write snapshot: %w", err)
	}
	m := Manifest{
		SnapshotID:           id,
		BranchID:             s.branchID,
		Keys:                 len(dump),
		Unsynced:             dump.Unsynced(),
		CreatedAtEpochSecond: now.UTC().Unix(),
	}
	if err := s.pub.PublishLatest(m); err != nil {
		return Manifest{}, fmt.Errorf("publish manifest: %w", err)
	}
	s.log.WithFields(logrus.Fields{"snapshot_id": id, "keys": m.Keys, "unsynced": m.Unsynced}).Info("backup written")
	return m, nil
}
