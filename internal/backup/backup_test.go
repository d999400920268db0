package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/store"
)

func seeded(t *testing.T) store.Store {
	t.Helper()
	st := store.NewInMemoryStore()
	put := func(kind model.Kind, id string, synced bool) {
		env := model.Envelope{ID: id, BranchID: "b1", Synced: synced}
		if err := store.SetJSON(st, store.PendingKey(kind, id), model.Expense{Envelope: env, Label: "x"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	put(model.KindTransactions, "t1", false)
	put(model.KindTransactions, "t2", true)
	put(model.KindVisitorCounts, "v1", false)
	if err := st.Set(store.KeySeqCounter, []byte("3")); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	return st
}

func TestBackupThenRestoreOntoFreshStore(t *testing.T) {
	dir := t.TempDir()
	src := seeded(t)
	snaps := NewFilesystemSnapshotter(filepath.Join(dir, "snapshots"))
	man := NewFilesystemManifest(dir)
	svc := NewService(src, snaps, man, "b1", nil)
	svc.now = func() time.Time { return time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC) }

	m, err := svc.Backup()
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if m.Keys != 4 || m.Unsynced != 2 || m.BranchID != "b1" || m.SnapshotID != "20260801T180000.000Z" {
		t.Fatalf("manifest: %+v", m)
	}
	if _, err := os.Stat(filepath.Join(dir, "snapshots", m.SnapshotID, "state.json")); err != nil {
		t.Fatalf("state.json missing: %v", err)
	}

	dst := store.NewInMemoryStore()
	res, err := NewRestorer(dst, snaps, man, nil).RestoreLatest(false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Applied != 4 || res.Unsynced != 2 || res.Manifest.SnapshotID != m.SnapshotID {
		t.Fatalf("result: %+v", res)
	}
	seq, err := dst.Get(store.KeySeqCounter)
	if err != nil || string(seq) != "3" {
		t.Fatalf("counter=%q err=%v", seq, err)
	}
	var ex model.Expense
	if ok, err := store.GetJSON(dst, store.PendingKey(model.KindTransactions, "t1"), &ex); !ok || err != nil || ex.Synced {
		t.Fatalf("pending record not restored: %+v ok=%v err=%v", ex, ok, err)
	}
}

func TestRestoreRefusesNonEmptyStoreUnlessForced(t *testing.T) {
	dir := t.TempDir()
	snaps := NewFilesystemSnapshotter(dir)
	if _, err := snaps.WriteSnapshot("s1", seeded(t)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	dst := store.NewInMemoryStore()
	if err := dst.Set("stale/key", []byte(`"old"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	r := NewRestorer(dst, snaps, nil, nil)
	if _, err := r.RestoreFromSnapshot("s1", false); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("want ErrNotEmpty, got %v", err)
	}
	if _, err := dst.Get(store.KeySeqCounter); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("refused restore must not write anything")
	}

	res, err := r.RestoreFromSnapshot("s1", true)
	if err != nil || res.Replaced != 1 {
		t.Fatalf("forced restore: %+v err=%v", res, err)
	}
	if _, err := dst.Get("stale/key"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale key survived a forced restore")
	}
}

func TestReadLatestWithoutManifest(t *testing.T) {
	if _, err := NewFilesystemManifest(t.TempDir()).ReadLatest(); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

// fakeKafkaReader replays msgs then blocks until the context expires.
type fakeKafkaReader struct {
	msgs []kafka.Message
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaManifestKeepsLastRecordForKey(t *testing.T) {
	w := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(w, func() kafkaMessageReader { return &fakeKafkaReader{msgs: w.msgs} }, "pos-manifest-b1")
	km.timeout = 20 * time.Millisecond

	for _, id := range []string{"s1", "s2"} {
		if err := km.PublishLatest(Manifest{SnapshotID: id, BranchID: "b1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	other, _ := json.Marshal(Manifest{SnapshotID: "other"})
	w.msgs = append(w.msgs, kafka.Message{Key: []byte("pos-manifest-b2"), Value: other})
	if string(w.msgs[0].Key) != "pos-manifest-b1" {
		t.Fatalf("bad key: %s", w.msgs[0].Key)
	}

	got, err := km.ReadLatest()
	if err != nil || got.SnapshotID != "s2" {
		t.Fatalf("latest=%+v err=%v", got, err)
	}

	empty := NewKafkaManifestWith(w, func() kafkaMessageReader { return &fakeKafkaReader{} }, "k")
	empty.timeout = 10 * time.Millisecond
	if _, err := empty.ReadLatest(); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}

func TestMultiPublisherStopsOnFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	last := &fakeKafkaWriter{}
	p := MultiPublisher(
		NewKafkaManifestWith(ok, nil, "k"),
		NewKafkaManifestWith(bad, nil, "k"),
		NewKafkaManifestWith(last, nil, "k"),
	)
	if err := p.PublishLatest(Manifest{SnapshotID: "s"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(ok.msgs) != 1 || len(last.msgs) != 0 {
		t.Fatalf("ok=%d last=%d", len(ok.msgs), len(last.msgs))
	}
}

func TestAuditJournal(t *testing.T) {
	dir := t.TempDir()
	jw, err := changelog.NewFileWriter(dir, "journal.jsonl")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := func(id string, op changelog.Op, at time.Time) changelog.Event {
		return changelog.Event{Kind: model.KindTransactions, RecordID: id, BranchID: "b1", Op: op, TS: at.Unix()}
	}
	later := since.Add(time.Hour)
	if err := jw.Append(
		ev("old", changelog.OpRecorded, since.Add(-time.Hour)),
		ev("pushed", changelog.OpRecorded, later),
		ev("pushed", changelog.OpPushed, later),
		ev("t1", changelog.OpRecorded, later),
		ev("lost", changelog.OpRecorded, later),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	a, err := AuditJournal(jw.Path(), since, seeded(t))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if a.Scanned != 5 || a.Recorded != 3 || a.Confirmed != 1 || a.Present != 1 {
		t.Fatalf("audit: %+v", a)
	}
	if len(a.Missing) != 1 || a.Missing[0] != "b1#transactions#lost" {
		t.Fatalf("missing=%v", a.Missing)
	}
}

func TestFirstReaderFallsThroughMissingManifests(t *testing.T) {
	empty := NewFilesystemManifest(t.TempDir())
	full := NewFilesystemManifest(t.TempDir())
	if err := full.PublishLatest(Manifest{SnapshotID: "s2", BranchID: "b1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m, err := FirstReader(empty, full).ReadLatest()
	if err != nil || m.SnapshotID != "s2" {
		t.Fatalf("got %+v err=%v", m, err)
	}
	if _, err := FirstReader(empty).ReadLatest(); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}
