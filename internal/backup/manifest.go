package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"stallpos/internal/changelog"
)

var ErrNoManifest = errors.New("backup: no manifest found")

// Manifest points at the latest complete snapshot of a register.
type Manifest struct {
	SnapshotID           string `json:"snapshotId"`
	BranchID             string `json:"branchId"`
	Keys                 int    `json:"keys"`
	Unsynced             int    `json:"unsynced"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

func (m Manifest) CreatedAt() time.Time { return time.Unix(m.CreatedAtEpochSecond, 0).UTC() }

type Publisher interface {
	PublishLatest(m Manifest) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

// multiPublisher writes to multiple publishers sequentially.
type multiPublisher struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &multiPublisher{pubs: pubs}
}

func (m *multiPublisher) PublishLatest(man Manifest) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(man); err != nil {
			return err
		}
	}
	return nil
}

// firstReader tries readers in order and returns the first manifest found.
type firstReader struct {
	readers []Reader
}

func FirstReader(readers ...Reader) Reader {
	return &firstReader{readers: readers}
}

func (f *firstReader) ReadLatest() (Manifest, error) {
	for _, r := range f.readers {
		m, err := r.ReadLatest()
		if errors.Is(err, ErrNoManifest) {
			continue
		}
		return m, err
	}
	return Manifest{}, ErrNoManifest
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) file() string { return filepath.Join(f.baseDir, "manifest.latest.json") }

func (f *FilesystemManifest) PublishLatest(m Manifest) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := f.file() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(tmp, f.file())
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(f.file())
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaManifest keeps manifest.latest as a keyed record on a compacted topic,
// one key per branch.
type KafkaManifest struct {
	writer    kafkaMessageWriter
	newReader func() kafkaMessageReader
	key       []byte
	timeout   time.Duration
}

func NewKafkaManifest(bootstrap, topic, key string) *KafkaManifest {
	brokers := changelog.Brokers(bootstrap)
	return &KafkaManifest{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		newReader: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:     []byte(key),
		timeout: 10 * time.Second,
	}
}

// NewKafkaManifestWith is only for tests to inject fakes.
func NewKafkaManifestWith(w kafkaMessageWriter, newReader func() kafkaMessageReader, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, newReader: newReader, key: []byte(key), timeout: time.Second}
}

func (k *KafkaManifest) PublishLatest(m Manifest) error {
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{Key: k.key, Value: b})
}

// ReadLatest scans the topic from the start and keeps the last record for
// the key. The topic is small and compacted, so a full scan is cheap.
func (k *KafkaManifest) ReadLatest() (Manifest, error) {
	r := k.newReader()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	var last Manifest
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(msg.Key) != string(k.key) {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = m
	}
	if last.SnapshotID == "" {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
