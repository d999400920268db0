// Package changelog is the append-only sync journal. Every local recording
// and every reconcile outcome is appended as an Event so a register's
// history can be audited or replayed after a device swap.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"stallpos/internal/model"
)

type Op string

const (
	OpRecorded  Op = "recorded"
	OpCancelled Op = "cancelled"
	OpPushed    Op = "pushed"
	OpDuplicate Op = "duplicate"
	OpFailed    Op = "failed"
	OpDegraded  Op = "degraded"
	OpCollected Op = "collected"
)

type Event struct {
	Kind     model.Kind `json:"kind"`
	RecordID string     `json:"recordId"`
	BranchID string     `json:"branchId,omitempty"`
	Op       Op         `json:"op"`
	Seq      int64      `json:"seq,omitempty"`
	TS       int64      `json:"ts"`
	Detail   string     `json:"detail,omitempty"`
}

// Key is the partition key: events of one record stay ordered.
func (e Event) Key() string {
	return e.BranchID + "#" + string(e.Kind) + "#" + e.RecordID
}

type Writer interface {
	Append(events ...Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(...Event) error { return nil }

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(events ...Event) error {
	for _, w := range m.writers {
		if err := w.Append(events...); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends events as JSON lines.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	return nil
}

// KafkaWriter publishes events to a Kafka topic. Pure-Go client (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(Brokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func (k *KafkaWriter) Append(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		b, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(events[i].Key()), Value: b})
	}
	return k.writer.WriteMessages(context.Background(), msgs...)
}

// Brokers splits a comma-separated bootstrap list.
func Brokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
