// Package feed tells the register when remote menus may have changed. A
// pushed change feed and a slow poll run side by side; either one refreshes.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"stallpos/internal/changelog"
)

const DefaultPollInterval = 15 * time.Second

var ErrMalformed = errors.New("feed: malformed change")

// Change is one remote row change as published on the change topic.
type Change struct {
	Table    string    `json:"table"`
	ID       string    `json:"id"`
	BranchID string    `json:"branchId"`
	Op       string    `json:"op"`
	At       time.Time `json:"at"`
}

type Source interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaSource struct {
	reader kafkaMessageReader
}

// NewKafkaSource consumes the change topic with a consumer group so a
// restarted register resumes where it stopped.
func NewKafkaSource(bootstrap, topic, groupID string) *KafkaSource {
	return &KafkaSource{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  changelog.Brokers(bootstrap),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// NewKafkaSourceWith is only for tests to inject a fake reader.
func NewKafkaSourceWith(r kafkaMessageReader) *KafkaSource {
	return &KafkaSource{reader: r}
}

func (k *KafkaSource) Next(ctx context.Context) (Change, error) {
	m, err := k.reader.ReadMessage(ctx)
	if err != nil {
		return Change{}, err
	}
	var c Change
	if err := json.Unmarshal(m.Value, &c); err != nil {
		return Change{}, fmt.Errorf("%w: offset %d: %v", ErrMalformed, m.Offset, err)
	}
	return c, nil
}

func (k *KafkaSource) Close() error { return k.reader.Close() }

// RefreshFunc pulls fresh remote state. source is "feed" or "poll".
type RefreshFunc func(ctx context.Context, source string) (int, error)

type Watcher struct {
	Source   Source
	Poll     time.Duration
	BranchID string
	// Tables limits which changes trigger a refresh. Empty means menus only.
	Tables  []string
	Refresh RefreshFunc
	Logger  logrus.FieldLogger
}

// Run blocks until ctx is done. The push path and the poll path run on
// separate goroutines and never wait on each other.
func (w *Watcher) Run(ctx context.Context) {
	log := w.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	var wg sync.WaitGroup
	if w.Source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.push(ctx, log)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.poll(ctx, log)
	}()
	wg.Wait()
}

func (w *Watcher) push(ctx context.Context, log logrus.FieldLogger) {
	backoff := time.Second
	for {
		c, err := w.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrMalformed) {
				log.WithError(err).Warn("skipping malformed change")
				continue
			}
			log.WithError(err).WithField("backoff", backoff).Warn("change feed read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if !w.relevant(c) {
			continue
		}
		w.refresh(ctx, log, "feed")
	}
}

func (w *Watcher) poll(ctx context.Context, log logrus.FieldLogger) {
	interval := w.Poll
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.refresh(ctx, log, "poll")
		}
	}
}

func (w *Watcher) relevant(c Change) bool {
	if w.BranchID != "" && c.BranchID != "" && c.BranchID != w.BranchID {
		return false
	}
	tables := w.Tables
	if len(tables) == 0 {
		tables = []string{"menus"}
	}
	for _, t := range tables {
		if c.Table == t {
			return true
		}
	}
	return false
}

func (w *Watcher) refresh(ctx context.Context, log logrus.FieldLogger, source string) {
	if w.Refresh == nil {
		return
	}
	if _, err := w.Refresh(ctx, source); err != nil && ctx.Err() == nil {
		log.WithError(err).WithField("source", source).Warn("refresh failed")
	}
}
