package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// txProducer is the subset of *ck.Producer used by TxWriter.
type txProducer interface {
	BeginTransaction() error
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	Close()
}

// TxWriter publishes each Append as one Kafka transaction, so consumers
// reading with isolation.level=read_committed see a pass's events together
// or not at all.
type TxWriter struct {
	p       txProducer
	topic   string
	timeout time.Duration
}

func NewTxWriter(bootstrap, topic, transactionalID string) (*TxWriter, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
		"transactional.id":   transactionalID,
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.InitTransactions(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("init tx: %w", err)
	}
	return &TxWriter{p: p, topic: topic, timeout: 10 * time.Second}, nil
}

// NewTxWriterWith is only for tests to inject a fake producer.
func NewTxWriterWith(p txProducer, topic string) *TxWriter {
	return &TxWriter{p: p, topic: topic, timeout: time.Second}
}

func (w *TxWriter) Append(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.p.BeginTransaction(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for i := range events {
		val, err := json.Marshal(&events[i])
		if err != nil {
			_ = w.p.AbortTransaction(ctx)
			return fmt.Errorf("marshal: %w", err)
		}
		msg := &ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &w.topic, Partition: ck.PartitionAny},
			Key:            []byte(events[i].Key()),
			Value:          val,
		}
		if err := w.p.Produce(msg, nil); err != nil {
			_ = w.p.AbortTransaction(ctx)
			return fmt.Errorf("produce: %w", err)
		}
	}
	_ = w.p.Flush(int(w.timeout / time.Millisecond))
	if err := w.p.CommitTransaction(ctx); err != nil {
		_ = w.p.AbortTransaction(ctx)
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (w *TxWriter) Close() error {
	w.p.Close()
	return nil
}
