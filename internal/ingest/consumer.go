package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer delivers submissions from a message queue.
type Consumer interface {
	// Consume blocks until a message is received or ctx is done. ack(true)
	// commits the message; ack(false) leaves it uncommitted for a later
	// session. Nothing is redelivered within a session.
	Consume(ctx context.Context) (msg *Message, ack func(success bool), err error)
	Close() error
}

// KafkaConfig configures a KafkaConsumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaConsumer reads submissions from a Kafka topic with manual commits.
// Offsets are committed only up to the oldest message still in flight on each
// partition, so concurrent workers never commit past unfinished work.
type KafkaConsumer struct {
	reader  *kafka.Reader
	offsets *offsetTracker
	logger  *zap.Logger
}

// NewKafkaConsumer creates a KafkaConsumer.
func NewKafkaConsumer(cfg KafkaConfig, logger *zap.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("incomplete kafka configuration: brokers, topic and group_id are all required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // synchronous commits from ack
	})
	logger.Info("kafka consumer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
	)
	return &KafkaConsumer{reader: r, offsets: newOffsetTracker(), logger: logger}, nil
}

// Consume implements Consumer. ack(false) leaves the message uncommitted, and
// with it every later offset of its partition, until the next session
// redelivers it.
func (k *KafkaConsumer) Consume(ctx context.Context) (*Message, func(bool), error) {
	km, err := k.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("fetch kafka message: %w", err)
	}
	k.offsets.fetched(km)

	var msg Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		// A message that cannot be decoded never will be; skip past it.
		k.logger.Warn("discarding undecodable kafka message",
			zap.Int64("offset", km.Offset),
			zap.Int("partition", km.Partition),
			zap.Error(err),
		)
		k.commit(km)
		return nil, nil, fmt.Errorf("decode kafka message: %w", err)
	}

	ack := func(success bool) {
		if !success {
			k.logger.Warn("kafka message left uncommitted",
				zap.Int("partition", km.Partition),
				zap.Int64("offset", km.Offset),
				zap.String("request_id", msg.RequestID),
			)
			return
		}
		k.commit(km)
	}
	return &msg, ack, nil
}

func (k *KafkaConsumer) commit(km kafka.Message) {
	upTo, ok := k.offsets.done(km)
	if !ok {
		return
	}
	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.reader.CommitMessages(commitCtx, upTo); err != nil {
		k.logger.Error("commit kafka offset",
			zap.Int("partition", upTo.Partition),
			zap.Int64("offset", upTo.Offset),
			zap.Error(err),
		)
	}
}

// Close implements Consumer.
func (k *KafkaConsumer) Close() error {
	return k.reader.Close()
}

// MockConsumer serves messages from memory. Like Kafka it never redelivers a
// message within a session: a nacked message is only reported on Nacked.
type MockConsumer struct {
	messages chan *Message
	acked    chan *Message
	nacked   chan *Message
}

// NewMockConsumer creates a MockConsumer preloaded with msgs.
func NewMockConsumer(msgs ...*Message) *MockConsumer {
	m := &MockConsumer{
		messages: make(chan *Message, len(msgs)+16),
		acked:    make(chan *Message, len(msgs)+16),
		nacked:   make(chan *Message, len(msgs)+16),
	}
	for _, msg := range msgs {
		m.messages <- msg
	}
	return m
}

// Acked delivers every message acknowledged with success.
func (m *MockConsumer) Acked() <-chan *Message {
	return m.acked
}

// Nacked delivers every message released without success.
func (m *MockConsumer) Nacked() <-chan *Message {
	return m.nacked
}

// Consume implements Consumer.
func (m *MockConsumer) Consume(ctx context.Context) (*Message, func(bool), error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case msg, ok := <-m.messages:
		if !ok {
			return nil, nil, errors.New("mock consumer closed")
		}
		ack := func(success bool) {
			if success {
				m.acked <- msg
				return
			}
			m.nacked <- msg
		}
		return msg, ack, nil
	}
}

// Close implements Consumer.
func (m *MockConsumer) Close() error {
	close(m.messages)
	return nil
}

var (
	_ Consumer = (*KafkaConsumer)(nil)
	_ Consumer = (*MockConsumer)(nil)
)
