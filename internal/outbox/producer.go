package outbox

import (
	"context"
	"net"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer delivers outbox batches to Kafka. Messages are keyed by
// user id and hashed onto partitions, so one user's sync events stay
// ordered. All sync events land on a single topic today, but writers are
// created per topic on first use since the dispatcher routes by the outbox
// row's topic column.
type KafkaProducer struct {
	addr    net.Addr
	writers sync.Map // topic -> *kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer for the given brokers.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{addr: kafka.TCP(brokers...)}
}

// WriteMessages writes a batch to the topic, waiting for full-ISR acks.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writer(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writer(topic string) *kafka.Writer {
	if w, ok := p.writers.Load(topic); ok {
		return w.(*kafka.Writer)
	}

	w, _ := p.writers.LoadOrStore(topic, &kafka.Writer{
		Addr:         p.addr,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	})
	return w.(*kafka.Writer)
}

// Close shuts down every writer, returning the first error encountered.
func (p *KafkaProducer) Close() error {
	var firstErr error
	p.writers.Range(func(topic, w any) bool {
		if err := w.(*kafka.Writer).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.writers.Delete(topic)
		return true
	})
	return firstErr
}
