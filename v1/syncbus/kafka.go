package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

const kafkaTopicPrefix = "qsync.lock."

// KafkaBus implements Bus on Kafka, one single partition topic per key. Keys
// must therefore be valid topic name suffixes.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	subs      map[string]sarama.PartitionConsumer
	fan       *fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
		fan:      newFanout(),
	}, nil
}

func kafkaTopic(key string) string { return kafkaTopicPrefix + key }

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return errBusClosed
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(evt.Key),
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. Only events published after the
// subscription are delivered.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, errBusClosed
	}
	ch, first, err := b.fan.add(key)
	if err != nil {
		return nil, err
	}
	if first {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.fan.remove(key, ch)
			return nil, err
		}
		b.mu.Lock()
		b.subs[key] = pc
		b.mu.Unlock()
		go b.dispatch(pc)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		evt, err := decodeEvent(msg.Value)
		if err != nil {
			slog.Warn("qsync: dropping malformed Kafka event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		b.fan.deliver(evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if _, last := b.fan.remove(key, ch); !last {
		return nil
	}
	b.mu.Lock()
	pc := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Close releases the producer, the consumer and the client.
func (b *KafkaBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	for key, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.fan.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
