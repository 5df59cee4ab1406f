package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a message to be published to Kafka.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes messages to Kafka/RedPanda.
type Producer interface {
	// Publish sends a Message synchronously, waiting for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value as JSON and publishes synchronously.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// PublishAsync marshals value as JSON and enqueues it. Delivery errors are
	// logged and counted, never returned.
	PublishAsync(topic, key string, value any)
	// Flush waits for all buffered records to be delivered.
	Flush(ctx context.Context) error
	// Close flushes pending records and shuts down the producer.
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID         string
	schemaVersion      string
	maxBufferedRecords int
	linger             time.Duration
}

// WithInstanceID sets the producer instance identifier used as ClientID and in message headers.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema version included in message headers.
func WithSchemaVersion(v string) ProducerOption {
	return func(c *producerConfig) { c.schemaVersion = v }
}

// WithMaxBufferedRecords sets the maximum number of records buffered before blocking.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBufferedRecords = n }
}

// WithLinger sets the time to wait for batching before sending.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// KafkaProducer is a Kafka producer backed by franz-go.
type KafkaProducer struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool

	published atomic.Int64
	failed    atomic.Int64
}

// NewProducer creates a producer using Snappy compression and all-ISR acks.
// No connection is made until the first record is produced.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: at least one broker is required")
	}
	cfg := &producerConfig{
		instanceID:         "nexus-swap",
		schemaVersion:      "1.0.0",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Msg("bus: kafka producer created")

	return &KafkaProducer{
		client:         client,
		defaultHeaders: defaultHeaders(cfg),
	}, nil
}

func defaultHeaders(cfg *producerConfig) map[string]string {
	return map[string]string{
		"producer":       cfg.instanceID,
		"schema_version": cfg.schemaVersion,
	}
}

// messageToRecord converts a Message to a kgo.Record, injecting default headers.
func (p *KafkaProducer) messageToRecord(msg Message) *kgo.Record {
	headers := make(map[string]string, len(msg.Headers)+len(p.defaultHeaders)+1)
	for k, v := range p.defaultHeaders {
		headers[k] = v
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if _, ok := headers["event_id"]; !ok {
		headers["event_id"] = uuid.New().String()
	}

	recHeaders := make([]kgo.RecordHeader, 0, len(headers))
	for k, v := range headers {
		recHeaders = append(recHeaders, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   recHeaders,
		Timestamp: ts,
	}
}

func (p *KafkaProducer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Publish sends a Message synchronously, waiting for broker acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return fmt.Errorf("bus: producer is closed")
	}

	results := p.client.ProduceSync(ctx, p.messageToRecord(msg))
	if err := results.FirstErr(); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("bus: publish failed")
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}
	p.published.Add(1)

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("bus: message published")
	return nil
}

// PublishJSON marshals value as JSON and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal json: %w", err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// PublishAsync is the fire-and-forget path used by pipeline callbacks.
func (p *KafkaProducer) PublishAsync(topic, key string, value any) {
	if p.isClosed() {
		p.failed.Add(1)
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("topic", topic).Msg("bus: marshal json")
		return
	}

	record := p.messageToRecord(Message{Topic: topic, Key: key, Value: data})
	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("topic", r.Topic).Msg("bus: async produce failed")
			return
		}
		p.published.Add(1)
	})
}

// Flush waits for all buffered records to be delivered.
func (p *KafkaProducer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	return nil
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("bus: flush on close")
	}
	p.client.Close()
	log.Info().
		Int64("published", p.published.Load()).
		Int64("failed", p.failed.Load()).
		Msg("bus: kafka producer closed")
}

// Stats returns delivery counters.
func (p *KafkaProducer) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory.
// Used when Kafka is not configured and in unit tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []StubMessage
}

// StubMessage is a message captured by StubProducer.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

// NewStubProducer creates a new in-memory stub producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{messages: make([]StubMessage, 0, 64)}
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, StubMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value})
	p.mu.Unlock()
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) PublishAsync(topic, key string, value any) {
	if err := p.PublishJSON(context.Background(), topic, key, value); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("stub: marshal json")
	}
}

func (p *StubProducer) Flush(context.Context) error { return nil }

func (p *StubProducer) Close() {
	log.Info().Msg("stub: producer closed")
}

// Messages returns a copy of the captured messages, optionally filtered by topic.
func (p *StubProducer) Messages(topic string) []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StubMessage, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
