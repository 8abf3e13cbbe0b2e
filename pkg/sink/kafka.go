package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/orchestrator"
)

const (
	kafkaSinkName  = "kafka"
	kafkaQueueSize = 256
)

var (
	errKafkaNilWriter  = errors.New("kafka sink requires a writer")
	errKafkaNotStarted = errors.New("kafka sink not started")
)

// KafkaConfig selects the topic events are written to. Messages are keyed by device id so that
// every event of one device lands on the same partition, in order.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Acks is the number of acknowledgements required: 0, 1 or -1 for all replicas.
	Acks   int
	Format Format
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaWriteCloser interface {
	Close() error
}

// Kafka queues events and writes them from a background goroutine.
type Kafka struct {
	cfg       KafkaConfig
	writer    kafkaMessageWriter
	closer    kafkaWriteCloser
	metrics   *metrics.Metrics
	logger    log.Logger
	queue     chan kafka.Message
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// NewKafka creates a sink writing to cfg.Topic. Call Start before publishing.
func NewKafka(cfg KafkaConfig, m *metrics.Metrics) (*Kafka, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
	}
	return newKafkaWithWriter(cfg, m, writer, writer)
}

func newKafkaWithWriter(cfg KafkaConfig, m *metrics.Metrics, writer kafkaMessageWriter, closer kafkaWriteCloser) (*Kafka, error) {
	if writer == nil {
		return nil, errKafkaNilWriter
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &Kafka{
		cfg:     cfg,
		writer:  writer,
		closer:  closer,
		metrics: m,
		logger:  log.For("sink.kafka"),
		queue:   make(chan kafka.Message, kafkaQueueSize),
	}, nil
}

// Start launches the delivery loop. It stops when ctx is cancelled or Stop is called.
func (k *Kafka) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	k.startOnce.Do(func() {
		k.runCtx, k.cancel = context.WithCancel(ctx)
		k.started.Store(true)
		k.wg.Add(1)
		go k.run()
		k.logger.Info("Publishing to topic %s", k.cfg.Topic)
	})
	if !k.started.Load() {
		return errKafkaNotStarted
	}
	return nil
}

// Stop ends the delivery loop after draining queued events, then closes the writer.
func (k *Kafka) Stop(ctx context.Context) error {
	var stopErr error
	k.stopOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		done := make(chan struct{})
		go func() {
			k.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if k.closer != nil {
			if err := k.closer.Close(); err != nil {
				k.logger.Warning("Error closing writer: %s", err)
			}
		}
		k.metrics.SetSinkQueueDepth(kafkaSinkName, 0)
	})
	return stopErr
}

// Publish queues ev. It never blocks: a full queue drops the event and returns ErrQueueFull.
func (k *Kafka) Publish(_ context.Context, ev orchestrator.Event) error {
	if !k.started.Load() {
		return errKafkaNotStarted
	}
	value, err := Encode(k.cfg.Format, ev)
	if err != nil {
		k.metrics.SinkPublish(kafkaSinkName, false)
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.DeviceID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "content-type", Value: []byte(k.cfg.Format.ContentType())},
		},
	}
	select {
	case k.queue <- msg:
		k.metrics.SetSinkQueueDepth(kafkaSinkName, len(k.queue))
		return nil
	default:
		k.metrics.SinkPublish(kafkaSinkName, false)
		return ErrQueueFull
	}
}

func (k *Kafka) run() {
	defer k.wg.Done()
	for {
		select {
		case <-k.runCtx.Done():
			k.drain()
			k.started.Store(false)
			return
		case msg := <-k.queue:
			k.metrics.SetSinkQueueDepth(kafkaSinkName, len(k.queue))
			k.deliver(k.runCtx, msg)
		}
	}
}

// drain writes whatever is still queued. The run context is already cancelled at this point.
func (k *Kafka) drain() {
	for {
		select {
		case msg := <-k.queue:
			k.deliver(context.Background(), msg)
		default:
			return
		}
	}
}

func (k *Kafka) deliver(ctx context.Context, msg kafka.Message) {
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.metrics.SinkPublish(kafkaSinkName, false)
		k.logger.Warning("Failed to write event for %s: %s", msg.Key, err)
		return
	}
	k.metrics.SinkPublish(kafkaSinkName, true)
}
