package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// KafkaConfig configures the domain event exporter.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	BufferSize   int           `yaml:"buffer_size" json:"buffer_size"`

	// BreakerFailures consecutive write failures open the circuit; while it
	// is open queued events are dropped without contacting the brokers.
	BreakerFailures int           `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports every bus event to a Kafka topic. Events are queued and
// written by a background goroutine; a full queue drops the event.
type KafkaSink struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	queue   chan kafka.Message
	logger  *slog.Logger
	dropped func(Type)

	closeOnce sync.Once
	done      chan struct{}
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "relay.events"
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           batch,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(writer, cfg, logger), nil
}

func newKafkaSink(writer messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events.kafka")
	failures := uint32(cfg.BreakerFailures) // #nosec G115 -- positive config value
	s := &KafkaSink{
		writer: writer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "kafka-export",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		queue:  make(chan kafka.Message, cfg.BufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// OnDrop installs a callback for events dropped on a full queue.
func (s *KafkaSink) OnDrop(fn func(Type)) {
	s.dropped = fn
}

// Handle is a bus Handler.
func (s *KafkaSink) Handle(_ context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("encode event failed", "event", event.Type, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	select {
	case s.queue <- msg:
	default:
		s.drop(event.Type)
		s.logger.Warn("event export queue full", "event", event.Type)
	}
}

func (s *KafkaSink) drop(t Type) {
	if s.dropped != nil {
		s.dropped(t)
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return nil, s.writer.WriteMessages(ctx, msg)
		})
		switch {
		case err == nil:
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			s.drop(Type(headerValue(msg, "event-type")))
		default:
			s.logger.Warn("export event failed", "key", string(msg.Key), "error", err)
		}
	}
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Close flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		err = s.writer.Close()
	})
	return err
}
