package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes raw messages for one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, payload []byte) error
}

// Config controls broker connectivity and the worker pool.
type Config struct {
	Brokers     []string      `yaml:"brokers"`
	GroupID     string        `yaml:"group_id" default:"forecastrun"`
	WorkerCount int           `yaml:"worker_count" default:"4"`
	BufferSize  int           `yaml:"buffer_size" default:"64"`
	RetryMax    int           `yaml:"retry_max" default:"3"`
	BackoffMin  time.Duration `yaml:"backoff_min" default:"50ms"`
	BackoffMax  time.Duration `yaml:"backoff_max" default:"2s"`
	MinBytes    int           `yaml:"min_bytes" default:"1"`
	MaxBytes    int           `yaml:"max_bytes" default:"10000000"`
}

type inbound struct {
	topic string
	km    kafka.Message
}

// Consumer reads registered topics through a shared worker pool.
// Handler failures are retried with jittered backoff; messages that
// still fail are logged and skipped so one poison payload cannot stall
// a partition.
type Consumer struct {
	cfg      Config
	readers  map[string]*kafka.Reader
	handlers map[string]MessageHandler
	inbox    chan inbound
	stop     chan struct{}
	stopOnce sync.Once
	readerWG sync.WaitGroup
	workerWG sync.WaitGroup
}

func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: no brokers configured")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 50 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	return &Consumer{
		cfg:      cfg,
		readers:  make(map[string]*kafka.Reader),
		handlers: make(map[string]MessageHandler),
		inbox:    make(chan inbound, cfg.BufferSize),
		stop:     make(chan struct{}),
	}, nil
}

// Register attaches a handler. Must be called before Start.
func (c *Consumer) Register(h MessageHandler) {
	if _, ok := c.handlers[h.Topic()]; ok {
		log.Warn().Str("topic", h.Topic()).Msg("handler already registered, keeping first")
		return
	}
	c.handlers[h.Topic()] = h
}

// Start launches one reader goroutine per topic plus the worker pool.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("kafka consumer: no handlers registered")
	}

	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workerWG.Add(1)
		go c.worker()
	}
	for topic, reader := range c.readers {
		c.readerWG.Add(1)
		go c.readLoop(topic, reader)
	}

	log.Info().
		Strs("brokers", c.cfg.Brokers).
		Str("group", c.cfg.GroupID).
		Int("topics", len(c.readers)).
		Int("workers", c.cfg.WorkerCount).
		Msg("kafka intake started")
	return nil
}

// Stop drains goroutines and closes all readers. Safe to call twice.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		close(c.stop)

		// Readers must be gone before the inbox closes: a reader racing
		// between the stop signal and a pending send would otherwise hit
		// a closed channel.
		done := make(chan struct{})
		go func() {
			c.readerWG.Wait()
			close(c.inbox)
			c.workerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = fmt.Errorf("kafka consumer shutdown: %w", ctx.Err())
		}

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("reader close failed")
			}
		}
		log.Info().Msg("kafka intake stopped")
	})
	return stopErr
}

func (c *Consumer) readLoop(topic string, reader *kafka.Reader) {
	defer c.readerWG.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		km, err := reader.ReadMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Err(err).Str("topic", topic).Msg("kafka read failed")
			}
			continue
		}

		select {
		case c.inbox <- inbound{topic: topic, km: km}:
		case <-c.stop:
			return
		}
	}
}

func (c *Consumer) worker() {
	defer c.workerWG.Done()
	for msg := range c.inbox {
		handler, ok := c.handlers[msg.topic]
		if !ok {
			continue
		}
		c.dispatch(handler, msg)
	}
}

func (c *Consumer) dispatch(handler MessageHandler, msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", msg.topic).Interface("panic", r).Msg("handler panicked")
		}
	}()

	var err error
	for attempt := 1; ; attempt++ {
		err = handler.Handle(context.Background(), msg.km.Value)
		if err == nil || attempt > c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)):
		case <-c.stop:
			return
		}
	}
	if err != nil {
		log.Error().Err(err).
			Str("topic", msg.topic).
			Int64("offset", msg.km.Offset).
			Msg("message dropped after retries")
	}
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}
