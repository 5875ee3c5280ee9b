// Package events publishes security events to Kafka with an in-memory
// fallback buffer for broker outages.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
)

// Common errors
var (
	ErrProducerClosed = errors.New("producer is closed")
)

// ProducerConfig holds configuration for the security event producer
type ProducerConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// SecurityEventProducer sends security events to Kafka. When the broker is
// unavailable events land in the fallback buffer instead of failing the
// caller: verification must never block on the event pipeline.
type SecurityEventProducer struct {
	producer sarama.AsyncProducer
	topic    string
	cb       *resilience.CircuitBreaker
	buffer   *resilience.EventBuffer
	log      *logger.Logger
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewSecurityEventProducer creates a producer connected to the given brokers
func NewSecurityEventProducer(cfg ProducerConfig, cb *resilience.CircuitBreaker, log *logger.Logger) (*SecurityEventProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Net.MaxOpenRequests = 1 // Required for idempotent
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 100 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newSecurityEventProducer(producer, cfg, cb, log), nil
}

func newSecurityEventProducer(producer sarama.AsyncProducer, cfg ProducerConfig, cb *resilience.CircuitBreaker, log *logger.Logger) *SecurityEventProducer {
	p := &SecurityEventProducer{
		producer: producer,
		topic:    cfg.Topic,
		cb:       cb,
		buffer:   resilience.NewEventBuffer(cfg.BufferSize),
		log:      log.Named("security_event_producer"),
	}

	p.buffer.OnDrop(func(count int64) {
		p.log.Error("dropping oldest buffered security event",
			logger.Operation("buffer"))
	})

	p.wg.Add(2)
	go p.handleSuccesses()
	go p.handleErrors()

	return p
}

// Publish sends a security event. Broker trouble buffers the event and
// returns nil; only serialization problems or a closed producer error out.
func (p *SecurityEventProducer) Publish(ctx context.Context, event *security.Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	data, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize security event: %w", err)
	}

	_, err = p.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, p.sendDirect(data, event.UserID)
	})
	if err != nil {
		p.log.Warn("buffering security event due to Kafka unavailability",
			logger.RequestID(event.RequestID),
			logger.ErrorField(err))
		p.buffer.Add(data)
	}

	return nil
}

func (p *SecurityEventProducer) sendDirect(data []byte, key string) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("producer input timeout")
	}
}

func (p *SecurityEventProducer) handleSuccesses() {
	defer p.wg.Done()
	for range p.producer.Successes() {
		// Event delivered
	}
}

func (p *SecurityEventProducer) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.log.Error("failed to send security event to Kafka",
			logger.ErrorField(err.Err))
	}
}

// FlushBuffer resends buffered events once the broker recovers. Events that
// still fail go back into the buffer. Returns the number sent.
func (p *SecurityEventProducer) FlushBuffer(ctx context.Context) (int, error) {
	if p.cb.IsOpen() {
		return 0, errors.New("circuit breaker is open")
	}

	sent := 0
	for _, data := range p.buffer.Drain() {
		select {
		case <-ctx.Done():
			p.buffer.Add(data)
			return sent, ctx.Err()
		default:
		}

		if err := p.sendDirect(data, ""); err != nil {
			p.buffer.Add(data)
			continue
		}
		sent++
	}
	return sent, nil
}

// BufferedEvents returns the number of events waiting in the fallback buffer
func (p *SecurityEventProducer) BufferedEvents() int {
	return p.buffer.Len()
}

// DroppedEvents returns the total number of events lost to buffer overflow
func (p *SecurityEventProducer) DroppedEvents() int64 {
	return p.buffer.Dropped()
}

// Close shuts down the producer
func (p *SecurityEventProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if err := p.producer.Close(); err != nil {
		return err
	}

	p.wg.Wait()
	return nil
}
