package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

// Handler processes one payload. Returning an error wrapping ErrPermanent
// dead-letters the delivery; any other error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, p Payload) error
}

type HandlerFunc func(ctx context.Context, p Payload) error

func (f HandlerFunc) Handle(ctx context.Context, p Payload) error { return f(ctx, p) }

// ConsumerChannel is the subset of *amqp.Channel the consumer needs.
type ConsumerChannel interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type ConsumerOptions struct {
	Tag        string
	MaxRetries int
}

// Consumer pulls deliveries one at a time (prefetch 1) and hands them to the
// Handler synchronously.
type Consumer struct {
	ch         ConsumerChannel
	handler    Handler
	tag        string
	maxRetries int
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}

	declared map[int]string
}

func NewConsumer(ch ConsumerChannel, handler Handler, opts ConsumerOptions, log zerolog.Logger) *Consumer {
	c := &Consumer{
		ch:         ch,
		handler:    handler,
		tag:        opts.Tag,
		maxRetries: opts.MaxRetries,
		log:        log.With().Str("component", "consumer").Logger(),
		now:        time.Now,
		declared:   map[int]string{},
	}
	if c.tag == "" {
		c.tag = "automessage-consumer"
	}
	if c.maxRetries <= 0 {
		c.maxRetries = model.DefaultMaxRetries
	}
	return c
}

// Start subscribes to the work queue and processes deliveries in a background
// goroutine until Stop is called or the channel closes. In-flight handling is
// detached from ctx cancellation so a delivery is never abandoned half-way.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("consumer already running")
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := c.ch.Consume(QueueName, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", QueueName, err)
	}

	c.running = true
	c.done = make(chan struct{})
	handleCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(c.done)
		c.log.Info().Str("queue", QueueName).Msg("consumer started")
		for d := range deliveries {
			c.process(handleCtx, d)
		}
		c.log.Info().Msg("delivery stream closed")
	}()
	return nil
}

// Stop cancels the subscription, waits for the in-flight delivery to finish
// (or ctx to expire) and closes the channel.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.log.Warn().Err(err).Msg("cancel subscription")
	}

	var waitErr error
	select {
	case <-c.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return errors.Join(waitErr, err)
	}
	c.log.Info().Msg("consumer stopped")
	return waitErr
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var p Payload
	if err := json.Unmarshal(d.Body, &p); err != nil || p.ScheduledMessageID == "" {
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("malformed payload, dead-lettering")
		c.reject(d)
		return
	}

	log := c.log.With().
		Str("scheduled_id", p.ScheduledMessageID).
		Int("retry_count", p.RetryCount).
		Logger()

	err := c.invoke(ctx, p)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
			return
		}
		log.Info().Msg("message processed")
	case errors.Is(err, ErrPermanent):
		log.Error().Err(err).Msg("permanent failure, dead-lettering")
		c.reject(d)
	default:
		log.Warn().Err(err).Msg("processing failed")
		c.retry(ctx, d, p, err)
	}
}

func (c *Consumer) invoke(ctx context.Context, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, p)
}

// retry republishes p with retryCount+1 onto the delay queue for that attempt
// and acks the original delivery. Exhausted payloads and payloads whose retry
// cannot be scheduled are rejected into the dead-letter queue.
func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, p Payload, cause error) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}

	log := c.log.With().
		Str("scheduled_id", p.ScheduledMessageID).
		Int("retry_count", p.RetryCount).
		Int("max_retries", maxRetries).
		Logger()

	if p.RetryCount >= maxRetries {
		log.Error().Msg("retries exhausted, dead-lettering")
		c.reject(d)
		return
	}

	next := p
	next.RetryCount++
	next.MaxRetries = maxRetries
	next.Timestamp = c.now().UTC()
	next.LastError = cause.Error()

	if err := c.publishRetry(ctx, next); err != nil {
		log.Error().Err(err).Msg("could not schedule retry, dead-lettering")
		c.reject(d)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack after retry publish failed")
		return
	}
	log.Info().
		Int("attempt", next.RetryCount).
		Dur("delay", RetryDelay(p.RetryCount)).
		Msg("retry scheduled")
}

func (c *Consumer) publishRetry(ctx context.Context, p Payload) error {
	queue, ok := c.declared[p.RetryCount]
	if !ok {
		name, err := declareRetryQueue(c.ch, p.RetryCount)
		if err != nil {
			return err
		}
		c.declared[p.RetryCount] = name
		queue = name
	}

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, "", queue, false, false, persistent(p.ScheduledMessageID, body, p.Timestamp))
}

func (c *Consumer) reject(d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		c.log.Error().Err(err).Msg("reject failed")
	}
}
