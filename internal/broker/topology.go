// Package broker moves ready ScheduledMessages through RabbitMQ: a durable work
// queue that dead-letters rejected deliveries into failed_messages, and a set
// of per-attempt delay queues that feed retries back into the work queue once
// their TTL expires.
package broker

import (
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueName            = "message_sending_queue"
	DeadLetterExchange   = "dlx"
	DeadLetterRoutingKey = "failed"
	FailedQueue          = "failed_messages"
)

// Declarer is the subset of *amqp.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares the work queue and its dead-letter route. It is idempotent.
func DeclareTopology(ch Declarer) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", FailedQueue, err)
	}
	if err := ch.QueueBind(FailedQueue, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", FailedQueue, err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueName, err)
	}
	return nil
}

// RetryDelay is the backoff before redelivering a payload whose current
// retryCount is n: 2^(n+1) seconds.
func RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(math.Pow(2, float64(n+1))) * time.Second
}

// RetryQueueName names the delay queue holding payloads for attempt n (n >= 1).
func RetryQueueName(n int) string {
	return fmt.Sprintf("%s.retry.%d", QueueName, n)
}

// declareRetryQueue declares the delay queue for attempt n. Messages expire
// after RetryDelay(n-1) and are dead-lettered back into the work queue.
func declareRetryQueue(ch Declarer, n int) (string, error) {
	name := RetryQueueName(n)
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             RetryDelay(n - 1).Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": QueueName,
	})
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	return name, nil
}
