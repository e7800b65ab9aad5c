package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("broker not connected")

type QueueInfo struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messageCount"`
	Consumers int    `json:"consumerCount"`
}

// Client owns the AMQP connection shared by the producer, consumer and stats.
type Client struct {
	conn *amqp.Connection
	log  zerolog.Logger
}

// Dial connects to url, retrying up to attempts times with pause between tries.
func Dial(ctx context.Context, url string, attempts int, pause time.Duration, log zerolog.Logger) (*Client, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			log.Info().Int("attempt", i).Msg("rabbitmq connected")
			return &Client{conn: conn, log: log}, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i).Int("attempts", attempts).Msg("rabbitmq connect failed")

		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
	return nil, fmt.Errorf("connect rabbitmq: %w", lastErr)
}

func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) Channel() (*amqp.Channel, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.conn.Channel()
}

// Setup declares the queue topology on a short-lived channel.
func (c *Client) Setup() error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return DeclareTopology(ch)
}

// QueueInfo reads the depth of a queue. A passive declare closes the channel
// when the queue is missing, so each call uses its own channel.
func (c *Client) QueueInfo(_ context.Context, name string) (QueueInfo, error) {
	ch, err := c.Channel()
	if err != nil {
		return QueueInfo{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("inspect queue %s: %w", name, err)
	}
	return QueueInfo{Queue: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	err := c.conn.Close()
	c.log.Info().Msg("rabbitmq disconnected")
	return err
}
