package broker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

// Publisher is satisfied by *amqp.Channel. In confirm mode the returned
// confirmation is awaited; outside it the confirmation is nil.
type Publisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

type ProducerOptions struct {
	MaxRetries     int
	RatePerSec     int
	ConfirmTimeout time.Duration
}

type Producer struct {
	pub            Publisher
	limiter        *rate.Limiter
	maxRetries     int
	confirmTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

func NewProducer(pub Publisher, opts ProducerOptions, log zerolog.Logger) *Producer {
	p := &Producer{
		pub:            pub,
		maxRetries:     opts.MaxRetries,
		confirmTimeout: opts.ConfirmTimeout,
		log:            log.With().Str("component", "producer").Logger(),
		now:            time.Now,
	}
	if p.maxRetries <= 0 {
		p.maxRetries = model.DefaultMaxRetries
	}
	if p.confirmTimeout <= 0 {
		p.confirmTimeout = 5 * time.Second
	}
	if opts.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return p
}

// Publish sends rec to the work queue as a persistent message. It reports
// false instead of failing when the broker is unavailable; the caller owns
// the retry policy.
func (p *Producer) Publish(ctx context.Context, rec *model.ScheduledMessage) bool {
	log := p.log.With().Str("scheduled_id", rec.ID).Logger()

	if p.pub == nil {
		log.Error().Err(ErrNotConnected).Msg("publish skipped")
		return false
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("publish throttled")
			return false
		}
	}

	now := p.now()
	body, err := json.Marshal(NewPayload(rec, p.maxRetries, now))
	if err != nil {
		log.Error().Err(err).Msg("encode payload")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	dc, err := p.pub.PublishWithDeferredConfirmWithContext(ctx, "", QueueName, false, false, persistent(rec.ID, body, now))
	if err != nil {
		log.Warn().Err(err).Msg("publish failed")
		return false
	}
	if dc != nil {
		acked, err := dc.WaitContext(ctx)
		if err != nil || !acked {
			log.Warn().Err(err).Bool("acked", acked).Msg("publish not confirmed")
			return false
		}
	}

	log.Debug().Msg("scheduled message published")
	return true
}

func persistent(id string, body []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    now,
		Body:         body,
	}
}
