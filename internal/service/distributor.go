package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/broker"
	"github.com/LeventeLantos/automessage-pipeline/internal/cache"
	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
)

// Distributor turns a queue payload into a conversation message. It is the
// consumer's broker.Handler.
type Distributor struct {
	store     repo.Store
	delivered cache.DeliveryCache
	log       zerolog.Logger
	now       func() time.Time
}

var _ broker.Handler = (*Distributor)(nil)

func NewDistributor(store repo.Store, delivered cache.DeliveryCache, log zerolog.Logger) *Distributor {
	if delivered == nil {
		delivered = cache.Noop{}
	}
	return &Distributor{
		store:     store,
		delivered: delivered,
		log:       log.With().Str("component", "distributor").Logger(),
		now:       time.Now,
	}
}

// Handle delivers the scheduled message referenced by p. A missing record or
// conversation is a permanent failure. Every failure after the record was
// loaded leaves it in status failed with the error populated.
func (d *Distributor) Handle(ctx context.Context, p broker.Payload) error {
	rec, err := d.store.Get(ctx, p.ScheduledMessageID)
	if errors.Is(err, model.ErrNotFound) {
		return broker.Permanent(fmt.Errorf("scheduled message %s: %w", p.ScheduledMessageID, err))
	}
	if err != nil {
		return fmt.Errorf("load scheduled message %s: %w", p.ScheduledMessageID, err)
	}

	log := d.log.With().Str("scheduled_id", rec.ID).Logger()

	switch rec.Status {
	case model.StatusSent:
		log.Info().Str("message_id", rec.ResultingMessageID).Msg("already delivered, skipping")
		return nil
	case model.StatusCancelled:
		log.Info().Msg("cancelled, skipping")
		return nil
	}

	convID := rec.ConversationID
	if convID == "" {
		convID = p.ConversationID
	}

	conv, err := d.store.GetConversation(ctx, convID)
	if errors.Is(err, model.ErrNotFound) {
		d.fail(ctx, rec, "conversation not found", "conversation_missing")
		return broker.Permanent(fmt.Errorf("conversation %s: %w", convID, err))
	}
	if err != nil {
		d.fail(ctx, rec, err.Error(), "conversation_lookup_failed")
		return fmt.Errorf("load conversation %s: %w", convID, err)
	}

	now := d.now().UTC()
	msg := model.NewAutoMessage(rec, now)
	msg.ConversationID = conv.ID

	from := rec.Status
	sent := *rec
	if err := sent.MarkSent(msg.ID, conv.ID, now); err != nil {
		return broker.Permanent(err)
	}

	err = d.store.DeliverScheduled(ctx, &sent, msg, from)
	switch {
	case errors.Is(err, repo.ErrConflict):
		// another delivery moved the record; redelivery re-reads it
		return fmt.Errorf("deliver %s: %w", rec.ID, err)
	case errors.Is(err, model.ErrNotFound):
		d.fail(ctx, rec, "conversation not found", "conversation_missing")
		return broker.Permanent(fmt.Errorf("deliver %s: %w", rec.ID, err))
	case err != nil:
		d.fail(ctx, rec, err.Error(), "delivery_failed")
		return fmt.Errorf("deliver %s: %w", rec.ID, err)
	}
	rec = &sent

	if err := d.delivered.StoreDelivered(ctx, rec.ID, msg.ID, now); err != nil {
		log.Warn().Err(err).Msg("delivery cache write failed")
	}

	log.Info().
		Str("message_id", msg.ID).
		Str("conversation_id", conv.ID).
		Msg("message distributed")
	return nil
}

func (d *Distributor) fail(ctx context.Context, rec *model.ScheduledMessage, reason, code string) {
	from := rec.Status
	if err := rec.MarkFailed(reason, code, d.now()); err != nil {
		d.log.Error().Err(err).Str("scheduled_id", rec.ID).Msg("mark failed")
		return
	}
	if err := d.store.Save(ctx, rec, from); err != nil {
		d.log.Error().Err(err).Str("scheduled_id", rec.ID).Msg("persist failure")
	}
}
