package cache

import (
	"context"
	"time"
)

// DeliveryCache remembers which message a ScheduledMessage produced.
type DeliveryCache interface {
	StoreDelivered(ctx context.Context, scheduledID, messageID string, sentAt time.Time) error
}

// ConversationCache maps an unordered participant pair to its conversation id.
type ConversationCache interface {
	PairConversation(ctx context.Context, a, b string) (id string, ok bool, err error)
	StorePairConversation(ctx context.Context, a, b, conversationID string) error
}

// Noop is used when Redis is not configured.
type Noop struct{}

func (Noop) StoreDelivered(context.Context, string, string, time.Time) error { return nil }

func (Noop) PairConversation(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func (Noop) StorePairConversation(context.Context, string, string, string) error { return nil }
