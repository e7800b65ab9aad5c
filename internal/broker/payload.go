package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

// Payload is the JSON body of a work-queue message.
type Payload struct {
	ScheduledMessageID string    `json:"scheduledMessageId"`
	SenderID           string    `json:"senderId"`
	ReceiverID         string    `json:"receiverId"`
	Text               string    `json:"text"`
	ConversationID     string    `json:"conversationId"`
	Timestamp          time.Time `json:"timestamp"`
	RetryCount         int       `json:"retryCount"`
	MaxRetries         int       `json:"maxRetries"`
	LastError          string    `json:"lastError,omitempty"`
}

func NewPayload(rec *model.ScheduledMessage, maxRetries int, now time.Time) Payload {
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	return Payload{
		ScheduledMessageID: rec.ID,
		SenderID:           rec.Sender,
		ReceiverID:         rec.Receiver,
		Text:               rec.Text,
		ConversationID:     rec.ConversationID,
		Timestamp:          now.UTC(),
		RetryCount:         0,
		MaxRetries:         maxRetries,
	}
}

// ErrPermanent marks a handler failure that retrying cannot fix. The consumer
// dead-letters such deliveries immediately.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
