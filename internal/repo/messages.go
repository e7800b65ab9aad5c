package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

// ErrConflict is returned when a conditional update finds the record in a
// different status than the caller read.
var ErrConflict = errors.New("record changed concurrently")

type AccountDirectory interface {
	ListActive(ctx context.Context) ([]model.Account, error)
}

type ConversationStore interface {
	// FindOrCreateDirect returns the active two-party conversation for the
	// unordered pair {a, b}, creating it atomically when absent.
	FindOrCreateDirect(ctx context.Context, a, b string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
}

type MessageStore interface {
	// DeliverScheduled appends msg to its conversation, updates the
	// conversation's lastMessage/lastMessageTime/totalMessages and saves rec,
	// already marked sent, if its stored status still equals from. Either all
	// three writes happen or none do. At most one message exists per
	// scheduled message.
	DeliverScheduled(ctx context.Context, rec *model.ScheduledMessage, msg *model.Message, from model.Status) error
}

type ScheduledRepository interface {
	// InsertBatch persists all records or none.
	InsertBatch(ctx context.Context, recs []*model.ScheduledMessage) error
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
	// Save writes rec's lifecycle fields if the stored status still equals from.
	Save(ctx context.Context, rec *model.ScheduledMessage, from model.Status) error
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledMessage, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	// FindReady returns scheduled records due at now whose claim lease is free.
	FindReady(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
	// Claim takes a lease on a ready record. It reports false when another
	// scanner holds the lease or the record is no longer scheduled.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	// MarkQueued moves a scheduled record to queued and releases its claim.
	MarkQueued(ctx context.Context, id string, now time.Time) (bool, error)
	// RecordPublishFailure stores the error, bumps retryCount up to maxRetries
	// and releases the claim without touching the status.
	RecordPublishFailure(ctx context.Context, id, reason string, now time.Time) error
}

// Store is the full document store used by the pipeline.
type Store interface {
	AccountDirectory
	ConversationStore
	MessageStore
	ScheduledRepository
}
