package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/content"
	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
)

type RecordsOptions struct {
	RetryDelay time.Duration
	MaxRetries int
}

// ManualRequest describes an operator-created record. Text and Template may
// both be empty, in which case content is generated.
type ManualRequest struct {
	Sender   string         `json:"sender"`
	Receiver string         `json:"receiver"`
	Text     string         `json:"text"`
	Template model.Template `json:"template"`
	Category model.Category `json:"category"`
	Priority int            `json:"priority"`
	SendIn   time.Duration  `json:"-"`
}

// Records implements the operator operations on ScheduledMessages.
type Records struct {
	store   repo.Store
	content *content.Generator
	opts    RecordsOptions
	log     zerolog.Logger
	now     func() time.Time
}

func NewRecords(store repo.Store, gen *content.Generator, opts RecordsOptions, log zerolog.Logger) *Records {
	if gen == nil {
		gen = content.NewGenerator(nil)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = model.DefaultMaxRetries
	}
	return &Records{
		store:   store,
		content: gen,
		opts:    opts,
		log:     log.With().Str("component", "records").Logger(),
		now:     time.Now,
	}
}

func (r *Records) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	return r.store.Get(ctx, id)
}

func (r *Records) List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledMessage, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
	return r.store.List(ctx, status, limit, offset)
}

// Cancel stops a record that has not been sent yet.
func (r *Records) Cancel(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := rec.Status
	if err := rec.Cancel(); err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, rec, from); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	r.log.Info().Str("scheduled_id", id).Str("from", string(from)).Msg("scheduled message cancelled")
	return rec, nil
}

// Retry puts a failed record back on the schedule after the retry delay.
func (r *Records) Retry(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := rec.Status
	if err := rec.Retry(r.now(), r.opts.RetryDelay); err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, rec, from); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	r.log.Info().
		Str("scheduled_id", id).
		Int("retry_count", rec.Error.RetryCount).
		Time("send_at", rec.SendAt).
		Msg("scheduled message reset for retry")
	return rec, nil
}

// CreateManual schedules a single message outside the planner.
func (r *Records) CreateManual(ctx context.Context, req ManualRequest) (*model.ScheduledMessage, error) {
	if req.Sender == "" || req.Receiver == "" || req.Sender == req.Receiver {
		return nil, model.ErrSelfPair
	}
	if req.Text == "" && req.Template == "" {
		c := r.content.Generate()
		req.Text, req.Template = c.Text, c.Template
	}
	if req.Template == "" {
		req.Template = model.TemplateGreeting
	}

	conv, err := r.store.FindOrCreateDirect(ctx, req.Sender, req.Receiver)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	now := r.now()
	rec, err := model.NewScheduledMessage(model.NewScheduled{
		Sender:         req.Sender,
		Receiver:       req.Receiver,
		ConversationID: conv.ID,
		Text:           req.Text,
		Template:       req.Template,
		SendAt:         now.Add(req.SendIn),
		Priority:       req.Priority,
		Category:       req.Category,
		GeneratedBy:    model.OriginManual,
		MaxRetries:     r.opts.MaxRetries,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertBatch(ctx, []*model.ScheduledMessage{rec}); err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	r.log.Info().Str("scheduled_id", rec.ID).Time("send_at", rec.SendAt).Msg("manual message scheduled")
	return rec, nil
}
