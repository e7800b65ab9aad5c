package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
)

// Publisher hands a ready record to the broker. *broker.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, rec *model.ScheduledMessage) bool
}

type ScannerOptions struct {
	BatchSize  int
	ClaimLease time.Duration
}

type ScanResult struct {
	Found   int `json:"found"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Scanner moves due scheduled records onto the work queue.
type Scanner struct {
	store repo.ScheduledRepository
	pub   Publisher
	opts  ScannerOptions
	log   zerolog.Logger
	now   func() time.Time
}

func NewScanner(store repo.ScheduledRepository, pub Publisher, opts ScannerOptions, log zerolog.Logger) *Scanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 30 * time.Second
	}
	return &Scanner{
		store: store,
		pub:   pub,
		opts:  opts,
		log:   log.With().Str("component", "scanner").Logger(),
		now:   time.Now,
	}
}

// Scan processes due records one after another. Each record is claimed before
// it is published and only marked queued after a confirmed publish, so an
// overlapping scan cannot publish the same record twice within a lease and a
// failed publish leaves the record scheduled for the next pass. An empty scan
// logs nothing.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	now := s.now().UTC()

	ready, err := s.store.FindReady(ctx, now, s.opts.BatchSize)
	if err != nil {
		return ScanResult{}, fmt.Errorf("find ready: %w", err)
	}
	res := ScanResult{Found: len(ready)}
	if len(ready) == 0 {
		return res, nil
	}

	for i := range ready {
		rec := &ready[i]
		log := s.log.With().Str("scheduled_id", rec.ID).Logger()

		claimed, err := s.store.Claim(ctx, rec.ID, now, s.opts.ClaimLease)
		if err != nil {
			return res, fmt.Errorf("claim %s: %w", rec.ID, err)
		}
		if !claimed {
			res.Skipped++
			log.Debug().Msg("record claimed elsewhere")
			continue
		}

		if !s.pub.Publish(ctx, rec) {
			res.Failed++
			if err := s.store.RecordPublishFailure(ctx, rec.ID, "failed to publish to message queue", s.now()); err != nil {
				log.Error().Err(err).Msg("record publish failure")
			}
			continue
		}

		marked, err := s.store.MarkQueued(ctx, rec.ID, s.now())
		if err != nil {
			return res, fmt.Errorf("mark queued %s: %w", rec.ID, err)
		}
		if !marked {
			res.Skipped++
			log.Warn().Msg("record changed while publishing, not marked queued")
			continue
		}
		res.Queued++
	}

	s.log.Info().
		Int("found", res.Found).
		Int("queued", res.Queued).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("scan completed")
	return res, nil
}
