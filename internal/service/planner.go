// Package service holds the pipeline's business logic: planning, queueing,
// distribution and the operator-facing record operations. Every service is an
// explicit object built from injected store, cache and broker handles.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/cache"
	"github.com/LeventeLantos/automessage-pipeline/internal/content"
	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
)

const (
	minPlannedPriority = 3
	maxPlannedPriority = 7
)

type PlannerOptions struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

type PlanResult struct {
	BatchID  string `json:"batchId,omitempty"`
	Accounts int    `json:"accounts"`
	Pairs    int    `json:"pairs"`
	Created  int    `json:"created"`
	Skipped  int    `json:"skipped"`
}

// Planner pairs active accounts and schedules one message per pair.
type Planner struct {
	store   repo.Store
	pairs   cache.ConversationCache
	content *content.Generator
	rnd     *rand.Rand
	opts    PlannerOptions
	log     zerolog.Logger
	now     func() time.Time
}

// NewPlanner uses rnd for shuffling, delays and priorities when non-nil,
// otherwise the global source. A nil pairs cache disables caching.
func NewPlanner(store repo.Store, pairs cache.ConversationCache, gen *content.Generator, rnd *rand.Rand, opts PlannerOptions, log zerolog.Logger) *Planner {
	if pairs == nil {
		pairs = cache.Noop{}
	}
	if gen == nil {
		gen = content.NewGenerator(rnd)
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Hour
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = model.DefaultMaxRetries
	}
	return &Planner{
		store:   store,
		pairs:   pairs,
		content: gen,
		rnd:     rnd,
		opts:    opts,
		log:     log.With().Str("component", "planner").Logger(),
		now:     time.Now,
	}
}

// Plan runs one planning pass. With an odd number of active accounts one of
// them is left out of this run. The batch is persisted all-or-nothing; on
// error nothing was inserted and the next trigger plans from scratch.
func (p *Planner) Plan(ctx context.Context) (PlanResult, error) {
	accounts, err := p.store.ListActive(ctx)
	if err != nil {
		return PlanResult{}, fmt.Errorf("list active accounts: %w", err)
	}

	ids := uniqueIDs(accounts)
	res := PlanResult{Accounts: len(ids)}
	if len(ids) < 2 {
		p.log.Info().Int("accounts", len(ids)).Msg("not enough active accounts, nothing to plan")
		return res, nil
	}

	p.shuffle(ids)

	now := p.now().UTC()
	res.BatchID = "batch_" + uuid.NewString()
	log := p.log.With().Str("batch_id", res.BatchID).Logger()

	recs := make([]*model.ScheduledMessage, 0, len(ids)/2)
	for i := 0; i+1 < len(ids); i += 2 {
		sender, receiver := ids[i], ids[i+1]
		res.Pairs++

		convID, err := p.conversation(ctx, sender, receiver)
		if errors.Is(err, model.ErrSelfPair) {
			res.Skipped++
			log.Warn().Err(err).Str("sender", sender).Str("receiver", receiver).Msg("pair skipped")
			continue
		}
		if err != nil {
			return res, fmt.Errorf("conversation for %s/%s: %w", sender, receiver, err)
		}

		c := p.content.Generate()
		rec, err := model.NewScheduledMessage(model.NewScheduled{
			Sender:         sender,
			Receiver:       receiver,
			ConversationID: convID,
			Text:           c.Text,
			Template:       c.Template,
			SendAt:         now.Add(p.delay()),
			BatchID:        res.BatchID,
			Priority:       p.priority(),
			Category:       model.CategoryDaily,
			GeneratedBy:    model.OriginPlanner,
			MaxRetries:     p.opts.MaxRetries,
		}, now)
		if err != nil {
			res.Skipped++
			log.Warn().Err(err).Str("sender", sender).Str("receiver", receiver).Msg("pair skipped")
			continue
		}
		recs = append(recs, rec)
	}

	if len(recs) > 0 {
		if err := p.store.InsertBatch(ctx, recs); err != nil {
			return res, fmt.Errorf("insert batch %s: %w", res.BatchID, err)
		}
	}
	res.Created = len(recs)

	log.Info().
		Int("accounts", res.Accounts).
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Msg("planning run completed")
	return res, nil
}

// conversation resolves the pair's conversation id through the cache first.
// A cached id must still name the pair's active conversation; otherwise the
// store lookup below replaces the entry. Cache errors only cost a store round
// trip.
func (p *Planner) conversation(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return "", model.ErrSelfPair
	}
	if id, ok, err := p.pairs.PairConversation(ctx, a, b); err != nil {
		p.log.Debug().Err(err).Msg("pair cache lookup failed")
	} else if ok {
		conv, err := p.store.GetConversation(ctx, id)
		switch {
		case err == nil && conv.IsActive && conv.PairKey == model.PairKey(a, b):
			return id, nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			p.log.Debug().Err(err).Str("conversation_id", id).Msg("cached conversation lookup failed")
		default:
			p.log.Debug().Str("conversation_id", id).Msg("stale pair cache entry")
		}
	}

	conv, err := p.store.FindOrCreateDirect(ctx, a, b)
	if err != nil {
		return "", err
	}
	if err := p.pairs.StorePairConversation(ctx, a, b, conv.ID); err != nil {
		p.log.Debug().Err(err).Msg("pair cache write failed")
	}
	return conv.ID, nil
}

func (p *Planner) shuffle(ids []string) {
	swap := func(i, j int) { ids[i], ids[j] = ids[j], ids[i] }
	if p.rnd != nil {
		p.rnd.Shuffle(len(ids), swap)
		return
	}
	rand.Shuffle(len(ids), swap)
}

func (p *Planner) delay() time.Duration {
	span := int64(p.opts.MaxDelay - p.opts.MinDelay)
	if span <= 0 {
		return p.opts.MinDelay
	}
	return p.opts.MinDelay + time.Duration(p.int64N(span+1))
}

func (p *Planner) priority() int {
	return minPlannedPriority + int(p.int64N(maxPlannedPriority-minPlannedPriority+1))
}

func (p *Planner) int64N(n int64) int64 {
	if p.rnd != nil {
		return p.rnd.Int64N(n)
	}
	return rand.Int64N(n)
}

func uniqueIDs(accounts []model.Account) []string {
	seen := make(map[string]bool, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if !a.Active || a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		ids = append(ids, a.ID)
	}
	return ids
}
