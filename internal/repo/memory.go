package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as PostgresStore. It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu sync.Mutex

	accounts      []model.Account
	conversations map[string]*model.Conversation
	pairs         map[string]string
	messages      map[string]*model.Message
	scheduled     map[string]*model.ScheduledMessage
	claims        map[string]time.Time

	writes int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(accounts ...model.Account) *MemoryStore {
	return &MemoryStore{
		accounts:      append([]model.Account(nil), accounts...),
		conversations: map[string]*model.Conversation{},
		pairs:         map[string]string{},
		messages:      map[string]*model.Message{},
		scheduled:     map[string]*model.ScheduledMessage{},
		claims:        map[string]time.Time{},
	}
}

// Writes returns the number of mutating calls that changed state.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Messages returns the messages of a conversation, oldest first.
func (s *MemoryStore) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Account
	for _, a := range s.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindOrCreateDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[model.PairKey(a, b)]; ok {
		c := *s.conversations[id]
		return &c, nil
	}

	conv, err := model.NewDirectConversation(a, b, time.Now())
	if err != nil {
		return nil, err
	}
	s.conversations[conv.ID] = conv
	s.pairs[conv.PairKey] = conv.ID
	s.writes++

	c := *conv
	return &c, nil
}

// PutConversation stores conv as is, replacing any conversation with the same id.
func (s *MemoryStore) PutConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = &conv
	if conv.PairKey != "" && conv.IsActive {
		s.pairs[conv.PairKey] = conv.ID
	}
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) DeliverScheduled(ctx context.Context, rec *model.ScheduledMessage, msg *model.Message, from model.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scheduled[rec.ID]
	if !ok {
		return fmt.Errorf("scheduled message %s: %w", rec.ID, model.ErrNotFound)
	}
	if cur.Status != from {
		return ErrConflict
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
	}
	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	for _, m := range s.messages {
		if msg.ScheduledMessageID != "" && m.ScheduledMessageID == msg.ScheduledMessageID {
			return fmt.Errorf("message for %s: %w", msg.ScheduledMessageID, ErrConflict)
		}
	}

	m := *msg
	s.messages[m.ID] = &m
	conv.RecordMessage(&m)

	c := *rec
	s.scheduled[c.ID] = &c
	delete(s.claims, c.ID)
	s.writes++
	return nil
}

func (s *MemoryStore) InsertBatch(ctx context.Context, recs []*model.ScheduledMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, r := range recs {
		if _, ok := s.scheduled[r.ID]; ok || seen[r.ID] {
			return fmt.Errorf("duplicate scheduled message id %s", r.ID)
		}
		if r.Sender == r.Receiver {
			return model.ErrSelfPair
		}
		seen[r.ID] = true
	}
	for _, r := range recs {
		c := *r
		s.scheduled[c.ID] = &c
	}
	if len(recs) > 0 {
		s.writes++
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.scheduled[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *model.ScheduledMessage, from model.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scheduled[rec.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	c := *rec
	s.scheduled[rec.ID] = &c
	delete(s.claims, rec.ID)
	s.writes++
	return nil
}

func (s *MemoryStore) List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.ScheduledMessage
	for _, m := range s.scheduled {
		if status == "" || m.Status == status {
			all = append(all, *m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ScheduledAt.Equal(all[j].ScheduledAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].ScheduledAt.After(all[j].ScheduledAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Status]int, len(model.Statuses))
	for _, m := range s.scheduled {
		out[m.Status]++
	}
	return out, nil
}

func (s *MemoryStore) FindReady(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ScheduledMessage
	for _, m := range s.scheduled {
		if !m.ReadyAt(now) || m.IsQueued() || m.IsSent() {
			continue
		}
		if until, ok := s.claims[m.ID]; ok && !until.Before(now) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SendAt.Before(out[j].SendAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.scheduled[id]
	if !ok || m.Status != model.StatusScheduled {
		return false, nil
	}
	if until, held := s.claims[id]; held && !until.Before(now) {
		return false, nil
	}
	s.claims[id] = now.Add(lease)
	s.writes++
	return true, nil
}

func (s *MemoryStore) MarkQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.scheduled[id]
	if !ok {
		return false, nil
	}
	if err := m.MarkQueued(now); err != nil {
		return false, nil
	}
	delete(s.claims, id)
	s.writes++
	return true, nil
}

func (s *MemoryStore) RecordPublishFailure(ctx context.Context, id, reason string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.scheduled[id]
	if !ok {
		return model.ErrNotFound
	}
	m.RecordPublishFailure(reason, now)
	delete(s.claims, id)
	s.writes++
	return nil
}
