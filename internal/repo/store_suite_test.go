package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

var t0 = time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, accounts ...model.Account) Store

func newRecord(t *testing.T, sender, receiver string, sendIn time.Duration, priority int) *model.ScheduledMessage {
	t.Helper()
	m, err := model.NewScheduledMessage(model.NewScheduled{
		Sender:         sender,
		Receiver:       receiver,
		ConversationID: "conv-" + sender + "-" + receiver,
		Text:           "hello " + receiver,
		Template:       model.TemplateGreeting,
		SendAt:         t0.Add(sendIn),
		Priority:       priority,
		MaxRetries:     3,
	}, t0)
	require.NoError(t, err)
	return m
}

// runStoreSuite checks the conditional-update contract every Store must honor.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("ListActive skips inactive accounts", func(t *testing.T) {
		s := newStore(t,
			model.Account{ID: "a", DisplayName: "A", Active: true},
			model.Account{ID: "b", DisplayName: "B", Active: false},
			model.Account{ID: "c", DisplayName: "C", Active: true},
		)
		got, err := s.ListActive(ctx)
		require.NoError(t, err)

		ids := make([]string, 0, len(got))
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		assert.ElementsMatch(t, []string{"a", "c"}, ids)
	})

	t.Run("FindOrCreateDirect is order independent", func(t *testing.T) {
		s := newStore(t)
		first, err := s.FindOrCreateDirect(ctx, "a", "b")
		require.NoError(t, err)
		second, err := s.FindOrCreateDirect(ctx, "b", "a")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, model.PairKey("a", "b"), first.PairKey)
		assert.ElementsMatch(t, []string{"a", "b"}, first.Participants)

		other, err := s.FindOrCreateDirect(ctx, "a", "c")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("FindOrCreateDirect rejects self pair", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindOrCreateDirect(ctx, "a", "a")
		assert.ErrorIs(t, err, model.ErrSelfPair)
	})

	deliverable := func(t *testing.T, s Store) (*model.ScheduledMessage, *model.Conversation) {
		t.Helper()
		conv, err := s.FindOrCreateDirect(ctx, "a", "b")
		require.NoError(t, err)
		rec := newRecord(t, "a", "b", time.Minute, 5)
		rec.ConversationID = conv.ID
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{rec}))
		return rec, conv
	}

	sentCopy := func(t *testing.T, rec *model.ScheduledMessage, msg *model.Message) *model.ScheduledMessage {
		t.Helper()
		sent := *rec
		require.NoError(t, sent.MarkSent(msg.ID, msg.ConversationID, msg.CreatedAt))
		return &sent
	}

	t.Run("DeliverScheduled writes message, aggregates and status together", func(t *testing.T) {
		s := newStore(t)
		rec, conv := deliverable(t, s)

		msg := model.NewAutoMessage(rec, t0)
		require.NoError(t, s.DeliverScheduled(ctx, sentCopy(t, rec, msg), msg, model.StatusScheduled))

		gotConv, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, gotConv.LastMessageID)
		assert.Equal(t, 1, gotConv.TotalMessages)
		require.NotNil(t, gotConv.LastMessageTime)
		assert.True(t, gotConv.LastMessageTime.Equal(t0))

		gotRec, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSent, gotRec.Status)
		assert.Equal(t, msg.ID, gotRec.ResultingMessageID)

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("DeliverScheduled writes nothing on a status conflict", func(t *testing.T) {
		s := newStore(t)
		rec, conv := deliverable(t, s)

		msg := model.NewAutoMessage(rec, t0)
		err := s.DeliverScheduled(ctx, sentCopy(t, rec, msg), msg, model.StatusQueued)
		assert.ErrorIs(t, err, ErrConflict)

		gotConv, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Zero(t, gotConv.TotalMessages)
		assert.Empty(t, gotConv.LastMessageID)

		gotRec, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusScheduled, gotRec.Status)

		// the rolled back attempt leaves room for the real delivery
		require.NoError(t, s.DeliverScheduled(ctx, sentCopy(t, rec, msg), msg, model.StatusScheduled))
	})

	t.Run("DeliverScheduled writes nothing for a missing conversation", func(t *testing.T) {
		s := newStore(t)
		rec, _ := deliverable(t, s)

		msg := model.NewAutoMessage(rec, t0)
		msg.ConversationID = "gone"
		err := s.DeliverScheduled(ctx, sentCopy(t, rec, msg), msg, model.StatusScheduled)
		assert.ErrorIs(t, err, model.ErrNotFound)

		gotRec, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusScheduled, gotRec.Status)
	})

	t.Run("DeliverScheduled allows one message per scheduled message", func(t *testing.T) {
		s := newStore(t)
		rec, conv := deliverable(t, s)

		first := model.NewAutoMessage(rec, t0)
		require.NoError(t, s.DeliverScheduled(ctx, sentCopy(t, rec, first), first, model.StatusScheduled))

		// a second delivery that slipped past the status check
		second := model.NewAutoMessage(rec, t0.Add(time.Second))
		err := s.DeliverScheduled(ctx, sentCopy(t, rec, second), second, model.StatusSent)
		assert.ErrorIs(t, err, ErrConflict)

		gotConv, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, gotConv.TotalMessages)
		assert.Equal(t, first.ID, gotConv.LastMessageID)
	})

	t.Run("InsertBatch is all or nothing", func(t *testing.T) {
		s := newStore(t)
		good := newRecord(t, "a", "b", time.Minute, 5)
		bad := *newRecord(t, "c", "d", time.Minute, 5)
		bad.Receiver = bad.Sender

		require.Error(t, s.InsertBatch(ctx, []*model.ScheduledMessage{good, &bad}))
		_, err := s.Get(ctx, good.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)

		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{good}))
		assert.Error(t, s.InsertBatch(ctx, []*model.ScheduledMessage{good}), "duplicate id")

		got, err := s.Get(ctx, good.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusScheduled, got.Status)
		assert.Equal(t, good.Text, got.Text)
		assert.Equal(t, 3, got.Error.MaxRetries)
		assert.False(t, got.IsQueued())
	})

	t.Run("Save is conditional on the previous status", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(t, "a", "b", time.Minute, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{rec}))

		require.NoError(t, rec.Cancel())
		require.NoError(t, s.Save(ctx, rec, model.StatusScheduled))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)

		assert.ErrorIs(t, s.Save(ctx, rec, model.StatusScheduled), ErrConflict)

		ghost := newRecord(t, "x", "y", time.Minute, 5)
		assert.ErrorIs(t, s.Save(ctx, ghost, model.StatusScheduled), model.ErrNotFound)
	})

	t.Run("FindReady orders by sendAt then priority", func(t *testing.T) {
		s := newStore(t)
		later := newRecord(t, "a", "b", 10*time.Minute, 9)
		lowFirst := newRecord(t, "c", "d", 5*time.Minute, 2)
		highFirst := newRecord(t, "e", "f", 5*time.Minute, 8)
		future := newRecord(t, "g", "h", 2*time.Hour, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{later, lowFirst, highFirst, future}))

		got, err := s.FindReady(ctx, t0.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, highFirst.ID, got[0].ID)
		assert.Equal(t, lowFirst.ID, got[1].ID)
		assert.Equal(t, later.ID, got[2].ID)

		got, err = s.FindReady(ctx, t0.Add(time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)

		_, err = s.FindReady(ctx, t0, 0)
		assert.Error(t, err)
	})

	t.Run("Claim holds a lease until it expires", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(t, "a", "b", time.Minute, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{rec}))

		now := t0.Add(2 * time.Minute)
		ok, err := s.Claim(ctx, rec.ID, now, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, rec.ID, now.Add(10*time.Second), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "lease still held")

		ready, err := s.FindReady(ctx, now.Add(10*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, ready, "claimed records are hidden from other scans")

		ok, err = s.Claim(ctx, rec.ID, now.Add(time.Minute), 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")
	})

	t.Run("MarkQueued only moves scheduled records", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(t, "a", "b", time.Minute, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{rec}))

		now := t0.Add(2 * time.Minute)
		ok, err := s.Claim(ctx, rec.ID, now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.MarkQueued(ctx, rec.ID, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkQueued(ctx, rec.ID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, got.Status)
		assert.True(t, got.IsQueued())
		assert.False(t, got.IsSent())
		require.NotNil(t, got.QueuedAt)

		ready, err := s.FindReady(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, ready)

		ok, err = s.Claim(ctx, rec.ID, now.Add(time.Hour), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "queued records cannot be claimed")
	})

	t.Run("RecordPublishFailure caps retries and frees the claim", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord(t, "a", "b", time.Minute, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{rec}))

		now := t0.Add(2 * time.Minute)
		for i := 0; i < 5; i++ {
			ok, err := s.Claim(ctx, rec.ID, now, time.Hour)
			require.NoError(t, err)
			require.True(t, ok, "claim %d", i)
			require.NoError(t, s.RecordPublishFailure(ctx, rec.ID, "broker down", now))
		}

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusScheduled, got.Status)
		assert.Equal(t, "broker down", got.Error.Message)
		assert.Equal(t, "publish_failed", got.Error.Code)
		assert.Equal(t, 3, got.Error.RetryCount)
	})

	t.Run("List filters and paginates", func(t *testing.T) {
		s := newStore(t)
		var recs []*model.ScheduledMessage
		for i, pair := range [][2]string{{"a", "b"}, {"c", "d"}, {"e", "f"}, {"g", "h"}, {"i", "j"}} {
			recs = append(recs, newRecord(t, pair[0], pair[1], time.Duration(i+1)*time.Minute, 5))
		}
		require.NoError(t, s.InsertBatch(ctx, recs))
		require.NoError(t, recs[0].Cancel())
		require.NoError(t, s.Save(ctx, recs[0], model.StatusScheduled))

		all, err := s.List(ctx, "", 10, 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		scheduled, err := s.List(ctx, model.StatusScheduled, 10, 0)
		require.NoError(t, err)
		assert.Len(t, scheduled, 4)

		cancelled, err := s.List(ctx, model.StatusCancelled, 10, 0)
		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, recs[0].ID, cancelled[0].ID)

		page1, err := s.List(ctx, "", 2, 0)
		require.NoError(t, err)
		page2, err := s.List(ctx, "", 2, 2)
		require.NoError(t, err)
		page3, err := s.List(ctx, "", 2, 4)
		require.NoError(t, err)
		assert.Len(t, page1, 2)
		assert.Len(t, page2, 2)
		assert.Len(t, page3, 1)

		seen := map[string]bool{}
		for _, page := range [][]model.ScheduledMessage{page1, page2, page3} {
			for _, m := range page {
				assert.False(t, seen[m.ID], "record %s listed twice", m.ID)
				seen[m.ID] = true
			}
		}

		empty, err := s.List(ctx, "", 2, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		s := newStore(t)
		a := newRecord(t, "a", "b", time.Minute, 5)
		b := newRecord(t, "c", "d", time.Minute, 5)
		c := newRecord(t, "e", "f", time.Minute, 5)
		require.NoError(t, s.InsertBatch(ctx, []*model.ScheduledMessage{a, b, c}))

		ok, err := s.MarkQueued(ctx, b.ID, t0)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, got[model.StatusScheduled])
		assert.Equal(t, 1, got[model.StatusQueued])
		assert.Zero(t, got[model.StatusSent])
	})
}
