package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automessage-pipeline/internal/broker"
	"github.com/LeventeLantos/automessage-pipeline/internal/model"
	"github.com/LeventeLantos/automessage-pipeline/internal/repo"
)

// QueueInspector reads queue depths. *broker.Client implements it.
type QueueInspector interface {
	QueueInfo(ctx context.Context, name string) (broker.QueueInfo, error)
}

type Stats struct {
	Queue      *broker.QueueInfo    `json:"queue"`
	DeadLetter *broker.QueueInfo    `json:"deadLetter"`
	ByStatus   map[model.Status]int `json:"byStatus"`
	Total      int                  `json:"total"`
	Pending    int                  `json:"pending"`
}

type Statistics struct {
	store  repo.ScheduledRepository
	queues QueueInspector
	log    zerolog.Logger
}

// NewStatistics accepts a nil inspector; queue figures are then omitted.
func NewStatistics(store repo.ScheduledRepository, queues QueueInspector, log zerolog.Logger) *Statistics {
	return &Statistics{
		store:  store,
		queues: queues,
		log:    log.With().Str("component", "statistics").Logger(),
	}
}

// Read collects per-status counts and queue depths. An unreachable broker
// leaves the queue figures nil instead of failing the read.
func (s *Statistics) Read(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}

	st := Stats{ByStatus: make(map[model.Status]int, len(model.Statuses))}
	for _, status := range model.Statuses {
		n := counts[status]
		st.ByStatus[status] = n
		st.Total += n
	}
	st.Pending = st.ByStatus[model.StatusScheduled] + st.ByStatus[model.StatusQueued]

	if s.queues != nil {
		st.Queue = s.queueInfo(ctx, broker.QueueName)
		st.DeadLetter = s.queueInfo(ctx, broker.FailedQueue)
	}
	return st, nil
}

func (s *Statistics) queueInfo(ctx context.Context, name string) *broker.QueueInfo {
	info, err := s.queues.QueueInfo(ctx, name)
	if err != nil {
		s.log.Warn().Err(err).Str("queue", name).Msg("queue info unavailable")
		return nil
	}
	return &info
}
