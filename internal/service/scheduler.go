package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

// DispatchPublisher hands a SCHEDULED row to the dispatcher.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, rowID int64) error
}

// Scheduler moves due rows from QUEUED to SCHEDULED and publishes a
// Dispatch task for each.
type Scheduler struct {
	Queue      repository.EmailQueueRepositoryInterface
	Publisher  DispatchPublisher
	Batch      int
	StaleAfter time.Duration
	Log        *zap.Logger
	Now        func() time.Time
}

type TickResult struct {
	Scheduled   int
	Reclaimed   int
	Unpublished int
}

// Tick runs one transition cycle. Rows whose Dispatch task was lost stay
// SCHEDULED and are re-published once they are older than StaleAfter.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 50
	}

	rows, err := s.Queue.ClaimDue(ctx, now, batch)
	if err != nil {
		return res, fmt.Errorf("claim due rows: %w", err)
	}
	metrics.QueueRowsScheduledTotal.Add(float64(len(rows)))
	for _, row := range rows {
		if err := s.Publisher.PublishDispatch(ctx, row.ID); err != nil {
			res.Unpublished++
			s.Log.Warn("publish dispatch", zap.Int64("queue_row_id", row.ID), zap.Error(err))
			continue
		}
		res.Scheduled++
	}

	if s.StaleAfter > 0 {
		ids, err := s.Queue.ReclaimStale(ctx, now.Add(-s.StaleAfter), batch)
		if err != nil {
			return res, fmt.Errorf("reclaim stale rows: %w", err)
		}
		for _, id := range ids {
			if err := s.Publisher.PublishDispatch(ctx, id); err != nil {
				res.Unpublished++
				s.Log.Warn("republish dispatch", zap.Int64("queue_row_id", id), zap.Error(err))
				continue
			}
			res.Reclaimed++
		}
	}

	if res.Scheduled+res.Reclaimed+res.Unpublished > 0 {
		s.Log.Info("scheduler tick",
			zap.Int("scheduled", res.Scheduled),
			zap.Int("reclaimed", res.Reclaimed),
			zap.Int("unpublished", res.Unpublished),
		)
	}
	return res, nil
}
