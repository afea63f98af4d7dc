package memstore

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type queueRepo struct{ s *Store }

func (r queueRepo) Enqueue(_ context.Context, row *model.EmailQueueRow, failedBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, q := range r.s.queue {
		if q.OrderRef != row.OrderRef || q.CampaignID != row.CampaignID {
			continue
		}
		if q.Status.Live() {
			return false, nil
		}
		if q.Status == model.QueueFailed && !q.UpdatedAt.Before(failedBefore) {
			return false, nil
		}
	}
	now := r.s.now()
	row.ID = r.s.nextID()
	row.Status = model.QueueQueued
	row.CreatedAt = now
	row.UpdatedAt = now
	cp := *row
	r.s.queue[row.ID] = &cp
	return true, nil
}

func (r queueRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.EmailQueueRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*model.EmailQueueRow
	for _, q := range r.s.queue {
		if q.Status != model.QueueQueued || q.ScheduleAt.After(now) {
			continue
		}
		c, ok := r.s.campaigns[q.CampaignID]
		if !ok || c.Status != model.CampaignActive {
			continue
		}
		o, ok := r.s.orders[q.OrderRef]
		if !ok || !c.ActivatedBefore(o.PurchaseAt) {
			continue
		}
		due = append(due, q)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduleAt.Equal(due[j].ScheduleAt) {
			return due[i].ScheduleAt.Before(due[j].ScheduleAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	stamp := r.s.now()
	out := make([]model.EmailQueueRow, 0, len(due))
	for _, q := range due {
		q.Status = model.QueueScheduled
		q.UpdatedAt = stamp
		out = append(out, *q)
	}
	return out, nil
}

func (r queueRepo) ReclaimStale(_ context.Context, olderThan time.Time, limit int) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var stale []*model.EmailQueueRow
	for _, q := range r.s.queue {
		if q.Status == model.QueueScheduled && q.UpdatedAt.Before(olderThan) {
			stale = append(stale, q)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	stamp := r.s.now()
	ids := make([]int64, 0, len(stale))
	for _, q := range stale {
		q.UpdatedAt = stamp
		ids = append(ids, q.ID)
	}
	return ids, nil
}

func (r queueRepo) GetByID(_ context.Context, id int64) (*model.EmailQueueRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queue[id]
	if !ok {
		return nil, appErrors.NewNotFound("email queue row", id)
	}
	cp := *q
	return &cp, nil
}

func (r queueRepo) RecordAttempt(_ context.Context, id int64, attempt int, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queue[id]
	if !ok || q.Status != model.QueueScheduled {
		return appErrors.ErrConflict
	}
	q.AttemptCount = attempt
	q.LastError = lastError
	q.UpdatedAt = r.s.now()
	return nil
}

func (r queueRepo) ApplyOutcome(_ context.Context, o model.DispatchOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queue[o.RowID]
	if !ok || q.Status != model.QueueScheduled {
		return appErrors.ErrConflict
	}
	q.Status = o.Status
	q.FailureReason = o.FailureReason
	q.LastError = o.LastError
	q.SentAt = o.SentAt
	q.AttemptCount = o.AttemptCount
	q.UpdatedAt = r.s.now()

	if order, ok := r.s.orders[o.OrderRef]; ok {
		if o.MarkOptOut {
			order.OptOut = true
		}
		if o.MarkReviewRequested {
			order.ReviewRequested = true
		}
	}
	if o.EmailCharge > 0 {
		k := quotaKey{o.TenantID, model.QuotaFreeEmail}
		if _, ok := r.s.quotas[k]; ok {
			r.s.quotas[k] = max(r.s.quotas[k]-o.EmailCharge, 0)
		}
	}
	if o.ReviewCharge > 0 {
		k := quotaKey{o.TenantID, model.QuotaAutoReviewRequest}
		if r.s.quotas[k] >= o.ReviewCharge {
			r.s.quotas[k] -= o.ReviewCharge
		}
	}
	return nil
}

// ====================== Quotas ======================

type quotaRepo struct{ s *Store }

func (r quotaRepo) Remaining(_ context.Context, tenantID int64, code model.QuotaCode) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.quotas[quotaKey{tenantID, code}], nil
}
