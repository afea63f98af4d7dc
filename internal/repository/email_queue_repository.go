package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/marketplace-automation/internal/db"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type EmailQueueRepositoryInterface interface {
	Enqueue(ctx context.Context, row *model.EmailQueueRow, failedBefore time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.EmailQueueRow, error)
	ReclaimStale(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
	GetByID(ctx context.Context, id int64) (*model.EmailQueueRow, error)
	RecordAttempt(ctx context.Context, id int64, attempt int, lastError string) error
	ApplyOutcome(ctx context.Context, outcome model.DispatchOutcome) error
}

type EmailQueueRepository struct {
	DB *sql.DB
}

const queueColumns = `
    q.id, q.order_ref, q.campaign_id, q.template_snapshot_id, q.sent_to, q.sent_from, q.subject,
    q.status, q.failure_reason, q.schedule_at, q.sent_at, q.attempt_count, q.last_error,
    q.created_at, q.updated_at`

func scanQueueRow(row rowScanner) (*model.EmailQueueRow, error) {
	var (
		q      model.EmailQueueRow
		status string
	)
	err := row.Scan(
		&q.ID, &q.OrderRef, &q.CampaignID, &q.SnapshotID, &q.SentTo, &q.SentFrom, &q.Subject,
		&status, &q.FailureReason, &q.ScheduleAt, &q.SentAt, &q.AttemptCount, &q.LastError,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.Status = model.QueueStatus(status)
	return &q, nil
}

// Enqueue inserts a QUEUED row unless the (order, campaign) pair already has
// a live row, or a FAILED row updated at or after failedBefore. It returns
// false when nothing was inserted.
func (r *EmailQueueRepository) Enqueue(ctx context.Context, row *model.EmailQueueRow, failedBefore time.Time) (bool, error) {
	inserted := false
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		var blocking bool
		err := tx.QueryRowContext(ctx, `
            SELECT EXISTS (
                SELECT 1 FROM email_queue
                WHERE order_ref = $1 AND campaign_id = $2
                  AND (status IN ('QUEUED', 'SCHEDULED', 'SENT', 'OPT_OUT')
                       OR (status = 'FAILED' AND updated_at >= $3))
            )`, row.OrderRef, row.CampaignID, failedBefore).Scan(&blocking)
		if err != nil {
			return fmt.Errorf("check existing queue rows: %w", err)
		}
		if blocking {
			return nil
		}

		// the partial unique index settles races between concurrent matchers
		err = tx.QueryRowContext(ctx, `
            INSERT INTO email_queue (order_ref, campaign_id, template_snapshot_id, sent_to, sent_from, subject, status, schedule_at)
            VALUES ($1, $2, $3, $4, $5, $6, 'QUEUED', $7)
            ON CONFLICT (order_ref, campaign_id) WHERE status IN ('QUEUED', 'SCHEDULED', 'SENT', 'OPT_OUT') DO NOTHING
            RETURNING id, created_at, updated_at`,
			row.OrderRef, row.CampaignID, row.SnapshotID, row.SentTo, row.SentFrom, row.Subject, row.ScheduleAt,
		).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert queue row: %w", err)
		}
		row.Status = model.QueueQueued
		inserted = true
		return nil
	})
	return inserted, err
}

// ClaimDue moves up to limit due rows of active campaigns from QUEUED to
// SCHEDULED. Concurrent schedulers never claim the same row.
func (r *EmailQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.EmailQueueRow, error) {
	rows, err := r.DB.QueryContext(ctx, `
        WITH due AS (
            SELECT q.id
            FROM email_queue q
            JOIN email_campaigns c ON c.id = q.campaign_id
            JOIN orders o ON o.id = q.order_ref
            WHERE q.status = 'QUEUED'
              AND q.schedule_at <= $1
              AND c.status = 'ACTIVE'
              AND c.activation_at IS NOT NULL
              AND o.purchase_at >= c.activation_at
            ORDER BY q.schedule_at, q.id
            LIMIT $2
            FOR UPDATE OF q SKIP LOCKED
        )
        UPDATE email_queue q SET status = 'SCHEDULED', updated_at = NOW()
        FROM due
        WHERE q.id = due.id
        RETURNING `+queueColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due queue rows: %w", err)
	}
	defer rows.Close()

	var out []model.EmailQueueRow
	for rows.Next() {
		q, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ReclaimStale returns SCHEDULED rows untouched since olderThan and bumps
// their updated_at so a following call does not return them again.
func (r *EmailQueueRepository) ReclaimStale(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
        WITH stale AS (
            SELECT id FROM email_queue
            WHERE status = 'SCHEDULED' AND updated_at < $1
            ORDER BY updated_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        UPDATE email_queue q SET updated_at = NOW()
        FROM stale
        WHERE q.id = stale.id
        RETURNING q.id`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale queue rows: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *EmailQueueRepository) GetByID(ctx context.Context, id int64) (*model.EmailQueueRow, error) {
	q, err := scanQueueRow(r.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM email_queue q WHERE q.id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("email queue row", id)
		}
		return nil, fmt.Errorf("get queue row %d: %w", id, err)
	}
	return q, nil
}

// RecordAttempt stores a failed send that will be retried. The row stays
// SCHEDULED.
func (r *EmailQueueRepository) RecordAttempt(ctx context.Context, id int64, attempt int, lastError string) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE email_queue SET attempt_count = $2, last_error = $3, updated_at = NOW()
        WHERE id = $1 AND status = 'SCHEDULED'`, id, attempt, lastError)
	if err != nil {
		return fmt.Errorf("record attempt for queue row %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrConflict
	}
	return nil
}

// ApplyOutcome commits a dispatch: the row's terminal state, the order flags
// and the quota charges, all in one transaction. It fails with ErrConflict
// when the row is no longer SCHEDULED.
func (r *EmailQueueRepository) ApplyOutcome(ctx context.Context, o model.DispatchOutcome) error {
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE email_queue SET
                status = $2,
                failure_reason = $3,
                last_error = $4,
                sent_at = $5,
                attempt_count = $6,
                updated_at = NOW()
            WHERE id = $1 AND status = 'SCHEDULED'`,
			o.RowID, string(o.Status), o.FailureReason, o.LastError, o.SentAt, o.AttemptCount)
		if err != nil {
			return fmt.Errorf("update queue row %d: %w", o.RowID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.ErrConflict
		}

		if o.MarkOptOut {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET opt_out = TRUE, updated_at = NOW() WHERE id = $1`, o.OrderRef); err != nil {
				return fmt.Errorf("mark order %d opted out: %w", o.OrderRef, err)
			}
		}
		if o.MarkReviewRequested {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET review_requested = TRUE, updated_at = NOW() WHERE id = $1`, o.OrderRef); err != nil {
				return fmt.Errorf("mark order %d review requested: %w", o.OrderRef, err)
			}
		}
		if err := decrementClamped(ctx, tx, o.TenantID, model.QuotaFreeEmail, o.EmailCharge); err != nil {
			return err
		}
		// the review request already went out, so a lost race for the last
		// unit still commits the row
		if _, err := tryDecrement(ctx, tx, o.TenantID, model.QuotaAutoReviewRequest, o.ReviewCharge); err != nil {
			return err
		}
		return nil
	})
}

var _ EmailQueueRepositoryInterface = (*EmailQueueRepository)(nil)
