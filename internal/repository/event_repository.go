package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/marketplace-automation/internal/model"
)

// EventRepositoryInterface reads the order event outbox. Consumption is
// at-least-once; the matcher's enqueue is idempotent.
type EventRepositoryInterface interface {
	ListPending(ctx context.Context, limit int) ([]model.OrderEvent, error)
	MarkConsumed(ctx context.Context, ids []int64) error
}

type EventRepository struct {
	DB *sql.DB
}

func (r *EventRepository) ListPending(ctx context.Context, limit int) ([]model.OrderEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, account_id, order_id, kind, old_status, new_status, created_at
        FROM order_events
        WHERE consumed_at IS NULL
        ORDER BY id
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []model.OrderEvent
	for rows.Next() {
		var (
			e                  model.OrderEvent
			kind, oldSt, newSt string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &kind, &oldSt, &newSt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.OrderEventKind(kind)
		e.OldStatus = model.OrderStatus(oldSt)
		e.NewStatus = model.OrderStatus(newSt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *EventRepository) MarkConsumed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE order_events SET consumed_at = NOW() WHERE id = ANY($1) AND consumed_at IS NULL`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark events consumed: %w", err)
	}
	return nil
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
