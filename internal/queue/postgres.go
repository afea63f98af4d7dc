package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/db"
)

// PostgresBroker keeps tasks in the task_queue table. Consumers claim rows
// with FOR UPDATE SKIP LOCKED and hold them under a lease that a heartbeat
// extends until the task is settled; a worker that dies stops the heartbeat
// and its rows are claimed again once the lease runs out.
type PostgresBroker struct {
	DB           *sql.DB
	PollInterval time.Duration
	Lease        time.Duration
	Log          *zap.Logger
}

func NewPostgresBroker(conn *sql.DB, pollInterval, lease time.Duration, log *zap.Logger) *PostgresBroker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &PostgresBroker{DB: conn, PollInterval: pollInterval, Lease: lease, Log: log}
}

// ====================== Publish ======================

func (b *PostgresBroker) Publish(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.AvailableAt.IsZero() {
		env.AvailableAt = time.Now()
	}
	query := `
        INSERT INTO task_queue (id, kind, payload, dedup_key, attempt, available_at, last_error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (kind, dedup_key) WHERE dedup_key <> '' DO NOTHING`
	_, err := b.DB.ExecContext(ctx, query,
		env.ID, string(env.Kind), []byte(env.Payload), env.DedupKey, env.Attempt, env.AvailableAt, env.LastError)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ====================== Consume ======================

func (b *PostgresBroker) claim(ctx context.Context, kind Kind, limit int) ([]Envelope, error) {
	query := `
        UPDATE task_queue SET
            state = 'running',
            locked_until = NOW() + make_interval(secs => $3),
            updated_at = NOW()
        WHERE id IN (
            SELECT id FROM task_queue
            WHERE kind = $1
              AND ((state = 'pending' AND available_at <= NOW())
                OR (state = 'running' AND locked_until < NOW()))
            ORDER BY available_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, kind, payload, dedup_key, attempt, available_at, last_error`
	rows, err := b.DB.QueryContext(ctx, query, string(kind), limit, b.Lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim %s tasks: %w", kind, err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var env Envelope
		var k string
		var payload []byte
		if err := rows.Scan(&env.ID, &k, &payload, &env.DedupKey, &env.Attempt, &env.AvailableAt, &env.LastError); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		env.Kind = Kind(k)
		env.Payload = payload
		out = append(out, env)
	}
	return out, rows.Err()
}

// Consume claims one row at a time and only once the previous delivery was
// taken, so at most one claimed row waits for a free handler. Its lease is
// kept alive while it waits. prefetch is unused.
func (b *PostgresBroker) Consume(ctx context.Context, kind Kind, _ int) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.PollInterval)
		defer ticker.Stop()
		for {
			envs, err := b.claim(ctx, kind, 1)
			if err != nil && ctx.Err() == nil {
				b.Log.Warn("claim tasks", zap.String("task_kind", string(kind)), zap.Error(err))
			}
			if len(envs) == 1 {
				d := b.deliver(ctx, envs[0])
				select {
				case out <- d:
					continue
				case <-ctx.Done():
					d.release()
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// deliver wraps a claimed row and starts its lease heartbeat.
func (b *PostgresBroker) deliver(ctx context.Context, env Envelope) *postgresDelivery {
	d := &postgresDelivery{broker: b, env: env, stop: make(chan struct{})}
	d.wg.Add(1)
	go d.heartbeat(context.WithoutCancel(ctx))
	return d
}

// extend pushes the lease of a running row forward. It reports false once
// the row is no longer held.
func (b *PostgresBroker) extend(ctx context.Context, id string) (bool, error) {
	res, err := b.DB.ExecContext(ctx, `
        UPDATE task_queue SET locked_until = NOW() + make_interval(secs => $2), updated_at = NOW()
        WHERE id = $1 AND state = 'running'`, id, b.Lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (b *PostgresBroker) Health(ctx context.Context) error {
	return b.DB.PingContext(ctx)
}

// Close leaves the connection pool to its owner.
func (b *PostgresBroker) Close() error { return nil }

// ====================== Delivery ======================

type postgresDelivery struct {
	broker *PostgresBroker
	env    Envelope

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (d *postgresDelivery) Envelope() Envelope { return d.env }

func (d *postgresDelivery) heartbeat(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(max(d.broker.Lease/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		held, err := d.broker.extend(ctx, d.env.ID)
		if err != nil {
			d.broker.Log.Warn("lease heartbeat", zap.String("task_id", d.env.ID), zap.Error(err))
			continue
		}
		if !held {
			return
		}
	}
}

// settled stops the heartbeat before the row is acked, retried or
// dead-lettered, so a late extension cannot follow the settlement.
func (d *postgresDelivery) settled() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// release hands back a row that was claimed but never delivered.
func (d *postgresDelivery) release() {
	d.settled()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.broker.DB.ExecContext(ctx, `
        UPDATE task_queue SET state = 'pending', locked_until = NULL, updated_at = NOW()
        WHERE id = $1 AND state = 'running'`, d.env.ID)
	if err != nil {
		d.broker.Log.Warn("release task", zap.String("task_id", d.env.ID), zap.Error(err))
	}
}

func (d *postgresDelivery) Ack(ctx context.Context) error {
	d.settled()
	_, err := d.broker.DB.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, d.env.ID)
	if err != nil {
		return fmt.Errorf("ack task %s: %w", d.env.ID, err)
	}
	return nil
}

func (d *postgresDelivery) Retry(ctx context.Context, delay time.Duration, cause error) error {
	d.settled()
	query := `
        UPDATE task_queue SET
            state = 'pending',
            attempt = attempt + 1,
            available_at = NOW() + make_interval(secs => $2),
            locked_until = NULL,
            last_error = $3,
            updated_at = NOW()
        WHERE id = $1`
	_, err := d.broker.DB.ExecContext(ctx, query, d.env.ID, delay.Seconds(), errText(cause))
	if err != nil {
		return fmt.Errorf("retry task %s: %w", d.env.ID, err)
	}
	return nil
}

func (d *postgresDelivery) DeadLetter(ctx context.Context, cause error) error {
	d.settled()
	return db.WithTx(ctx, d.broker.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO task_dead_letters (id, kind, payload, attempts, last_error)
            SELECT id, kind, payload, attempt + 1, $2 FROM task_queue WHERE id = $1`,
			d.env.ID, errText(cause))
		if err != nil {
			return fmt.Errorf("dead-letter task %s: %w", d.env.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, d.env.ID); err != nil {
			return fmt.Errorf("remove task %s: %w", d.env.ID, err)
		}
		return nil
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
