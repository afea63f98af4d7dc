package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unclebandit/marketplace-automation/internal/model"
)

// QuotaRepositoryInterface is the storage side of the quota ledger.
type QuotaRepositoryInterface interface {
	Remaining(ctx context.Context, tenantID int64, code model.QuotaCode) (int, error)
}

type QuotaRepository struct {
	DB *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Remaining returns 0 for a tenant that has no balance row.
func (r *QuotaRepository) Remaining(ctx context.Context, tenantID int64, code model.QuotaCode) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT remaining FROM quota_balances WHERE tenant_id = $1 AND code = $2`,
		tenantID, string(code)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota %s for tenant %d: %w", code, tenantID, err)
	}
	return n, nil
}

// tryDecrement is a compare-and-decrement: it changes nothing and returns
// false when fewer than n units remain.
func tryDecrement(ctx context.Context, ex execer, tenantID int64, code model.QuotaCode, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	res, err := ex.ExecContext(ctx, `
        UPDATE quota_balances SET remaining = remaining - $3
        WHERE tenant_id = $1 AND code = $2 AND remaining >= $3`,
		tenantID, string(code), n)
	if err != nil {
		return false, fmt.Errorf("decrement quota %s for tenant %d: %w", code, tenantID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// decrementClamped takes up to n units, stopping at zero.
func decrementClamped(ctx context.Context, ex execer, tenantID int64, code model.QuotaCode, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx, `
        UPDATE quota_balances SET remaining = GREATEST(remaining - $3, 0)
        WHERE tenant_id = $1 AND code = $2`,
		tenantID, string(code), n)
	if err != nil {
		return fmt.Errorf("charge quota %s for tenant %d: %w", code, tenantID, err)
	}
	return nil
}

var _ QuotaRepositoryInterface = (*QuotaRepository)(nil)
