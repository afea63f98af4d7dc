package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

// Ledger reads per-tenant quota for the dispatcher. Units are debited by the
// queue repository in the same transaction that settles the row, and refills
// happen elsewhere.
type Ledger struct {
	Quotas repository.QuotaRepositoryInterface
	Log    *zap.Logger
}

func (l *Ledger) Remaining(ctx context.Context, tenantID int64, code model.QuotaCode) (int, error) {
	return l.Quotas.Remaining(ctx, tenantID, code)
}

// Allows reports whether at least one unit of code remains, counting a
// refusal when none does.
func (l *Ledger) Allows(ctx context.Context, tenantID int64, code model.QuotaCode) (bool, error) {
	n, err := l.Quotas.Remaining(ctx, tenantID, code)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	metrics.QuotaRefusalsTotal.WithLabelValues(string(code)).Inc()
	l.Log.Info("quota refused", zap.Int64("tenant_id", tenantID), zap.String("code", string(code)))
	return false, nil
}
