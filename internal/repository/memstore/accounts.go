package memstore

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type accountRepo struct{ s *Store }

func (r accountRepo) GetByID(_ context.Context, id int64) (*model.MarketplaceAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, appErrors.NewNotFound("account", id)
	}
	cp := *a
	return &cp, nil
}

func (r accountRepo) contextLocked(a *model.MarketplaceAccount) model.AccountContext {
	return model.AccountContext{
		Tenant:      r.s.tenants[a.TenantID],
		Account:     *a,
		Marketplace: r.s.marketplaces[a.MarketplaceID],
	}
}

func (r accountRepo) GetContext(_ context.Context, id int64) (*model.AccountContext, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, appErrors.NewNotFound("account", id)
	}
	ac := r.contextLocked(a)
	return &ac, nil
}

func (r accountRepo) sortedLocked() []*model.MarketplaceAccount {
	out := make([]*model.MarketplaceAccount, 0, len(r.s.accounts))
	for _, a := range r.s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r accountRepo) ListSyncable(_ context.Context) ([]model.AccountContext, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.AccountContext
	for _, a := range r.sortedLocked() {
		if a.Active && a.SyncDisabledReason == "" {
			out = append(out, r.contextLocked(a))
		}
	}
	return out, nil
}

func (r accountRepo) ListByTenantMarketplace(_ context.Context, tenantID, marketplaceID int64) ([]model.MarketplaceAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.MarketplaceAccount
	for _, a := range r.sortedLocked() {
		if a.TenantID == tenantID && a.MarketplaceID == marketplaceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r accountRepo) UpdateTokens(_ context.Context, id int64, tokens model.TokenSet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return appErrors.NewNotFound("account", id)
	}
	a.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		a.RefreshToken = tokens.RefreshToken
	}
	exp := tokens.ExpiresAt
	a.AccessTokenExpires = &exp
	return nil
}

func (r accountRepo) MarkSynced(_ context.Context, id int64, kind repository.SyncKind, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return appErrors.NewNotFound("account", id)
	}
	switch kind {
	case repository.SyncOrders:
		a.LastOrdersSyncAt = &at
	case repository.SyncCatalog:
		a.LastCatalogSyncAt = &at
	}
	return nil
}

func (r accountRepo) DisableSync(_ context.Context, id int64, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return appErrors.NewNotFound("account", id)
	}
	a.SyncDisabledReason = reason
	return nil
}
