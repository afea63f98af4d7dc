package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

// SyncKind names the bookkeeping column touched by MarkSynced.
type SyncKind string

const (
	SyncOrders  SyncKind = "orders"
	SyncCatalog SyncKind = "catalog"
)

type AccountRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.MarketplaceAccount, error)
	GetContext(ctx context.Context, id int64) (*model.AccountContext, error)
	ListSyncable(ctx context.Context) ([]model.AccountContext, error)
	ListByTenantMarketplace(ctx context.Context, tenantID, marketplaceID int64) ([]model.MarketplaceAccount, error)
	UpdateTokens(ctx context.Context, id int64, tokens model.TokenSet) error
	MarkSynced(ctx context.Context, id int64, kind SyncKind, at time.Time) error
	DisableSync(ctx context.Context, id int64, reason string) error
}

type AccountRepository struct {
	DB *sql.DB
}

const accountColumns = `
    a.id, a.tenant_id, a.marketplace_id, a.seller_id, a.store_name, a.sender_email,
    a.refresh_token, a.access_token, a.access_token_expires_at,
    a.last_orders_sync_at, a.last_catalog_sync_at, a.sync_disabled_reason, a.active`

const accountContextQuery = `
    SELECT ` + accountColumns + `,
        t.id, t.currency, t.time_zone,
        m.id, m.region, m.country, m.marketplace_id, m.endpoint_url
    FROM marketplace_accounts a
    JOIN tenants t ON t.id = a.tenant_id
    JOIN marketplaces m ON m.id = a.marketplace_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func accountDest(a *model.MarketplaceAccount) []any {
	return []any{
		&a.ID, &a.TenantID, &a.MarketplaceID, &a.SellerID, &a.StoreName, &a.SenderEmail,
		&a.RefreshToken, &a.AccessToken, &a.AccessTokenExpires,
		&a.LastOrdersSyncAt, &a.LastCatalogSyncAt, &a.SyncDisabledReason, &a.Active,
	}
}

func scanAccountContext(row rowScanner) (*model.AccountContext, error) {
	var ac model.AccountContext
	dest := accountDest(&ac.Account)
	dest = append(dest,
		&ac.Tenant.ID, &ac.Tenant.Currency, &ac.Tenant.TimeZone,
		&ac.Marketplace.ID, &ac.Marketplace.Region, &ac.Marketplace.Country,
		&ac.Marketplace.MarketplaceID, &ac.Marketplace.EndpointURL,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &ac, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.MarketplaceAccount, error) {
	var a model.MarketplaceAccount
	query := `SELECT ` + accountColumns + ` FROM marketplace_accounts a WHERE a.id = $1`
	err := r.DB.QueryRowContext(ctx, query, id).Scan(accountDest(&a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("account", id)
		}
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return &a, nil
}

func (r *AccountRepository) GetContext(ctx context.Context, id int64) (*model.AccountContext, error) {
	ac, err := scanAccountContext(r.DB.QueryRowContext(ctx, accountContextQuery+` WHERE a.id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("account", id)
		}
		return nil, fmt.Errorf("get account context %d: %w", id, err)
	}
	return ac, nil
}

// ListSyncable returns active accounts whose pipelines are not disabled.
func (r *AccountRepository) ListSyncable(ctx context.Context) ([]model.AccountContext, error) {
	rows, err := r.DB.QueryContext(ctx, accountContextQuery+`
        WHERE a.active AND a.sync_disabled_reason = ''
        ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list syncable accounts: %w", err)
	}
	defer rows.Close()

	var out []model.AccountContext
	for rows.Next() {
		ac, err := scanAccountContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *ac)
	}
	return out, rows.Err()
}

func (r *AccountRepository) ListByTenantMarketplace(ctx context.Context, tenantID, marketplaceID int64) ([]model.MarketplaceAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM marketplace_accounts a
        WHERE a.tenant_id = $1 AND a.marketplace_id = $2 ORDER BY a.id`
	rows, err := r.DB.QueryContext(ctx, query, tenantID, marketplaceID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.MarketplaceAccount
	for rows.Next() {
		var a model.MarketplaceAccount
		if err := rows.Scan(accountDest(&a)...); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateTokens persists a refresh result in a single statement.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id int64, tokens model.TokenSet) error {
	query := `
        UPDATE marketplace_accounts
        SET access_token = $1,
            refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
            access_token_expires_at = $3
        WHERE id = $4`
	res, err := r.DB.ExecContext(ctx, query, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, id)
	if err != nil {
		return fmt.Errorf("update tokens for account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("account", id)
	}
	return nil
}

func (r *AccountRepository) MarkSynced(ctx context.Context, id int64, kind SyncKind, at time.Time) error {
	var query string
	switch kind {
	case SyncOrders:
		query = `UPDATE marketplace_accounts SET last_orders_sync_at = $1 WHERE id = $2`
	case SyncCatalog:
		query = `UPDATE marketplace_accounts SET last_catalog_sync_at = $1 WHERE id = $2`
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}
	_, err := r.DB.ExecContext(ctx, query, at, id)
	return err
}

func (r *AccountRepository) DisableSync(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = "disabled"
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE marketplace_accounts SET sync_disabled_reason = $1 WHERE id = $2`, reason, id)
	return err
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
