package model

import "time"

type Tenant struct {
	ID       int64  `db:"id" json:"id"`
	Currency string `db:"currency" json:"currency"`
	TimeZone string `db:"time_zone" json:"time_zone"`
}

// Location resolves the tenant time zone, falling back to UTC.
func (t Tenant) Location() *time.Location {
	if t.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Marketplace struct {
	ID            int64  `db:"id" json:"id"`
	Region        string `db:"region" json:"region"`
	Country       string `db:"country" json:"country"`
	MarketplaceID string `db:"marketplace_id" json:"marketplace_id"`
	EndpointURL   string `db:"endpoint_url" json:"endpoint_url"`
}

// MarketplaceAccount links a tenant to a seller on one marketplace. The token
// fields are written only by the marketplace client's token source.
type MarketplaceAccount struct {
	ID                 int64      `db:"id" json:"id"`
	TenantID           int64      `db:"tenant_id" json:"tenant_id"`
	MarketplaceID      int64      `db:"marketplace_id" json:"marketplace_id"`
	SellerID           string     `db:"seller_id" json:"seller_id"`
	StoreName          string     `db:"store_name" json:"store_name"`
	SenderEmail        string     `db:"sender_email" json:"sender_email"`
	RefreshToken       string     `db:"refresh_token" json:"-"`
	AccessToken        string     `db:"access_token" json:"-"`
	AccessTokenExpires *time.Time `db:"access_token_expires_at" json:"-"`
	LastOrdersSyncAt   *time.Time `db:"last_orders_sync_at" json:"last_orders_sync_at,omitempty"`
	LastCatalogSyncAt  *time.Time `db:"last_catalog_sync_at" json:"last_catalog_sync_at,omitempty"`
	SyncDisabledReason string     `db:"sync_disabled_reason" json:"sync_disabled_reason,omitempty"`
	Active             bool       `db:"active" json:"active"`
}

// AccountContext is the explicit (tenant, account, marketplace) scope every
// task runs under.
type AccountContext struct {
	Tenant      Tenant
	Account     MarketplaceAccount
	Marketplace Marketplace
}

// TokenSet is what a refresh produces and what gets persisted atomically.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
