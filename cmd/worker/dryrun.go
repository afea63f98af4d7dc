package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/mail"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/queue"
	"github.com/unclebandit/marketplace-automation/internal/report"
	"github.com/unclebandit/marketplace-automation/internal/repository/memstore"
)

//go:embed fixture.yaml
var defaultFixture []byte

type fixtureOrder struct {
	OrderID      string          `yaml:"order_id"`
	BuyerName    string          `yaml:"buyer_name"`
	BuyerEmail   string          `yaml:"buyer_email"`
	Status       string          `yaml:"status"`
	Channel      string          `yaml:"channel"`
	PurchasedAgo config.Duration `yaml:"purchased_ago"`
	Amount       string          `yaml:"amount"`
	OptOut       bool            `yaml:"opt_out"`
}

type fixtureCampaign struct {
	Name         string `yaml:"name"`
	Trigger      string `yaml:"trigger"`
	ScheduleMode string `yaml:"schedule_mode"`
	ScheduleDays int    `yaml:"schedule_days"`
	SendOnOptOut bool   `yaml:"send_on_optout"`
	Subject      string `yaml:"subject"`
	Body         string `yaml:"body"`
}

// fixture describes a single seller for running the pipeline without a
// database or marketplace credentials.
type fixture struct {
	Tenant struct {
		Currency string `yaml:"currency"`
		TimeZone string `yaml:"time_zone"`
	} `yaml:"tenant"`
	Marketplace struct {
		Region        string `yaml:"region"`
		Country       string `yaml:"country"`
		MarketplaceID string `yaml:"marketplace_id"`
	} `yaml:"marketplace"`
	Account struct {
		SellerID    string `yaml:"seller_id"`
		StoreName   string `yaml:"store_name"`
		SenderEmail string `yaml:"sender_email"`
	} `yaml:"account"`
	Quota struct {
		Emails         int `yaml:"emails"`
		ReviewRequests int `yaml:"review_requests"`
	} `yaml:"quota"`
	Campaigns []fixtureCampaign `yaml:"campaigns"`
	Orders    []fixtureOrder    `yaml:"orders"`
}

func readFixture(path string) ([]byte, error) {
	if path == "" {
		return defaultFixture, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return raw, nil
}

func parseFixture(raw []byte) (*fixture, error) {
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if f.Tenant.Currency == "" {
		f.Tenant.Currency = "EUR"
	}
	for i, c := range f.Campaigns {
		if c.Name == "" || c.Trigger == "" {
			return nil, fmt.Errorf("campaign %d: name and trigger are required", i)
		}
	}
	for i, o := range f.Orders {
		if o.OrderID == "" || o.Status == "" {
			return nil, fmt.Errorf("order %d: order_id and status are required", i)
		}
		if o.Amount != "" {
			if _, err := decimal.NewFromString(o.Amount); err != nil {
				return nil, fmt.Errorf("order %s: amount: %w", o.OrderID, err)
			}
		}
	}
	return &f, nil
}

// seed loads the fixture into store. Campaigns start active with an
// activation time before every fixture order.
func (f *fixture) seed(ctx context.Context, store *memstore.Store, now time.Time) (model.MarketplaceAccount, error) {
	tenant := store.AddTenant(model.Tenant{Currency: f.Tenant.Currency, TimeZone: f.Tenant.TimeZone})
	market := store.AddMarketplace(model.Marketplace{
		Region:        f.Marketplace.Region,
		Country:       f.Marketplace.Country,
		MarketplaceID: f.Marketplace.MarketplaceID,
	})
	account := store.AddAccount(model.MarketplaceAccount{
		TenantID:      tenant.ID,
		MarketplaceID: market.ID,
		SellerID:      f.Account.SellerID,
		StoreName:     f.Account.StoreName,
		SenderEmail:   f.Account.SenderEmail,
		Active:        true,
	})
	store.SetQuota(tenant.ID, model.QuotaFreeEmail, f.Quota.Emails)
	store.SetQuota(tenant.ID, model.QuotaAutoReviewRequest, f.Quota.ReviewRequests)

	activation := now.Add(-365 * 24 * time.Hour)
	for _, fc := range f.Campaigns {
		tmpl := store.AddTemplate(model.EmailTemplate{TenantID: tenant.ID, Subject: fc.Subject, Body: fc.Body})
		mode := model.ScheduleMode(fc.ScheduleMode)
		if mode == "" {
			mode = model.ScheduleImmediate
		}
		c := &model.EmailCampaign{
			TenantID:           tenant.ID,
			MarketplaceID:      market.ID,
			TemplateID:         tmpl.ID,
			Name:               fc.Name,
			ActivationAt:       &activation,
			TriggerOrderStatus: model.OrderStatus(fc.Trigger),
			Status:             model.CampaignActive,
			ScheduleMode:       mode,
			ScheduleDays:       fc.ScheduleDays,
			SendOnOptOut:       fc.SendOnOptOut,
			ChargePoints:       1,
		}
		if err := store.Campaigns().Create(ctx, c); err != nil {
			return model.MarketplaceAccount{}, fmt.Errorf("seed campaign %q: %w", fc.Name, err)
		}
	}
	return account, nil
}

// orders renders the fixture orders as one report would, stamped at reportAt.
func (f *fixture) orders(reportAt time.Time) []model.Order {
	out := make([]model.Order, 0, len(f.Orders))
	for _, fo := range f.Orders {
		amount := model.ZeroMoney(f.Tenant.Currency)
		if fo.Amount != "" {
			amount.Amount = decimal.RequireFromString(fo.Amount)
		}
		out = append(out, model.Order{
			OrderID:            fo.OrderID,
			PurchaseAt:         reportAt.Add(-fo.PurchasedAgo.Std()),
			ReportAt:           reportAt,
			BuyerEmail:         fo.BuyerEmail,
			BuyerName:          fo.BuyerName,
			FulfillmentChannel: model.FulfillmentChannel(fo.Channel),
			Status:             model.OrderStatus(fo.Status),
			Quantity:           1,
			Amount:             amount,
			Tax:                model.ZeroMoney(f.Tenant.Currency),
			Shipping:           model.ZeroMoney(f.Tenant.Currency),
		})
	}
	return out
}

// fixtureSyncer stands in for the report ingestor. Purchase times are pinned
// at the first sync so later syncs only refresh report_at.
type fixtureSyncer struct {
	fixture *fixture
	store   *memstore.Store
	base    time.Time
}

func (s *fixtureSyncer) SyncOrders(ctx context.Context, ac model.AccountContext, _ time.Duration) (report.SyncResult, error) {
	orders := s.fixture.orders(s.base)
	now := time.Now().UTC()
	for i := range orders {
		orders[i].ReportAt = now
	}
	res, err := s.store.Orders().UpsertOrders(ctx, ac.Account.ID, orders)
	if err != nil {
		return report.SyncResult{}, err
	}
	return report.SyncResult{Parsed: len(orders), UpsertResult: res}, nil
}

func (s *fixtureSyncer) SyncCatalog(context.Context, model.AccountContext, time.Duration) (report.SyncResult, error) {
	return report.SyncResult{}, nil
}

// fixtureMessaging reports opt-out for the orders the fixture flags and
// accepts every review request.
type fixtureMessaging struct {
	optOut map[string]bool
}

func (m fixtureMessaging) MessagingActions(_ context.Context, _ model.AccountContext, orderID string) (map[string]bool, error) {
	if m.optOut[orderID] {
		return map[string]bool{}, nil
	}
	return map[string]bool{
		marketplace.ActionNegativeFeedbackRemoval: true,
		marketplace.ActionSendInvoice:             true,
	}, nil
}

func (fixtureMessaging) SendReviewRequest(context.Context, model.AccountContext, string) (bool, error) {
	return true, nil
}

type dryRun struct {
	*worker
	store   *memstore.Store
	account model.MarketplaceAccount
	mail    *mail.LogTransport
}

// newDryRunWorker runs the whole pipeline in memory: fixture orders stand in
// for reports and mail is logged instead of sent.
func newDryRunWorker(ctx context.Context, cfg config.Config, raw []byte, log *zap.Logger) (*dryRun, error) {
	f, err := parseFixture(raw)
	if err != nil {
		return nil, err
	}
	store := memstore.New()
	now := time.Now().UTC()
	account, err := f.seed(ctx, store, now)
	if err != nil {
		return nil, err
	}

	optOut := map[string]bool{}
	for _, o := range f.Orders {
		if o.OptOut {
			optOut[o.OrderID] = true
		}
	}
	transport := mail.NewLogTransport(log.Named("mail"))
	st := stores{
		accounts:  store.Accounts(),
		orders:    store.Orders(),
		events:    store.Events(),
		campaigns: store.Campaigns(),
		templates: store.Templates(),
		queue:     store.EmailQueue(),
		quotas:    store.Quotas(),
	}
	e := edges{
		syncer:    &fixtureSyncer{fixture: f, store: store, base: now},
		messaging: fixtureMessaging{optOut: optOut},
		mail:      transport,
	}
	if cfg.Mail.AttachmentsDir != "" {
		e.blobs = mail.FSBlobStore{Root: cfg.Mail.AttachmentsDir}
	}
	return &dryRun{
		worker:  assemble(cfg, st, queue.NewMemoryBroker(), e, log),
		store:   store,
		account: account,
		mail:    transport,
	}, nil
}
