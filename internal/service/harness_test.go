package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/mail"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository/memstore"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

var day0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeMessaging allows every order to be messaged unless actions are set
// for it.
type fakeMessaging struct {
	mu          sync.Mutex
	actions     map[string]map[string]bool
	reviewSent  bool
	reviewErr   error
	actionCalls int
	reviewCalls int
}

func (f *fakeMessaging) MessagingActions(_ context.Context, _ model.AccountContext, orderID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionCalls++
	if a, ok := f.actions[orderID]; ok {
		return a, nil
	}
	return map[string]bool{marketplace.ActionNegativeFeedbackRemoval: true}, nil
}

func (f *fakeMessaging) SendReviewRequest(_ context.Context, _ model.AccountContext, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewCalls++
	return f.reviewSent, f.reviewErr
}

func (f *fakeMessaging) optOut(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actions == nil {
		f.actions = map[string]map[string]bool{}
	}
	f.actions[orderID] = map[string]bool{}
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (p *recordingPublisher) PublishDispatch(_ context.Context, rowID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, rowID)
	return nil
}

func (p *recordingPublisher) drain() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.ids
	p.ids = nil
	return ids
}

type harness struct {
	ctx      context.Context
	store    *memstore.Store
	clock    *clock
	tenant   model.Tenant
	market   model.Marketplace
	account  model.MarketplaceAccount
	template model.EmailTemplate

	messaging *fakeMessaging
	transport *mail.LogTransport
	publisher *recordingPublisher

	matcher    *service.Matcher
	scheduler  *service.Scheduler
	dispatcher *service.Dispatcher
	campaigns  *service.CampaignService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	clk := &clock{t: day0}
	store := memstore.New()
	store.SetClock(clk.Now)

	h := &harness{
		ctx:       context.Background(),
		store:     store,
		clock:     clk,
		messaging: &fakeMessaging{reviewSent: true},
		transport: mail.NewLogTransport(log),
		publisher: &recordingPublisher{},
	}
	h.tenant = store.AddTenant(model.Tenant{Currency: "EUR", TimeZone: "UTC"})
	h.market = store.AddMarketplace(model.Marketplace{Region: "eu", Country: "DE", MarketplaceID: "A1PA6795UKMFR9"})
	h.account = store.AddAccount(model.MarketplaceAccount{
		TenantID:      h.tenant.ID,
		MarketplaceID: h.market.ID,
		SellerID:      "SELLER1",
		StoreName:     "Kettle Shop",
		SenderEmail:   "shop@example.com",
		Active:        true,
	})
	h.template = store.AddTemplate(model.EmailTemplate{
		TenantID: h.tenant.ID,
		Subject:  "Your order {order_id}",
		Body:     "Hi {buyer_name}, thanks for buying {product_name} on {marketplace_domain}.",
		Language: "de",
	})
	store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, 10)
	store.SetQuota(h.tenant.ID, model.QuotaAutoReviewRequest, 10)

	h.matcher = &service.Matcher{
		Accounts:  store.Accounts(),
		Orders:    store.Orders(),
		Events:    store.Events(),
		Campaigns: store.Campaigns(),
		Templates: store.Templates(),
		Queue:     store.EmailQueue(),
		Config:    config.Matcher{Batch: 3, FailedRetryWindow: config.Duration(day)},
		Log:       log,
		Now:       clk.Now,
	}
	h.scheduler = &service.Scheduler{
		Queue:      store.EmailQueue(),
		Publisher:  h.publisher,
		Batch:      50,
		StaleAfter: 15 * time.Minute,
		Log:        log,
		Now:        clk.Now,
	}
	h.dispatcher = &service.Dispatcher{
		Accounts:  store.Accounts(),
		Orders:    store.Orders(),
		Campaigns: store.Campaigns(),
		Templates: store.Templates(),
		Queue:     store.EmailQueue(),
		Ledger:    &service.Ledger{Quotas: store.Quotas(), Log: log},
		Messaging: h.messaging,
		Mail:      h.transport,
		Config:    config.Dispatch{MaxAttempts: 3},
		Log:       log,
		Now:       clk.Now,
	}
	h.campaigns = &service.CampaignService{
		CampaignRepo: store.Campaigns(),
		TemplateRepo: store.Templates(),
		OrderRepo:    store.Orders(),
		AccountRepo:  store.Accounts(),
		Matcher:      h.matcher,
		Log:          log,
		Now:          clk.Now,
	}
	return h
}

// activeCampaign stores an active Immediate campaign triggered by Shipped.
func (h *harness) activeCampaign(t *testing.T, mutate func(*model.EmailCampaign)) *model.EmailCampaign {
	t.Helper()
	activation := day0.Add(-30 * day)
	c := &model.EmailCampaign{
		TenantID:           h.tenant.ID,
		MarketplaceID:      h.market.ID,
		TemplateID:         h.template.ID,
		Name:               "thank you",
		ActivationAt:       &activation,
		TriggerOrderStatus: model.OrderShipped,
		Status:             model.CampaignActive,
		ScheduleMode:       model.ScheduleImmediate,
		ChargePoints:       1,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, h.store.Campaigns().Create(h.ctx, c))
	return c
}

func (h *harness) order(id string, status model.OrderStatus, purchaseAt, reportAt time.Time) model.Order {
	return model.Order{
		OrderID:            id,
		PurchaseAt:         purchaseAt,
		ReportAt:           reportAt,
		BuyerEmail:         "buyer-" + id + "@example.com",
		BuyerName:          "Erika",
		FulfillmentChannel: model.ChannelFBA,
		Status:             status,
		Quantity:           1,
		Amount:             model.ZeroMoney("EUR"),
		Tax:                model.ZeroMoney("EUR"),
		Shipping:           model.ZeroMoney("EUR"),
	}
}

func (h *harness) ingest(t *testing.T, orders ...model.Order) model.UpsertResult {
	t.Helper()
	res, err := h.store.Orders().UpsertOrders(h.ctx, h.account.ID, orders)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	return res
}

func (h *harness) stored(t *testing.T, orderID string) *model.Order {
	t.Helper()
	o, err := h.store.Orders().GetByOrderID(h.ctx, h.account.ID, orderID)
	require.NoError(t, err)
	return o
}

func (h *harness) match(t *testing.T) service.MatchResult {
	t.Helper()
	res, err := h.matcher.MatchPending(h.ctx, 100)
	require.NoError(t, err)
	return res
}

func (h *harness) tick(t *testing.T) service.TickResult {
	t.Helper()
	res, err := h.scheduler.Tick(h.ctx)
	require.NoError(t, err)
	return res
}

// dispatchPublished runs every Dispatch task the scheduler handed out.
func (h *harness) dispatchPublished(t *testing.T) {
	t.Helper()
	for _, id := range h.publisher.drain() {
		require.NoError(t, h.dispatcher.Dispatch(h.ctx, id))
	}
}

func (h *harness) quota(t *testing.T, code model.QuotaCode) int {
	t.Helper()
	n, err := h.store.Quotas().Remaining(h.ctx, h.tenant.ID, code)
	require.NoError(t, err)
	return n
}

func (h *harness) onlyRow(t *testing.T) model.EmailQueueRow {
	t.Helper()
	rows := h.store.QueueRows()
	require.Len(t, rows, 1)
	return rows[0]
}

func requireNoDuplicateLiveRows(t *testing.T, rows []model.EmailQueueRow) {
	t.Helper()
	type key struct{ order, campaign int64 }
	live := map[key]int{}
	for _, r := range rows {
		if r.Status.Live() {
			k := key{r.OrderRef, r.CampaignID}
			live[k]++
			require.LessOrEqual(t, live[k], 1, "duplicate live row for order %d campaign %d", r.OrderRef, r.CampaignID)
		}
	}
}
