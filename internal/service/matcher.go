package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

// Matcher turns orders into email queue rows. It has two entry points:
// MatchPending for order events and FanOutCampaign for a campaign that has
// just been activated. Both end in the same enqueue.
type Matcher struct {
	Accounts  repository.AccountRepositoryInterface
	Orders    repository.OrderRepositoryInterface
	Events    repository.EventRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	Queue     repository.EmailQueueRepositoryInterface
	Config    config.Matcher
	Log       *zap.Logger
	Now       func() time.Time
}

type MatchResult struct {
	Events   int
	Enqueued int
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// MatchPending consumes up to limit outbox events in commit order. Events
// are marked consumed only after their rows are enqueued; a crash replays
// them and the enqueue absorbs the duplicates.
func (m *Matcher) MatchPending(ctx context.Context, limit int) (MatchResult, error) {
	var res MatchResult
	events, err := m.Events.ListPending(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("list order events: %w", err)
	}

	contexts := map[int64]*model.AccountContext{}
	done := make([]int64, 0, len(events))
	defer func() {
		if len(done) == 0 {
			return
		}
		if err := m.Events.MarkConsumed(ctx, done); err != nil {
			m.Log.Error("mark events consumed", zap.Error(err), zap.Int("events", len(done)))
		}
	}()

	for _, evt := range events {
		n, err := m.matchEvent(ctx, contexts, evt)
		if err != nil {
			return res, err
		}
		res.Events++
		res.Enqueued += n
		done = append(done, evt.ID)
	}
	return res, nil
}

func (m *Matcher) matchEvent(ctx context.Context, contexts map[int64]*model.AccountContext, evt model.OrderEvent) (int, error) {
	log := m.Log.With(zap.Int64("account_id", evt.AccountID), zap.String("order_id", evt.OrderID))

	ac, ok := contexts[evt.AccountID]
	if !ok {
		var err error
		ac, err = m.Accounts.GetContext(ctx, evt.AccountID)
		if appErrors.IsNotFound(err) {
			log.Warn("event for unknown account")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		contexts[evt.AccountID] = ac
	}

	order, err := m.Orders.GetByOrderID(ctx, evt.AccountID, evt.OrderID)
	if appErrors.IsNotFound(err) {
		log.Warn("event for unknown order")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	campaigns, err := m.Campaigns.ListMatching(ctx, ac.Tenant.ID, ac.Marketplace.ID, evt.NewStatus)
	if err != nil {
		return 0, fmt.Errorf("list matching campaigns: %w", err)
	}
	enqueued := 0
	for _, c := range campaigns {
		ok, err := m.enqueue(ctx, *ac, order, c)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// FanOutCampaign enqueues the campaign for every order of its tenant and
// marketplace purchased since activation and sitting in the trigger status.
func (m *Matcher) FanOutCampaign(ctx context.Context, campaignID int64) (int, error) {
	c, err := m.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != model.CampaignActive || c.ActivationAt == nil {
		return 0, &appErrors.ValidationError{Entity: "campaign", Key: fmt.Sprint(c.ID), Reason: "not active"}
	}
	log := m.Log.With(zap.Int64("campaign_id", c.ID))

	accounts, err := m.Accounts.ListByTenantMarketplace(ctx, c.TenantID, c.MarketplaceID)
	if err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(accounts))
	contexts := make(map[int64]model.AccountContext, len(accounts))
	for _, a := range accounts {
		ac, err := m.Accounts.GetContext(ctx, a.ID)
		if err != nil {
			return 0, err
		}
		ids = append(ids, a.ID)
		contexts[a.ID] = *ac
	}

	batch := m.Config.Batch
	if batch <= 0 {
		batch = 500
	}
	enqueued := 0
	var after int64
	for {
		orders, err := m.Orders.ListForActivation(ctx, ids, c.TriggerOrderStatus, *c.ActivationAt, after, batch)
		if err != nil {
			return enqueued, fmt.Errorf("list orders for activation: %w", err)
		}
		for i := range orders {
			o := &orders[i]
			ok, err := m.enqueue(ctx, contexts[o.AccountID], o, c)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
			after = o.ID
		}
		if len(orders) < batch {
			break
		}
	}
	log.Info("campaign fan-out finished", zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// enqueue is the single enqueue path. It applies the campaign filters,
// freezes the template and inserts the row unless a live one exists.
func (m *Matcher) enqueue(ctx context.Context, ac model.AccountContext, order *model.Order, c *model.EmailCampaign) (bool, error) {
	log := m.Log.With(zap.Int64("campaign_id", c.ID), zap.String("order_id", order.OrderID))

	pass, err := m.eligible(ctx, order, c)
	if err != nil || !pass {
		return false, err
	}

	tmpl, err := m.Templates.GetByID(ctx, c.TemplateID)
	if appErrors.IsNotFound(err) {
		log.Warn("campaign template missing", zap.Int64("template_id", c.TemplateID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load template %d: %w", c.TemplateID, err)
	}
	snap, err := m.Templates.Snapshot(ctx, tmpl)
	if err != nil {
		return false, fmt.Errorf("snapshot template %d: %w", c.TemplateID, err)
	}

	now := m.now()
	row := &model.EmailQueueRow{
		OrderRef:   order.ID,
		CampaignID: c.ID,
		SnapshotID: snap.ID,
		SentTo:     order.BuyerEmail,
		SentFrom:   ac.Account.SenderEmail,
		Subject:    RenderTemplate(snap.Subject, RenderData(ac, order)),
		ScheduleAt: ScheduleAt(c, order.ReportAt, now, ac.Tenant.Location()),
	}
	ok, err := m.Queue.Enqueue(ctx, row, now.Add(-m.Config.FailedRetryWindow.Std()))
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	if ok {
		metrics.QueueRowsEnqueuedTotal.Inc()
		log.Debug("queued email", zap.Int64("queue_row_id", row.ID), zap.Time("schedule_at", row.ScheduleAt))
	}
	return ok, nil
}

// eligible applies the activation window and the exclude, channel and
// purchase-count filters.
func (m *Matcher) eligible(ctx context.Context, order *model.Order, c *model.EmailCampaign) (bool, error) {
	if !c.ActivatedBefore(order.PurchaseAt) {
		return false, nil
	}
	for _, tag := range OrderTags(order) {
		if slices.Contains(c.ExcludeFilter, tag) {
			return false, nil
		}
	}
	if len(c.ChannelFilter) > 0 && !slices.Contains(c.ChannelFilter, order.FulfillmentChannel) {
		return false, nil
	}
	if len(c.PurchaseCountFilter) == 0 {
		return true, nil
	}
	nth := 1
	if order.BuyerEmail != "" {
		prior, err := m.Orders.CountPriorPurchases(ctx, order.AccountID, order.BuyerEmail, order.PurchaseAt, order.ID)
		if err != nil {
			return false, fmt.Errorf("count prior purchases: %w", err)
		}
		nth = prior + 1
	}
	return PurchaseCountMatches(c.PurchaseCountFilter, nth), nil
}

// OrderTags derives the exclusion tags an order carries.
func OrderTags(o *model.Order) []model.ExcludeFlag {
	var tags []model.ExcludeFlag
	if o.FeedbackRating != nil && *o.FeedbackRating >= 1 && *o.FeedbackRating <= 5 {
		tags = append(tags, model.FeedbackFlag(*o.FeedbackRating))
	}
	if o.HasReturn {
		tags = append(tags, model.ExcludeWithReturns)
	}
	if o.HasRefund {
		tags = append(tags, model.ExcludeWithRefunds)
	}
	return tags
}

// PurchaseCountMatches reports whether the nth purchase passes the filter.
// The largest value in the filter also covers every later purchase.
func PurchaseCountMatches(filter []int, nth int) bool {
	if len(filter) == 0 {
		return true
	}
	if slices.Contains(filter, nth) {
		return true
	}
	return nth > slices.Max(filter)
}
