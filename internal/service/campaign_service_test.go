package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

func ptr[T any](v T) *T { return &v }

func TestCreateCampaignValidates(t *testing.T) {
	h := newHarness(t)

	err := h.campaigns.CreateCampaign(h.ctx, &model.EmailCampaign{TemplateID: h.template.ID, TriggerOrderStatus: model.OrderShipped})
	require.True(t, appErrors.IsValidation(err))

	err = h.campaigns.CreateCampaign(h.ctx, &model.EmailCampaign{Name: "x", TemplateID: h.template.ID})
	require.True(t, appErrors.IsValidation(err))

	err = h.campaigns.CreateCampaign(h.ctx, &model.EmailCampaign{Name: "x", TemplateID: h.template.ID, TriggerOrderStatus: model.OrderShipped, ScheduleMode: "WEEKLY"})
	require.True(t, appErrors.IsValidation(err))

	err = h.campaigns.CreateCampaign(h.ctx, &model.EmailCampaign{Name: "x", TemplateID: 4242, TriggerOrderStatus: model.OrderShipped})
	require.True(t, appErrors.IsNotFound(err))

	c := &model.EmailCampaign{Name: "x", TemplateID: h.template.ID, TriggerOrderStatus: model.OrderShipped, Status: model.CampaignActive}
	require.NoError(t, h.campaigns.CreateCampaign(h.ctx, c))
	require.Equal(t, model.CampaignDraft, c.Status)
	require.Equal(t, model.ScheduleImmediate, c.ScheduleMode)
	require.Nil(t, c.ActivationAt)
}

func TestArchivedCampaignCannotBeActivated(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, func(c *model.EmailCampaign) { c.Status = model.CampaignArchived })

	_, err := h.campaigns.Activate(h.ctx, c.ID)
	require.True(t, appErrors.IsValidation(err))

	_, err = h.campaigns.Activate(h.ctx, 4242)
	require.True(t, appErrors.IsNotFound(err))
}

func TestPauseRequiresActiveCampaign(t *testing.T) {
	h := newHarness(t)
	draft := h.activeCampaign(t, func(c *model.EmailCampaign) { c.Status = model.CampaignDraft })
	require.True(t, appErrors.IsValidation(h.campaigns.Pause(h.ctx, draft.ID)))

	active := h.activeCampaign(t, nil)
	require.NoError(t, h.campaigns.Pause(h.ctx, active.ID))
	require.NoError(t, h.campaigns.Pause(h.ctx, active.ID))

	got, err := h.store.Campaigns().GetByID(h.ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignPaused, got.Status)
}

func TestDeleteCascadesWithoutTerminalRows(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	require.Len(t, h.store.QueueRows(), 1)

	archived, err := h.campaigns.Delete(h.ctx, c.ID)
	require.NoError(t, err)
	require.False(t, archived)
	require.Empty(t, h.store.QueueRows())

	_, err = h.store.Campaigns().GetByID(h.ctx, c.ID)
	require.True(t, appErrors.IsNotFound(err))
}

func TestDeleteArchivesCampaignWithSentRows(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	archived, err := h.campaigns.Delete(h.ctx, c.ID)
	require.NoError(t, err)
	require.True(t, archived)
	require.Len(t, h.store.QueueRows(), 1)

	got, err := h.store.Campaigns().GetByID(h.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignArchived, got.Status)
}

func TestStatsCountsRowsPerStatus(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.messaging.optOut("O-2")
	h.ingest(t,
		h.order("O-1", model.OrderShipped, day0.Add(-3*time.Hour), day0),
		h.order("O-2", model.OrderShipped, day0.Add(-2*time.Hour), day0),
	)
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)
	h.ingest(t, h.order("O-3", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)

	details, err := h.campaigns.Stats(h.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, string(model.CampaignActive), details.Status)
	require.Equal(t, map[string]int{
		"queued":    1,
		"scheduled": 0,
		"sent":      1,
		"opt_out":   1,
		"failed":    0,
		"total":     3,
	}, details.Stats)
}

func TestPreviewRendersStoredOrder(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	o := h.stored(t, "O-1")

	got, err := h.campaigns.Preview(h.ctx, c.ID, o.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "Your order O-1", got.Subject)
	require.Equal(t, "Hi Erika, thanks for buying  on amazon.de.", got.Body)

	got, err = h.campaigns.Preview(h.ctx, c.ID, o.ID, &service.PreviewOverride{Subject: ptr("  "), Body: ptr("Order {order_id} for {seller_name}")})
	require.NoError(t, err)
	require.Equal(t, "Your order O-1", got.Subject)
	require.Equal(t, "Order O-1 for Kettle Shop", got.Body)

	_, err = h.campaigns.Preview(h.ctx, c.ID, 4242, nil)
	require.True(t, appErrors.IsNotFound(err))
}

func TestPreviewRejectsOtherTenantsOrder(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	other := h.store.AddTenant(model.Tenant{Currency: "USD"})
	acct := h.store.AddAccount(model.MarketplaceAccount{TenantID: other.ID, MarketplaceID: h.market.ID, Active: true})
	_, err := h.store.Orders().UpsertOrders(h.ctx, acct.ID, []model.Order{h.order("X-1", model.OrderShipped, day0, day0)})
	require.NoError(t, err)
	o, err := h.store.Orders().GetByOrderID(h.ctx, acct.ID, "X-1")
	require.NoError(t, err)

	_, err = h.campaigns.Preview(h.ctx, c.ID, o.ID, nil)
	require.True(t, appErrors.IsValidation(err))
}

func TestLedgerAllowsUntilQuotaRunsOut(t *testing.T) {
	h := newHarness(t)
	ledger := &service.Ledger{Quotas: h.store.Quotas(), Log: zap.NewNop()}
	h.store.SetQuota(h.tenant.ID, model.QuotaAutoReviewRequest, 1)

	ok, err := ledger.Allows(h.ctx, h.tenant.ID, model.QuotaAutoReviewRequest)
	require.NoError(t, err)
	require.True(t, ok)

	h.store.SetQuota(h.tenant.ID, model.QuotaAutoReviewRequest, 0)

	ok, err = ledger.Allows(h.ctx, h.tenant.ID, model.QuotaAutoReviewRequest)
	require.NoError(t, err)
	require.False(t, ok)

	// a tenant without quota rows has nothing to spend
	ok, err = ledger.Allows(h.ctx, 4242, model.QuotaFreeEmail)
	require.NoError(t, err)
	require.False(t, ok)
}
