package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

func TestPurchaseCountMatches(t *testing.T) {
	tests := []struct {
		filter []int
		nth    int
		want   bool
	}{
		{nil, 5, true},
		{[]int{1, 3}, 1, true},
		{[]int{1, 3}, 2, false},
		{[]int{1, 3}, 3, true},
		{[]int{1, 3}, 4, true},
		{[]int{2}, 1, false},
	}
	for _, tt := range tests {
		if got := service.PurchaseCountMatches(tt.filter, tt.nth); got != tt.want {
			t.Errorf("PurchaseCountMatches(%v, %d) = %v, want %v", tt.filter, tt.nth, got, tt.want)
		}
	}
}

func TestOrderTags(t *testing.T) {
	o := &model.Order{FeedbackRating: ptr(5), HasReturn: true}
	require.Equal(t, []model.ExcludeFlag{model.ExcludeFeedback5Star, model.ExcludeWithReturns}, service.OrderTags(o))

	o = &model.Order{FeedbackRating: ptr(0), HasRefund: true}
	require.Equal(t, []model.ExcludeFlag{model.ExcludeWithRefunds}, service.OrderTags(o))

	require.Empty(t, service.OrderTags(&model.Order{}))
}

func TestExcludeFilterSkipsTaggedOrders(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) {
		c.ExcludeFilter = []model.ExcludeFlag{model.ExcludeFeedback1Star, model.ExcludeWithRefunds}
	})
	h.ingest(t,
		h.order("O-1", model.OrderPending, day0.Add(-3*time.Hour), day0),
		h.order("O-2", model.OrderPending, day0.Add(-2*time.Hour), day0),
		h.order("O-3", model.OrderPending, day0.Add(-time.Hour), day0),
	)
	h.match(t)
	h.store.SetOrderTags(h.stored(t, "O-1").ID, ptr(1), false, false)
	h.store.SetOrderTags(h.stored(t, "O-2").ID, ptr(4), false, true)
	h.store.SetOrderTags(h.stored(t, "O-3").ID, ptr(4), true, false)

	h.clock.Advance(time.Minute)
	at := h.clock.Now()
	h.ingest(t,
		h.order("O-1", model.OrderShipped, day0.Add(-3*time.Hour), at),
		h.order("O-2", model.OrderShipped, day0.Add(-2*time.Hour), at),
		h.order("O-3", model.OrderShipped, day0.Add(-time.Hour), at),
	)
	require.Equal(t, 1, h.match(t).Enqueued)
	require.Equal(t, h.stored(t, "O-3").ID, h.onlyRow(t).OrderRef)
}

func TestChannelFilter(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) {
		c.ChannelFilter = []model.FulfillmentChannel{model.ChannelFBM}
	})
	fba := h.order("O-1", model.OrderShipped, day0.Add(-2*time.Hour), day0)
	fbm := h.order("O-2", model.OrderShipped, day0.Add(-time.Hour), day0)
	fbm.FulfillmentChannel = model.ChannelFBM
	h.ingest(t, fba, fbm)

	require.Equal(t, 1, h.match(t).Enqueued)
	require.Equal(t, h.stored(t, "O-2").ID, h.onlyRow(t).OrderRef)
}

func TestPurchaseCountFilterUsesBuyerHistory(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.PurchaseCountFilter = []int{2} })
	first := h.order("O-1", model.OrderShipped, day0.Add(-48*time.Hour), day0)
	second := h.order("O-2", model.OrderShipped, day0.Add(-24*time.Hour), day0)
	third := h.order("O-3", model.OrderShipped, day0.Add(-time.Hour), day0)
	first.BuyerEmail = "repeat@example.com"
	second.BuyerEmail = "repeat@example.com"
	third.BuyerEmail = "repeat@example.com"
	h.ingest(t, first, second, third)

	require.Equal(t, 2, h.match(t).Enqueued)
	rows := h.store.QueueRows()
	require.Len(t, rows, 2)
	require.Equal(t, h.stored(t, "O-2").ID, rows[0].OrderRef)
	require.Equal(t, h.stored(t, "O-3").ID, rows[1].OrderRef)
}

func TestOrdersBeforeActivationAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.ActivationAt = ptr(day0) })
	h.ingest(t,
		h.order("O-1", model.OrderShipped, day0.Add(-time.Minute), day0),
		h.order("O-2", model.OrderShipped, day0, day0),
	)
	require.Equal(t, 1, h.match(t).Enqueued)
	require.Equal(t, h.stored(t, "O-2").ID, h.onlyRow(t).OrderRef)
}

func TestMissingTemplateSkipsCampaign(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.TemplateID = 4242 })
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))

	res := h.match(t)
	require.Equal(t, 1, res.Events)
	require.Equal(t, 0, res.Enqueued)
	require.Empty(t, h.store.QueueRows())
}

func TestEnqueuedRowCarriesRenderedSubjectAndSender(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)

	row := h.onlyRow(t)
	require.Equal(t, c.ID, row.CampaignID)
	require.Equal(t, "Your order O-1", row.Subject)
	require.Equal(t, "buyer-O-1@example.com", row.SentTo)
	require.Equal(t, "shop@example.com", row.SentFrom)
	require.Equal(t, model.QueueQueued, row.Status)
	require.NotZero(t, row.SnapshotID)
}

func TestFanOutRequiresActiveCampaign(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, func(c *model.EmailCampaign) { c.Status = model.CampaignPaused })
	_, err := h.matcher.FanOutCampaign(h.ctx, c.ID)
	require.Error(t, err)
}
