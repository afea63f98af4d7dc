package service_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/mail"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

func TestShippedOrderIsMailedOnce(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)

	h.ingest(t, h.order("O-1", model.OrderPending, day0.Add(-time.Hour), day0))
	require.Equal(t, 0, h.match(t).Enqueued)

	h.clock.Set(day0.Add(5 * time.Minute))
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0.Add(5*time.Minute)))
	res := h.match(t)
	require.Equal(t, 1, res.Events)
	require.Equal(t, 1, res.Enqueued)

	tick := h.tick(t)
	require.Equal(t, 1, tick.Scheduled)
	require.Equal(t, model.QueueScheduled, h.onlyRow(t).Status)

	h.dispatchPublished(t)
	row := h.onlyRow(t)
	require.Equal(t, model.QueueSent, row.Status)
	require.NotNil(t, row.SentAt)
	require.Equal(t, 1, row.AttemptCount)
	require.Equal(t, 9, h.quota(t, model.QuotaFreeEmail))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "buyer-O-1@example.com", sent[0].To)
	require.Equal(t, "shop@example.com", sent[0].From)
	require.Equal(t, "Your order O-1", sent[0].Subject)
	require.Contains(t, sent[0].Body, "amazon.de")

	// a later status report does not queue the campaign again
	h.clock.Advance(time.Hour)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), h.clock.Now()))
	require.Equal(t, 0, h.match(t).Enqueued)
	require.Len(t, h.store.QueueRows(), 1)
}

func TestDelayedCampaignWaitsOutScheduleDays(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) {
		c.ScheduleMode = model.ScheduleDelayDays
		c.ScheduleDays = 7
	})

	h.ingest(t, h.order("O-1", model.OrderPending, day0.Add(-time.Hour), day0))
	h.match(t)
	changeAt := day0.Add(5 * time.Minute)
	h.clock.Set(changeAt)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), changeAt))
	require.Equal(t, 1, h.match(t).Enqueued)

	row := h.onlyRow(t)
	require.WithinDuration(t, changeAt.Add(7*day), row.ScheduleAt, time.Minute)

	h.clock.Set(changeAt.Add(6 * day))
	require.Equal(t, 0, h.tick(t).Scheduled)
	require.Equal(t, model.QueueQueued, h.onlyRow(t).Status)

	h.clock.Set(changeAt.Add(7 * day))
	require.Equal(t, 1, h.tick(t).Scheduled)
	h.dispatchPublished(t)
	require.Equal(t, model.QueueSent, h.onlyRow(t).Status)
}

func TestOptOutFallsBackToReviewRequest(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.SendOnOptOut = true })
	h.store.SetQuota(h.tenant.ID, model.QuotaAutoReviewRequest, 1)
	h.messaging.optOut("O-1")

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	row := h.onlyRow(t)
	require.Equal(t, model.QueueOptOut, row.Status)
	o := h.stored(t, "O-1")
	require.True(t, o.OptOut)
	require.True(t, o.ReviewRequested)
	require.Equal(t, 1, h.messaging.reviewCalls)
	require.Equal(t, 0, h.quota(t, model.QuotaAutoReviewRequest))
	require.Equal(t, 10, h.quota(t, model.QuotaFreeEmail))
	require.Empty(t, h.transport.Sent())

	// terminal: a duplicate task and a second fan-out change nothing
	require.NoError(t, h.dispatcher.Dispatch(h.ctx, row.ID))
	n, err := h.matcher.FanOutCampaign(h.ctx, row.CampaignID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, model.QueueOptOut, h.onlyRow(t).Status)
	require.Equal(t, 1, h.messaging.reviewCalls)
}

func TestOptOutWithoutFallbackSkipsReviewRequest(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.messaging.optOut("O-1")

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	require.Equal(t, model.QueueOptOut, h.onlyRow(t).Status)
	require.Equal(t, 0, h.messaging.reviewCalls)
	require.False(t, h.stored(t, "O-1").ReviewRequested)
}

func TestOptOutReviewRequestFailureStillClosesRow(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.SendOnOptOut = true })
	h.messaging.optOut("O-1")
	h.messaging.reviewErr = errors.New("400 invalid order")

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	require.Equal(t, model.QueueOptOut, h.onlyRow(t).Status)
	require.True(t, h.stored(t, "O-1").OptOut)
	require.False(t, h.stored(t, "O-1").ReviewRequested)
	require.Equal(t, 10, h.quota(t, model.QuotaAutoReviewRequest))
}

func TestOptOutReviewRequestTransientErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.SendOnOptOut = true })
	h.messaging.optOut("O-1")
	h.messaging.reviewErr = &appErrors.TransientError{Op: "solicitations.send", StatusCode: 429, Err: errors.New("throttled")}

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	ids := h.publisher.drain()
	require.Len(t, ids, 1)

	err := h.dispatcher.Dispatch(h.ctx, ids[0])
	require.True(t, appErrors.IsTransient(err))
	require.Equal(t, model.QueueScheduled, h.onlyRow(t).Status)
	require.False(t, h.stored(t, "O-1").OptOut)

	h.messaging.reviewErr = nil
	require.NoError(t, h.dispatcher.Dispatch(h.ctx, ids[0]))
	require.Equal(t, model.QueueOptOut, h.onlyRow(t).Status)
	require.True(t, h.stored(t, "O-1").ReviewRequested)
	require.Equal(t, 2, h.messaging.reviewCalls)
	require.Equal(t, 9, h.quota(t, model.QuotaAutoReviewRequest))
}

func TestEmptyEmailQuotaFailsWithoutSending(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, 0)

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	row := h.onlyRow(t)
	require.Equal(t, model.QueueFailed, row.Status)
	require.Equal(t, model.FailureQuotaExhausted, row.FailureReason)
	require.Empty(t, h.transport.Sent())
	require.Equal(t, 0, h.quota(t, model.QuotaFreeEmail))

	require.Equal(t, 0, h.tick(t).Scheduled)
	require.Empty(t, h.publisher.drain())
}

func TestDuplicateReportIngestQueuesOnce(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.Name = "second" })

	o := h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0)
	first := h.ingest(t, o)
	second := h.ingest(t, o)

	require.Equal(t, 1, first.Inserted)
	require.Equal(t, 1, second.Unchanged)
	require.Equal(t, 1, h.store.OrderCount())
	require.Len(t, h.store.AllEvents(), 1)

	res := h.match(t)
	require.Equal(t, 2, res.Enqueued)
	require.Len(t, h.store.QueueRows(), 2)
	require.Equal(t, 0, h.match(t).Events)
}

func TestActivationFansOutToOrdersSinceActivation(t *testing.T) {
	h := newHarness(t)
	offsets := []time.Duration{-72 * time.Hour, -48 * time.Hour, -time.Hour, 0, 12 * time.Hour, 24 * time.Hour, 30 * time.Hour, 36 * time.Hour, 44 * time.Hour, 48 * time.Hour}
	statuses := []model.OrderStatus{
		model.OrderShipped, model.OrderShipped, model.OrderShipped,
		model.OrderShipped, model.OrderPending, model.OrderShipped, model.OrderShipped,
		model.OrderCanceled, model.OrderShipped, model.OrderShipped,
	}
	var orders []model.Order
	for i, off := range offsets {
		orders = append(orders, h.order(string(rune('A'+i)), statuses[i], day0.Add(off), day0.Add(off+time.Hour)))
	}
	h.ingest(t, orders...)

	c := &model.EmailCampaign{
		TenantID:           h.tenant.ID,
		MarketplaceID:      h.market.ID,
		TemplateID:         h.template.ID,
		Name:               "launch",
		TriggerOrderStatus: model.OrderShipped,
	}
	require.NoError(t, h.campaigns.CreateCampaign(h.ctx, c))
	require.Equal(t, model.CampaignDraft, c.Status)

	res, err := h.campaigns.Activate(h.ctx, c.ID)
	require.NoError(t, err)
	require.True(t, day0.Equal(*res.ActivationAt))
	require.Equal(t, 5, res.RowsQueued)

	rows := h.store.QueueRows()
	require.Len(t, rows, 5)
	for _, r := range rows {
		o, err := h.store.Orders().GetByID(h.ctx, r.OrderRef)
		require.NoError(t, err)
		require.Equal(t, model.OrderShipped, o.Status)
		require.False(t, o.PurchaseAt.Before(day0))
		require.False(t, r.ScheduleAt.Before(o.ReportAt))
	}

	// the outbox events for the same orders add nothing
	require.Equal(t, 0, h.match(t).Enqueued)
	again, err := h.campaigns.Activate(h.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, again.RowsQueued)
	requireNoDuplicateLiveRows(t, h.store.QueueRows())
}

func TestSendFailuresRetryUntilAttemptCap(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.transport.Fail = func(mail.Message) error { return errors.New("421 try later") }

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	ids := h.publisher.drain()
	require.Len(t, ids, 1)

	for attempt := 1; attempt < 3; attempt++ {
		err := h.dispatcher.Dispatch(h.ctx, ids[0])
		require.Error(t, err)
		row := h.onlyRow(t)
		require.Equal(t, model.QueueScheduled, row.Status)
		require.Equal(t, attempt, row.AttemptCount)
		require.Contains(t, row.LastError, "421")
	}

	require.NoError(t, h.dispatcher.Dispatch(h.ctx, ids[0]))
	row := h.onlyRow(t)
	require.Equal(t, model.QueueFailed, row.Status)
	require.Equal(t, model.FailureSendError, row.FailureReason)
	require.Equal(t, 3, row.AttemptCount)
	require.Equal(t, 10, h.quota(t, model.QuotaFreeEmail))
}

func TestFailedRowRequeuedAfterRetryWindow(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, 0)

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)
	require.Equal(t, model.QueueFailed, h.onlyRow(t).Status)

	h.clock.Advance(time.Hour)
	n, err := h.matcher.FanOutCampaign(h.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	h.clock.Advance(day)
	h.store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, 5)
	n, err = h.matcher.FanOutCampaign(h.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.tick(t)
	h.dispatchPublished(t)
	rows := h.store.QueueRows()
	require.Len(t, rows, 2)
	require.Equal(t, model.QueueFailed, rows[0].Status)
	require.Equal(t, model.QueueSent, rows[1].Status)
}

func TestMissingBuyerEmailFailsAsMissingData(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	o := h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0)
	o.BuyerEmail = ""
	h.ingest(t, o)

	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	row := h.onlyRow(t)
	require.Equal(t, model.QueueFailed, row.Status)
	require.Equal(t, model.FailureMissingData, row.FailureReason)
}

func TestUnsafeBuyerAddressFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	o := h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0)
	o.BuyerEmail = "erika@example.com\r\nBcc: everyone@example.com"
	h.ingest(t, o)

	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	row := h.onlyRow(t)
	require.Equal(t, model.QueueFailed, row.Status)
	require.Equal(t, model.FailureMissingData, row.FailureReason)
	require.Empty(t, h.transport.Sent())
	require.Empty(t, h.publisher.drain())
	require.Equal(t, 10, h.quota(t, model.QuotaFreeEmail))
}

func TestStoredOptOutOutlivesLaterMessagingActions(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.messaging.optOut("O-1")

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)
	require.Equal(t, model.QueueOptOut, h.onlyRow(t).Status)
	require.True(t, h.stored(t, "O-1").OptOut)
	calls := h.messaging.actionCalls

	// the marketplace now offers sendInvoice, but the stored flag wins
	h.messaging.actions["O-1"] = map[string]bool{marketplace.ActionSendInvoice: true}
	second := h.activeCampaign(t, func(c *model.EmailCampaign) { c.Name = "follow up" })
	n, err := h.matcher.FanOutCampaign(h.ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.tick(t)
	h.dispatchPublished(t)

	rows := h.store.QueueRows()
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, model.QueueOptOut, r.Status)
	}
	require.Empty(t, h.transport.Sent())
	require.Equal(t, calls, h.messaging.actionCalls)
	require.Equal(t, 10, h.quota(t, model.QuotaFreeEmail))
}

func TestAttachmentWithoutStoreFailsAsMissingData(t *testing.T) {
	h := newHarness(t)
	tmpl := h.template
	tmpl.Attachments = []string{"manual.pdf"}
	h.store.UpdateTemplate(tmpl)
	h.activeCampaign(t, nil)

	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	row := h.onlyRow(t)
	require.Equal(t, model.QueueFailed, row.Status)
	require.Equal(t, model.FailureMissingData, row.FailureReason)
	require.Empty(t, h.transport.Sent())
}

func TestTemplateEditsDoNotChangeQueuedMail(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)

	edited := h.template
	edited.Subject = "Changed"
	edited.Body = "Changed body"
	h.store.UpdateTemplate(edited)

	h.tick(t)
	h.dispatchPublished(t)
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "Your order O-1", sent[0].Subject)
	require.Contains(t, sent[0].Body, "Hi Erika")
}

func TestChargeAboveBalanceClampsAtZero(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, func(c *model.EmailCampaign) { c.ChargePoints = 3 })
	h.store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, 1)

	h.ingest(t,
		h.order("O-1", model.OrderShipped, day0.Add(-2*time.Hour), day0),
		h.order("O-2", model.OrderShipped, day0.Add(-time.Hour), day0),
	)
	h.match(t)
	h.tick(t)
	h.dispatchPublished(t)

	rows := h.store.QueueRows()
	require.Len(t, rows, 2)
	require.Equal(t, model.QueueSent, rows[0].Status)
	require.Equal(t, model.QueueFailed, rows[1].Status)
	require.Equal(t, model.FailureQuotaExhausted, rows[1].FailureReason)
	require.Equal(t, 0, h.quota(t, model.QuotaFreeEmail))
}

func TestLostDispatchTaskIsRepublished(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)

	h.publisher.err = errors.New("broker down")
	res := h.tick(t)
	require.Equal(t, 1, res.Unpublished)
	require.Equal(t, model.QueueScheduled, h.onlyRow(t).Status)

	h.publisher.err = nil
	h.clock.Advance(5 * time.Minute)
	require.Equal(t, 0, h.tick(t).Reclaimed)

	h.clock.Advance(15 * time.Minute)
	require.Equal(t, 1, h.tick(t).Reclaimed)
	h.dispatchPublished(t)
	require.Equal(t, model.QueueSent, h.onlyRow(t).Status)
}

func TestPausedCampaignRowsWaitForResume(t *testing.T) {
	h := newHarness(t)
	c := h.activeCampaign(t, nil)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))
	h.match(t)

	require.NoError(t, h.campaigns.Pause(h.ctx, c.ID))
	require.Equal(t, 0, h.tick(t).Scheduled)

	res, err := h.campaigns.Activate(h.ctx, c.ID)
	require.NoError(t, err)
	require.True(t, c.ActivationAt.Equal(*res.ActivationAt))
	require.Equal(t, 0, res.RowsQueued)
	require.Equal(t, 1, h.tick(t).Scheduled)
}

func TestEventsForUnknownAccountsAreConsumed(t *testing.T) {
	h := newHarness(t)
	h.activeCampaign(t, nil)
	_, err := h.store.Orders().UpsertOrders(h.ctx, 9999, []model.Order{h.order("X-1", model.OrderShipped, day0, day0)})
	require.NoError(t, err)
	h.ingest(t, h.order("O-1", model.OrderShipped, day0.Add(-time.Hour), day0))

	res := h.match(t)
	require.Equal(t, 2, res.Events)
	require.Equal(t, 1, res.Enqueued)
	for _, e := range h.store.AllEvents() {
		require.NotNil(t, e.ConsumedAt)
	}
}

func TestRandomPipelineNeverDuplicatesLiveRows(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []model.OrderStatus{model.OrderPending, model.OrderUnshipped, model.OrderShipped, model.OrderCanceled}

	for round := 0; round < 20; round++ {
		h := newHarness(t)
		campaigns := []*model.EmailCampaign{
			h.activeCampaign(t, nil),
			h.activeCampaign(t, func(c *model.EmailCampaign) { c.TriggerOrderStatus = model.OrderUnshipped }),
		}
		h.store.SetQuota(h.tenant.ID, model.QuotaFreeEmail, rng.Intn(4))
		if rng.Intn(2) == 0 {
			h.transport.Fail = func(mail.Message) error { return errors.New("450 mailbox busy") }
		}

		for step := 0; step < 40; step++ {
			h.clock.Advance(time.Duration(rng.Intn(120)) * time.Minute)
			switch rng.Intn(5) {
			case 0, 1:
				id := string(rune('A' + rng.Intn(4)))
				h.ingest(t, h.order(id, statuses[rng.Intn(len(statuses))], day0.Add(-time.Hour), h.clock.Now()))
			case 2:
				h.match(t)
			case 3:
				_, err := h.matcher.FanOutCampaign(h.ctx, campaigns[rng.Intn(len(campaigns))].ID)
				require.NoError(t, err)
			case 4:
				h.tick(t)
				for _, id := range h.publisher.drain() {
					_ = h.dispatcher.Dispatch(h.ctx, id)
				}
			}
			requireNoDuplicateLiveRows(t, h.store.QueueRows())
			require.GreaterOrEqual(t, h.quota(t, model.QuotaFreeEmail), 0)
		}
	}
}
