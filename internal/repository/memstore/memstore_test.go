package memstore

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func order(id string, status model.OrderStatus, reportAt time.Time) model.Order {
	return model.Order{
		OrderID:    id,
		PurchaseAt: t0.Add(-time.Hour),
		ReportAt:   reportAt,
		Status:     status,
		BuyerEmail: "buyer@example.com",
	}
}

func TestUpsertOrdersEmitsEventsOnlyForChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	repo := s.Orders()

	res, err := repo.UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderPending, t0)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, res.Events, 1)
	require.Equal(t, model.EventOrderCreated, res.Events[0].Kind)

	// same report time: no-op
	res, err = repo.UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderShipped, t0)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Unchanged)
	require.Empty(t, res.Events)

	res, err = repo.UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderShipped, t0.Add(5*time.Minute))})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Len(t, res.Events, 1)
	require.Equal(t, model.OrderPending, res.Events[0].OldStatus)
	require.Equal(t, model.OrderShipped, res.Events[0].NewStatus)

	// older report arriving late is ignored
	res, err = repo.UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderUnshipped, t0.Add(time.Minute))})
	require.NoError(t, err)
	require.Equal(t, 1, res.Unchanged)

	got, err := repo.GetByOrderID(ctx, 1, "A")
	require.NoError(t, err)
	require.Equal(t, model.OrderShipped, got.Status)
	require.Len(t, s.AllEvents(), 2)
}

func TestUpsertOrdersRejectsInvalidRowsWithoutFailingBatch(t *testing.T) {
	s := New()
	bad := order("", model.OrderPending, t0)
	res, err := s.Orders().UpsertOrders(context.Background(), 1, []model.Order{bad, order("B", model.OrderPending, t0)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, res.Rejected, 1)
	require.True(t, appErrors.IsValidation(res.Rejected[0]))
}

func TestUpsertOrdersKeepsOptOutFlag(t *testing.T) {
	ctx := context.Background()
	s := New()
	res, err := s.Orders().UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderPending, t0)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	o, err := s.Orders().GetByOrderID(ctx, 1, "A")
	require.NoError(t, err)
	s.mu.Lock()
	s.orders[o.ID].OptOut = true
	s.mu.Unlock()

	_, err = s.Orders().UpsertOrders(ctx, 1, []model.Order{order("A", model.OrderShipped, t0.Add(time.Hour))})
	require.NoError(t, err)
	o, err = s.Orders().GetByOrderID(ctx, 1, "A")
	require.NoError(t, err)
	require.True(t, o.OptOut)
}

func TestReplayPermutationConvergesToNewestStatus(t *testing.T) {
	statuses := []model.OrderStatus{model.OrderPending, model.OrderUnshipped, model.OrderShipped, model.OrderCanceled}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var batch []model.Order
		for i := 0; i < 6; i++ {
			batch = append(batch, order("X", statuses[rng.Intn(len(statuses))], t0.Add(time.Duration(i)*time.Minute)))
		}
		want := batch[len(batch)-1].Status

		shuffled := append([]model.Order(nil), batch...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := New()
		for _, o := range shuffled {
			_, err := s.Orders().UpsertOrders(context.Background(), 1, []model.Order{o})
			require.NoError(t, err)
		}
		got, err := s.Orders().GetByOrderID(context.Background(), 1, "X")
		require.NoError(t, err)
		require.Equal(t, want, got.Status, "round %d", round)
	}
}

func TestItemsReplacedOnlyByNewerReport(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Orders().UpsertProducts(ctx, 1, []model.Product{{SKU: "SKU-1", Title: "Kettle", Status: model.ProductActive}})
	require.NoError(t, err)

	o := order("A", model.OrderShipped, t0)
	o.Items = []model.OrderItem{{ItemID: "i1", SKU: "SKU-1", Quantity: 1}, {ItemID: "i1", SKU: "SKU-1", Quantity: 2}}
	_, err = s.Orders().UpsertOrders(ctx, 1, []model.Order{o})
	require.NoError(t, err)

	stale := order("A", model.OrderShipped, t0.Add(-time.Hour))
	stale.Items = []model.OrderItem{{ItemID: "other", SKU: "SKU-9", Quantity: 9}}
	_, err = s.Orders().UpsertOrders(ctx, 1, []model.Order{stale})
	require.NoError(t, err)

	got, err := s.Orders().GetByOrderID(ctx, 1, "A")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.Equal(t, 3, got.Items[0].Quantity)
	require.Equal(t, "Kettle", got.Items[0].Title)
}

func TestEnqueueBlocksLiveAndRecentFailedRows(t *testing.T) {
	ctx := context.Background()
	s := New()
	q := s.EmailQueue()

	row := &model.EmailQueueRow{OrderRef: 1, CampaignID: 2, ScheduleAt: t0}
	ok, err := q.Enqueue(ctx, row, t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(ctx, &model.EmailQueueRow{OrderRef: 1, CampaignID: 2, ScheduleAt: t0}, t0)
	require.NoError(t, err)
	require.False(t, ok)

	s.mu.Lock()
	s.queue[row.ID].Status = model.QueueFailed
	s.queue[row.ID].UpdatedAt = t0
	s.mu.Unlock()

	ok, err = q.Enqueue(ctx, &model.EmailQueueRow{OrderRef: 1, CampaignID: 2}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "failed row inside the retry window blocks")

	ok, err = q.Enqueue(ctx, &model.EmailQueueRow{OrderRef: 1, CampaignID: 2}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok, "failed row older than the window does not block")
}

func TestApplyOutcomeRequiresScheduled(t *testing.T) {
	ctx := context.Background()
	s := New()
	row := &model.EmailQueueRow{OrderRef: 1, CampaignID: 2, ScheduleAt: t0}
	_, err := s.EmailQueue().Enqueue(ctx, row, t0)
	require.NoError(t, err)

	err = s.EmailQueue().ApplyOutcome(ctx, model.DispatchOutcome{RowID: row.ID, Status: model.QueueSent})
	require.ErrorIs(t, err, appErrors.ErrConflict)
}

func TestQuotaNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetQuota(1, model.QuotaFreeEmail, 10)
	s.SetQuota(1, model.QuotaAutoReviewRequest, 3)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		row := &model.EmailQueueRow{OrderRef: int64(i + 1), CampaignID: 2, ScheduleAt: t0}
		_, err := s.EmailQueue().Enqueue(ctx, row, t0)
		require.NoError(t, err)
		s.queue[row.ID].Status = model.QueueScheduled
		require.NoError(t, s.EmailQueue().ApplyOutcome(ctx, model.DispatchOutcome{
			RowID:        row.ID,
			TenantID:     1,
			Status:       model.QueueSent,
			EmailCharge:  rng.Intn(4),
			ReviewCharge: rng.Intn(3),
		}))
		for _, code := range []model.QuotaCode{model.QuotaFreeEmail, model.QuotaAutoReviewRequest} {
			n, err := s.Quotas().Remaining(ctx, 1, code)
			require.NoError(t, err)
			require.GreaterOrEqual(t, n, 0)
		}
	}
	n, err := s.Quotas().Remaining(ctx, 2, model.QuotaFreeEmail)
	require.NoError(t, err)
	require.Zero(t, n, "tenant without a balance row has nothing to spend")
}

func TestSnapshotReusesUnchangedTemplate(t *testing.T) {
	ctx := context.Background()
	s := New()
	tpl := s.AddTemplate(model.EmailTemplate{TenantID: 1, Subject: "Hi", Body: "Thanks {buyer_name}", Language: "en"})

	a, err := s.Templates().Snapshot(ctx, &tpl)
	require.NoError(t, err)
	b, err := s.Templates().Snapshot(ctx, &tpl)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	tpl.Body = "Thank you {buyer_name}"
	c, err := s.Templates().Snapshot(ctx, &tpl)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}
