//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/marketplace-automation/internal/db/dbtest"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type seeded struct {
	tenantID   int64
	marketID   int64
	accountID  int64
	templateID int64
}

func seed(t *testing.T, conn *sql.DB) seeded {
	t.Helper()
	ctx := context.Background()
	var s seeded
	require.NoError(t, conn.QueryRowContext(ctx,
		`INSERT INTO tenants (currency, time_zone) VALUES ('EUR', 'Europe/Berlin') RETURNING id`).Scan(&s.tenantID))
	require.NoError(t, conn.QueryRowContext(ctx,
		`INSERT INTO marketplaces (region, country, marketplace_id) VALUES ('eu', 'DE', 'A1PA6795UKMFR9') RETURNING id`).Scan(&s.marketID))
	require.NoError(t, conn.QueryRowContext(ctx, `
        INSERT INTO marketplace_accounts (tenant_id, marketplace_id, seller_id, store_name, sender_email, refresh_token)
        VALUES ($1, $2, 'SELLER1', 'Kettle Shop', 'shop@example.com', 'Atzr|sealed') RETURNING id`,
		s.tenantID, s.marketID).Scan(&s.accountID))
	require.NoError(t, conn.QueryRowContext(ctx, `
        INSERT INTO email_templates (tenant_id, subject, body) VALUES ($1, 'Order {order_id}', 'Hi {buyer_name}') RETURNING id`,
		s.tenantID).Scan(&s.templateID))
	_, err := conn.ExecContext(ctx, `
        INSERT INTO quota_balances (tenant_id, code, remaining) VALUES ($1, $2, 1), ($1, $3, 1)`,
		s.tenantID, string(model.QuotaFreeEmail), string(model.QuotaAutoReviewRequest))
	require.NoError(t, err)
	return s
}

func testOrder(id string, status model.OrderStatus, purchaseAt, reportAt time.Time) model.Order {
	return model.Order{
		OrderID:            id,
		PurchaseAt:         purchaseAt,
		ReportAt:           reportAt,
		BuyerEmail:         "erika@example.com",
		BuyerName:          "Erika",
		FulfillmentChannel: model.ChannelFBA,
		Status:             status,
		Quantity:           1,
		Amount:             model.ZeroMoney("EUR"),
		Tax:                model.ZeroMoney("EUR"),
		Shipping:           model.ZeroMoney("EUR"),
	}
}

func TestPostgresRepositories(t *testing.T) {
	conn := dbtest.Postgres(t)
	ctx := context.Background()
	s := seed(t, conn)

	accounts := &repository.AccountRepository{DB: conn}
	orders := &repository.OrderRepository{DB: conn}
	events := &repository.EventRepository{DB: conn}
	campaigns := &repository.CampaignRepository{DB: conn}
	templates := &repository.TemplateRepository{DB: conn}
	queue := &repository.EmailQueueRepository{DB: conn}
	quotas := &repository.QuotaRepository{DB: conn}

	now := time.Now().UTC().Truncate(time.Second)
	purchase := now.Add(-48 * time.Hour)

	t.Run("account context", func(t *testing.T) {
		ac, err := accounts.GetContext(ctx, s.accountID)
		require.NoError(t, err)
		require.Equal(t, "Europe/Berlin", ac.Tenant.TimeZone)
		require.Equal(t, "DE", ac.Marketplace.Country)

		syncable, err := accounts.ListSyncable(ctx)
		require.NoError(t, err)
		require.Len(t, syncable, 1)

		_, err = accounts.GetContext(ctx, s.accountID+1000)
		require.True(t, appErrors.IsNotFound(err))
	})

	var orderRef int64
	t.Run("newest report wins", func(t *testing.T) {
		res, err := orders.UpsertOrders(ctx, s.accountID, []model.Order{
			testOrder("302-1", model.OrderPending, purchase, now.Add(-2*time.Hour)),
			{OrderID: "302-bad"},
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Inserted)
		require.Len(t, res.Rejected, 1)
		require.Len(t, res.Events, 1)

		res, err = orders.UpsertOrders(ctx, s.accountID, []model.Order{
			testOrder("302-1", model.OrderShipped, purchase, now.Add(-time.Hour)),
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Updated)
		require.Len(t, res.Events, 1)
		require.Equal(t, model.EventOrderStatusChanged, res.Events[0].Kind)
		require.Equal(t, model.OrderPending, res.Events[0].OldStatus)

		res, err = orders.UpsertOrders(ctx, s.accountID, []model.Order{
			testOrder("302-1", model.OrderCanceled, purchase, now.Add(-3*time.Hour)),
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Unchanged)
		require.Empty(t, res.Events)

		o, err := orders.GetByOrderID(ctx, s.accountID, "302-1")
		require.NoError(t, err)
		require.Equal(t, model.OrderShipped, o.Status)
		orderRef = o.ID

		pending, err := events.ListPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		ids := []int64{pending[0].ID, pending[1].ID}
		require.NoError(t, events.MarkConsumed(ctx, ids))
		pending, err = events.ListPending(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, pending)
	})

	var campaign *model.EmailCampaign
	var row *model.EmailQueueRow
	t.Run("enqueue keeps one live row", func(t *testing.T) {
		activation := now.Add(-30 * 24 * time.Hour)
		campaign = &model.EmailCampaign{
			TenantID:           s.tenantID,
			MarketplaceID:      s.marketID,
			TemplateID:         s.templateID,
			Name:               "thank you",
			ActivationAt:       &activation,
			TriggerOrderStatus: model.OrderShipped,
			Status:             model.CampaignActive,
			ChargePoints:       3,
		}
		require.NoError(t, campaigns.Create(ctx, campaign))

		matching, err := campaigns.ListMatching(ctx, s.tenantID, s.marketID, model.OrderShipped)
		require.NoError(t, err)
		require.Len(t, matching, 1)

		tmpl, err := templates.GetByID(ctx, s.templateID)
		require.NoError(t, err)
		snap, err := templates.Snapshot(ctx, tmpl)
		require.NoError(t, err)
		again, err := templates.Snapshot(ctx, tmpl)
		require.NoError(t, err)
		require.Equal(t, snap.ID, again.ID)

		row = &model.EmailQueueRow{
			OrderRef:   orderRef,
			CampaignID: campaign.ID,
			SnapshotID: snap.ID,
			SentTo:     "erika@example.com",
			SentFrom:   "shop@example.com",
			ScheduleAt: now.Add(-time.Minute),
		}
		inserted, err := queue.Enqueue(ctx, row, now.Add(-24*time.Hour))
		require.NoError(t, err)
		require.True(t, inserted)

		dup := *row
		dup.ID = 0
		inserted, err = queue.Enqueue(ctx, &dup, now.Add(-24*time.Hour))
		require.NoError(t, err)
		require.False(t, inserted)
	})

	t.Run("claim and apply outcome", func(t *testing.T) {
		claimed, err := queue.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, model.QueueScheduled, claimed[0].Status)

		claimed, err = queue.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		require.Empty(t, claimed)

		require.NoError(t, queue.RecordAttempt(ctx, row.ID, 1, "smtp 421"))

		sentAt := now
		outcome := model.DispatchOutcome{
			RowID:        row.ID,
			OrderRef:     orderRef,
			TenantID:     s.tenantID,
			Status:       model.QueueSent,
			SentAt:       &sentAt,
			AttemptCount: 2,
			EmailCharge:  3,
		}
		require.NoError(t, queue.ApplyOutcome(ctx, outcome))
		require.ErrorIs(t, queue.ApplyOutcome(ctx, outcome), appErrors.ErrConflict)

		got, err := queue.GetByID(ctx, row.ID)
		require.NoError(t, err)
		require.Equal(t, model.QueueSent, got.Status)
		require.Equal(t, 2, got.AttemptCount)

		// the charge exceeded the balance and is clamped at zero
		remaining, err := quotas.Remaining(ctx, s.tenantID, model.QuotaFreeEmail)
		require.NoError(t, err)
		require.Equal(t, 0, remaining)

		stats, err := campaigns.GetCampaignStats(ctx, campaign.ID)
		require.NoError(t, err)
		require.Equal(t, 1, stats[string(model.QueueSent)])

		terminal, err := campaigns.HasTerminalRows(ctx, campaign.ID)
		require.NoError(t, err)
		require.True(t, terminal)
	})

	t.Run("review charge never overdraws", func(t *testing.T) {
		fallback := *campaign
		fallback.ID = 0
		fallback.Name = "review fallback"
		fallback.SendOnOptOut = true
		require.NoError(t, campaigns.Create(ctx, &fallback))

		r := &model.EmailQueueRow{
			OrderRef:   orderRef,
			CampaignID: fallback.ID,
			SnapshotID: row.SnapshotID,
			SentTo:     "erika@example.com",
			SentFrom:   "shop@example.com",
			ScheduleAt: now.Add(-time.Minute),
		}
		inserted, err := queue.Enqueue(ctx, r, now.Add(-24*time.Hour))
		require.NoError(t, err)
		require.True(t, inserted)
		claimed, err := queue.ClaimDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// the balance holds 1 unit, a charge of 2 is refused whole
		require.NoError(t, queue.ApplyOutcome(ctx, model.DispatchOutcome{
			RowID:        r.ID,
			OrderRef:     orderRef,
			TenantID:     s.tenantID,
			Status:       model.QueueOptOut,
			MarkOptOut:   true,
			ReviewCharge: 2,
		}))
		remaining, err := quotas.Remaining(ctx, s.tenantID, model.QuotaAutoReviewRequest)
		require.NoError(t, err)
		require.Equal(t, 1, remaining)
	})
}
