package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/mail"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

// MessagingAPI is the part of the marketplace client the dispatcher uses.
type MessagingAPI interface {
	MessagingActions(ctx context.Context, ac model.AccountContext, orderID string) (map[string]bool, error)
	SendReviewRequest(ctx context.Context, ac model.AccountContext, orderID string) (bool, error)
}

var _ MessagingAPI = (*marketplace.Client)(nil)

// Dispatcher takes one SCHEDULED row to a terminal state, or back to the
// task queue after a failed send.
type Dispatcher struct {
	Accounts  repository.AccountRepositoryInterface
	Orders    repository.OrderRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	Queue     repository.EmailQueueRepositoryInterface
	Ledger    *Ledger
	Messaging MessagingAPI
	Mail      mail.Transport
	Blobs     mail.BlobStore
	Config    config.Dispatch
	Log       *zap.Logger
	Now       func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Dispatch processes the row with the given id. Rows no longer SCHEDULED
// are skipped, so a duplicated task is harmless. A failed send below the
// attempt cap returns a TransientError for the task runtime to retry.
func (d *Dispatcher) Dispatch(ctx context.Context, rowID int64) error {
	if d.Config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Config.Deadline.Std())
		defer cancel()
	}
	log := d.Log.With(zap.Int64("queue_row_id", rowID))

	row, err := d.Queue.GetByID(ctx, rowID)
	if appErrors.IsNotFound(err) {
		log.Info("queue row gone")
		return nil
	}
	if err != nil {
		return err
	}
	if row.Status != model.QueueScheduled {
		log.Debug("queue row not scheduled", zap.String("status", string(row.Status)))
		return nil
	}

	order, err := d.Orders.GetByID(ctx, row.OrderRef)
	if err != nil {
		return fmt.Errorf("load order %d: %w", row.OrderRef, err)
	}
	campaign, err := d.Campaigns.GetByID(ctx, row.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign %d: %w", row.CampaignID, err)
	}
	ac, err := d.Accounts.GetContext(ctx, order.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", order.AccountID, err)
	}
	log = log.With(
		zap.Int64("account_id", ac.Account.ID),
		zap.String("order_id", order.OrderID),
		zap.Int64("campaign_id", campaign.ID),
	)

	tenantID := ac.Tenant.ID
	optOut := order.OptOut
	if !optOut {
		actions, err := d.Messaging.MessagingActions(ctx, *ac, order.OrderID)
		if err != nil {
			return fmt.Errorf("messaging actions: %w", err)
		}
		optOut = marketplace.IsOptOut(actions)
	}

	var outcome model.DispatchOutcome
	if optOut {
		outcome, err = d.optOut(ctx, *ac, order, campaign, log)
	} else {
		outcome, err = d.send(ctx, *ac, order, row, campaign, log)
	}
	if errors.Is(err, appErrors.ErrConflict) {
		log.Warn("queue row changed during dispatch")
		return nil
	}
	if err != nil {
		return err
	}
	outcome.RowID = row.ID
	outcome.OrderRef = order.ID
	outcome.TenantID = tenantID

	if err := d.Queue.ApplyOutcome(ctx, outcome); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			log.Warn("queue row changed during dispatch")
			return nil
		}
		return fmt.Errorf("apply outcome: %w", err)
	}
	metrics.DispatchTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	log.Info("dispatched",
		zap.String("status", string(outcome.Status)),
		zap.String("failure_reason", outcome.FailureReason),
		zap.Bool("review_requested", outcome.MarkReviewRequested),
	)
	return nil
}

// optOut closes the row as OPT_OUT and falls back to the marketplace's own
// review request when the campaign allows it.
func (d *Dispatcher) optOut(ctx context.Context, ac model.AccountContext, order *model.Order, c *model.EmailCampaign, log *zap.Logger) (model.DispatchOutcome, error) {
	out := model.DispatchOutcome{Status: model.QueueOptOut, MarkOptOut: true}
	if order.ReviewRequested || !c.SendOnOptOut {
		return out, nil
	}
	ok, err := d.Ledger.Allows(ctx, ac.Tenant.ID, model.QuotaAutoReviewRequest)
	if err != nil {
		return out, err
	}
	if !ok {
		metrics.ReviewRequestsTotal.WithLabelValues("no_quota").Inc()
		return out, nil
	}
	sent, err := d.Messaging.SendReviewRequest(ctx, ac, order.OrderID)
	switch {
	case appErrors.IsTransient(err):
		return out, err
	case err != nil:
		metrics.ReviewRequestsTotal.WithLabelValues("error").Inc()
		log.Warn("review request failed", zap.Error(err))
	case !sent:
		metrics.ReviewRequestsTotal.WithLabelValues("not_offered").Inc()
	default:
		metrics.ReviewRequestsTotal.WithLabelValues("sent").Inc()
		out.MarkReviewRequested = true
		out.ReviewCharge = 1
	}
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, ac model.AccountContext, order *model.Order, row *model.EmailQueueRow, c *model.EmailCampaign, log *zap.Logger) (model.DispatchOutcome, error) {
	attempt := row.AttemptCount + 1
	failed := func(reason, msg string) model.DispatchOutcome {
		return model.DispatchOutcome{Status: model.QueueFailed, FailureReason: reason, LastError: msg, AttemptCount: row.AttemptCount}
	}

	ok, err := d.Ledger.Allows(ctx, ac.Tenant.ID, model.QuotaFreeEmail)
	if err != nil {
		return model.DispatchOutcome{}, err
	}
	if !ok {
		err := &appErrors.QuotaExhaustedError{TenantID: ac.Tenant.ID, Code: string(model.QuotaFreeEmail)}
		return failed(model.FailureQuotaExhausted, err.Error()), nil
	}
	if row.SentTo == "" {
		return failed(model.FailureMissingData, "order has no buyer email"), nil
	}

	snap, err := d.Templates.GetSnapshot(ctx, row.SnapshotID)
	if err != nil {
		return model.DispatchOutcome{}, fmt.Errorf("load snapshot %d: %w", row.SnapshotID, err)
	}
	rendered := renderSnapshot(snap.Subject, snap.Body, RenderData(ac, order))

	msg := mail.Message{
		From:    row.SentFrom,
		To:      row.SentTo,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	}
	if msg.From == "" {
		msg.From = ac.Account.SenderEmail
	}
	if len(snap.Attachments) > 0 && d.Blobs == nil {
		return failed(model.FailureMissingData, "no attachment store configured"), nil
	}
	for _, ref := range snap.Attachments {
		a, err := d.Blobs.Open(ctx, ref)
		if err != nil {
			return failed(model.FailureMissingData, err.Error()), nil
		}
		msg.Attachments = append(msg.Attachments, a)
	}

	res, err := d.Mail.Send(ctx, msg)
	if appErrors.IsValidation(err) {
		return failed(model.FailureMissingData, err.Error()), nil
	}
	if err != nil {
		if attempt < d.Config.MaxAttempts {
			if rerr := d.Queue.RecordAttempt(ctx, row.ID, attempt, err.Error()); rerr != nil {
				return model.DispatchOutcome{}, rerr
			}
			metrics.DispatchTotal.WithLabelValues("retry").Inc()
			log.Warn("send failed, will retry", zap.Int("attempt", attempt), zap.Error(err))
			return model.DispatchOutcome{}, &appErrors.TransientError{Op: "mail.send", Err: err}
		}
		out := failed(model.FailureSendError, err.Error())
		out.AttemptCount = attempt
		return out, nil
	}

	sentAt := d.now()
	log.Debug("mail accepted", zap.String("message_id", res.MessageID))
	return model.DispatchOutcome{
		Status:       model.QueueSent,
		SentAt:       &sentAt,
		AttemptCount: attempt,
		EmailCharge:  c.ChargePoints,
	}, nil
}

func outcomeLabel(o model.DispatchOutcome) string {
	switch o.Status {
	case model.QueueSent:
		return "sent"
	case model.QueueOptOut:
		return "opt_out"
	}
	return "failed"
}
