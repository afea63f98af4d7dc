package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/report"
	"github.com/unclebandit/marketplace-automation/internal/repository"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

// Syncer runs the report pipelines of one account.
type Syncer interface {
	SyncOrders(ctx context.Context, ac model.AccountContext, lookback time.Duration) (report.SyncResult, error)
	SyncCatalog(ctx context.Context, ac model.AccountContext, lookback time.Duration) (report.SyncResult, error)
}

var _ Syncer = (*report.Ingestor)(nil)

// Pipeline binds the task kinds to the components that handle them.
type Pipeline struct {
	Broker     Broker
	Accounts   repository.AccountRepositoryInterface
	Syncer     Syncer
	Matcher    *service.Matcher
	Scheduler  *service.Scheduler
	Dispatcher *service.Dispatcher
	Config     config.Config
	Log        *zap.Logger
}

// Register installs every handler on rt.
func (p *Pipeline) Register(rt *Runtime) {
	policies := DefaultPolicies(p.Config)
	workers := func(k Kind) int { return p.Config.Workers(string(k)) }

	Handle(rt, workers(KindReportSync), policies[KindReportSync], p.reportSync)
	Handle(rt, workers(KindMatchOrders), policies[KindMatchOrders], p.matchOrders)
	Handle(rt, workers(KindSchedulerTick), policies[KindSchedulerTick], p.schedulerTick)
	Handle(rt, workers(KindDispatch), policies[KindDispatch], p.dispatch)
	rt.OnAuth = p.disableAccount
}

func (p *Pipeline) reportSync(ctx context.Context, t ReportSync) error {
	ac, err := p.Accounts.GetContext(ctx, t.AccountID)
	if appErrors.IsNotFound(err) {
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}
	log := p.Log.With(zap.Int64("account_id", t.AccountID), zap.String("report", string(t.Report)))
	if !ac.Account.Active || ac.Account.SyncDisabledReason != "" {
		log.Info("account not syncable, skipping")
		return nil
	}

	var res report.SyncResult
	switch t.Report {
	case repository.SyncOrders:
		res, err = p.Syncer.SyncOrders(ctx, *ac, t.Lookback)
	case repository.SyncCatalog:
		res, err = p.Syncer.SyncCatalog(ctx, *ac, t.Lookback)
	default:
		return &appErrors.ValidationError{Entity: "task", Key: string(t.Report), Reason: "unknown report"}
	}
	if err != nil {
		return err
	}
	log.Info("report synced",
		zap.Time("start", res.Start),
		zap.Time("end", res.End),
		zap.Int("parsed", res.Parsed),
		zap.Int("skipped", res.Skipped),
		zap.Int("events", len(res.Events)),
	)
	if len(res.Events) > 0 {
		if err := Publish(ctx, p.Broker, MatchOrders{Limit: p.Config.Matcher.Batch}, 0); err != nil {
			log.Warn("publish match task", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) matchOrders(ctx context.Context, t MatchOrders) error {
	limit := t.Limit
	if limit <= 0 {
		limit = p.Config.Matcher.Batch
	}
	// a full batch means more events are likely waiting
	for {
		res, err := p.Matcher.MatchPending(ctx, limit)
		if err != nil {
			return err
		}
		if res.Events > 0 {
			p.Log.Info("order events matched", zap.Int("events", res.Events), zap.Int("enqueued", res.Enqueued))
		}
		if res.Events < limit || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Pipeline) schedulerTick(ctx context.Context, _ SchedulerTick) error {
	_, err := p.Scheduler.Tick(ctx)
	return err
}

func (p *Pipeline) dispatch(ctx context.Context, t Dispatch) error {
	return p.Dispatcher.Dispatch(ctx, t.RowID)
}

func (p *Pipeline) disableAccount(ctx context.Context, err *appErrors.AuthError) {
	if derr := p.Accounts.DisableSync(ctx, err.AccountID, err.Reason); derr != nil {
		p.Log.Error("disable account sync", zap.Int64("account_id", err.AccountID), zap.Error(derr))
		return
	}
	p.Log.Warn("account sync disabled", zap.Int64("account_id", err.AccountID), zap.String("reason", err.Reason))
}

// Triggers returns the periodic triggers of the worker.
func (p *Pipeline) Triggers() []Trigger {
	perAccount := func(kind repository.SyncKind) func(context.Context) ([]Task, error) {
		return func(ctx context.Context) ([]Task, error) {
			accounts, err := p.Accounts.ListSyncable(ctx)
			if err != nil {
				return nil, err
			}
			tasks := make([]Task, 0, len(accounts))
			for _, ac := range accounts {
				tasks = append(tasks, ReportSync{AccountID: ac.Account.ID, Report: kind})
			}
			return tasks, nil
		}
	}
	single := func(t Task) func(context.Context) ([]Task, error) {
		return func(context.Context) ([]Task, error) { return []Task{t}, nil }
	}
	return []Trigger{
		{Name: "orders_sync", Every: p.Config.Report.OrdersEvery.Std(), Plan: perAccount(repository.SyncOrders)},
		{Name: "catalog_sync", Every: p.Config.Report.CatalogEvery.Std(), Plan: perAccount(repository.SyncCatalog)},
		{Name: "match_orders", Every: p.Config.Matcher.Every.Std(), Plan: single(MatchOrders{Limit: p.Config.Matcher.Batch})},
		{Name: "scheduler_tick", Every: p.Config.Scheduler.Tick.Std(), Plan: single(SchedulerTick{})},
	}
}

// DispatchPublisher hands scheduled rows to the broker as Dispatch tasks.
type DispatchPublisher struct {
	Broker Broker
}

var _ service.DispatchPublisher = (*DispatchPublisher)(nil)

func (p *DispatchPublisher) PublishDispatch(ctx context.Context, rowID int64) error {
	return Publish(ctx, p.Broker, Dispatch{RowID: rowID}, 0)
}
