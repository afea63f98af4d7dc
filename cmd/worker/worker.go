package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/marketplace-automation/internal/config"
	"github.com/unclebandit/marketplace-automation/internal/db"
	"github.com/unclebandit/marketplace-automation/internal/handler"
	"github.com/unclebandit/marketplace-automation/internal/mail"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/queue"
	"github.com/unclebandit/marketplace-automation/internal/report"
	"github.com/unclebandit/marketplace-automation/internal/repository"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

// stores is the set of repositories the pipeline reads and writes.
type stores struct {
	accounts  repository.AccountRepositoryInterface
	orders    repository.OrderRepositoryInterface
	events    repository.EventRepositoryInterface
	campaigns repository.CampaignRepositoryInterface
	templates repository.TemplateRepositoryInterface
	queue     repository.EmailQueueRepositoryInterface
	quotas    repository.QuotaRepositoryInterface
}

func postgresStores(conn *sql.DB) stores {
	return stores{
		accounts:  &repository.AccountRepository{DB: conn},
		orders:    &repository.OrderRepository{DB: conn},
		events:    &repository.EventRepository{DB: conn},
		campaigns: &repository.CampaignRepository{DB: conn},
		templates: &repository.TemplateRepository{DB: conn},
		queue:     &repository.EmailQueueRepository{DB: conn},
		quotas:    &repository.QuotaRepository{DB: conn},
	}
}

// edges are the outside systems a worker talks to.
type edges struct {
	syncer    queue.Syncer
	messaging service.MessagingAPI
	mail      mail.Transport
	blobs     mail.BlobStore
}

type worker struct {
	broker   queue.Broker
	runtime  *queue.Runtime
	periodic *queue.Periodic
	checks   map[string]handler.Check
	closers  []func() error
}

func assemble(cfg config.Config, st stores, broker queue.Broker, e edges, log *zap.Logger) *worker {
	p := &queue.Pipeline{
		Broker:   broker,
		Accounts: st.accounts,
		Syncer:   e.syncer,
		Matcher: &service.Matcher{
			Accounts:  st.accounts,
			Orders:    st.orders,
			Events:    st.events,
			Campaigns: st.campaigns,
			Templates: st.templates,
			Queue:     st.queue,
			Config:    cfg.Matcher,
			Log:       log.Named("matcher"),
		},
		Scheduler: &service.Scheduler{
			Queue:      st.queue,
			Publisher:  &queue.DispatchPublisher{Broker: broker},
			Batch:      cfg.Scheduler.Batch,
			StaleAfter: cfg.Dispatch.StaleAfter.Std(),
			Log:        log.Named("scheduler"),
		},
		Dispatcher: &service.Dispatcher{
			Accounts:  st.accounts,
			Orders:    st.orders,
			Campaigns: st.campaigns,
			Templates: st.templates,
			Queue:     st.queue,
			Ledger:    &service.Ledger{Quotas: st.quotas, Log: log.Named("ledger")},
			Messaging: e.messaging,
			Mail:      e.mail,
			Blobs:     e.blobs,
			Config:    cfg.Dispatch,
			Log:       log.Named("dispatcher"),
		},
		Config: cfg,
		Log:    log.Named("pipeline"),
	}

	rt := queue.NewRuntime(broker, log.Named("runtime"))
	p.Register(rt)
	return &worker{
		broker:   broker,
		runtime:  rt,
		periodic: &queue.Periodic{Broker: broker, Triggers: p.Triggers(), Log: log.Named("periodic")},
		checks:   map[string]handler.Check{"broker": broker.Health},
		closers:  []func() error{broker.Close},
	}
}

// newWorker wires the production pipeline against Postgres, the configured
// broker and the marketplace API.
func newWorker(ctx context.Context, cfg config.Config, log *zap.Logger) (*worker, error) {
	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	broker, err := queue.Open(cfg.Queue, conn, log.Named("broker"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	transport, err := mail.New(cfg.Mail, log.Named("mail"))
	if err != nil {
		broker.Close()
		conn.Close()
		return nil, fmt.Errorf("mail transport: %w", err)
	}

	st := postgresStores(conn)
	tokens := marketplace.NewTokenSource(marketplace.TokenSourceConfig{
		TokenURL:     cfg.API.TokenURL,
		ClientID:     cfg.API.LWAClientID,
		ClientSecret: cfg.API.LWAClientSecret,
		RefreshSkew:  cfg.API.TokenRefreshSkew.Std(),
	}, st.accounts, nil, log.Named("tokens"))
	client := marketplace.New(marketplace.Config{
		CallTimeout:           cfg.API.CallTimeout.Std(),
		DownloadTimeout:       cfg.API.DownloadTimeout.Std(),
		PerAccountConcurrency: cfg.API.PerAccountConcurrency,
		Regions:               cfg.API.Regions,
	}, tokens, nil, log.Named("marketplace"))

	e := edges{
		syncer:    report.NewIngestor(client, st.orders, st.accounts, cfg.Report, log.Named("report")),
		messaging: client,
		mail:      transport,
	}
	if cfg.Mail.AttachmentsDir != "" {
		e.blobs = mail.FSBlobStore{Root: cfg.Mail.AttachmentsDir}
	}

	w := assemble(cfg, st, broker, e, log)
	w.checks["database"] = conn.PingContext
	w.closers = append(w.closers, conn.Close)
	return w, nil
}

// Run drives the consumers and the periodic triggers until ctx is done.
func (w *worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runtime.Run(ctx) })
	g.Go(func() error { return w.periodic.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *worker) Close() error {
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
