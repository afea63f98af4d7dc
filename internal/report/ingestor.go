package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/marketplace-automation/internal/config"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/marketplace"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

// upsertBatch bounds the size of one store transaction.
const upsertBatch = 500

// API is the slice of the marketplace client the ingestor needs.
type API interface {
	CreateReport(ctx context.Context, ac model.AccountContext, reportType marketplace.ReportType, start, end time.Time) (string, error)
	PollReport(ctx context.Context, ac model.AccountContext, reportID string) (marketplace.PollResult, error)
	DownloadReport(ctx context.Context, ac model.AccountContext, documentID string, sink io.Writer) (int64, error)
}

var _ API = (*marketplace.Client)(nil)

// SyncResult summarizes one sync run for logging and tests.
type SyncResult struct {
	Start   time.Time
	End     time.Time
	Parsed  int
	Skipped int
	model.UpsertResult
}

func (r *SyncResult) add(u model.UpsertResult) {
	r.Inserted += u.Inserted
	r.Updated += u.Updated
	r.Unchanged += u.Unchanged
	r.Rejected = append(r.Rejected, u.Rejected...)
	r.Events = append(r.Events, u.Events...)
}

type Ingestor struct {
	api      API
	orders   repository.OrderRepositoryInterface
	accounts repository.AccountRepositoryInterface
	cfg      config.Report
	log      *zap.Logger

	// TempDir holds downloaded documents while they are parsed. Empty means
	// the OS default.
	TempDir string
	Now     func() time.Time
}

func NewIngestor(api API, orders repository.OrderRepositoryInterface, accounts repository.AccountRepositoryInterface, cfg config.Report, log *zap.Logger) *Ingestor {
	return &Ingestor{
		api:      api,
		orders:   orders,
		accounts: accounts,
		cfg:      cfg,
		log:      log,
		Now:      time.Now,
	}
}

// window picks the report range. An explicit lookback wins; otherwise a
// never-synced account gets the initial lookback and others the default.
func (in *Ingestor) window(last *time.Time, lookback, fallback time.Duration) (time.Time, time.Time) {
	end := in.Now().UTC()
	switch {
	case lookback > 0:
	case last == nil:
		lookback = in.cfg.Lookback.Initial.Std()
	default:
		lookback = fallback
	}
	return end.Add(-lookback), end
}

// SyncCatalog refreshes the product catalog of one account. A zero
// lookback uses the configured one.
func (in *Ingestor) SyncCatalog(ctx context.Context, ac model.AccountContext, lookback time.Duration) (SyncResult, error) {
	start, end := in.window(ac.Account.LastCatalogSyncAt, lookback, in.cfg.Lookback.Catalog.Std())
	res := SyncResult{Start: start, End: end}
	log := in.log.With(zap.Int64("account_id", ac.Account.ID), zap.String("report", string(marketplace.ReportMerchantListings)))

	var rows Rows[model.Product]
	err := in.fetch(ctx, ac, marketplace.ReportMerchantListings, start, end, func(r io.Reader) error {
		var err error
		rows, err = ParseListings(r)
		return err
	})
	if err != nil {
		return res, err
	}
	in.countRows(marketplace.ReportMerchantListings, len(rows.Records), rows.Skipped, log)
	res.Parsed, res.Skipped = len(rows.Records), len(rows.Skipped)

	for i := range rows.Records {
		p := &rows.Records[i]
		if p.ASIN != "" {
			p.URL = fmt.Sprintf("https://www.%s/dp/%s", marketplace.Domain(ac.Marketplace.Country), p.ASIN)
		}
	}
	for _, batch := range chunk(rows.Records, upsertBatch) {
		u, err := in.orders.UpsertProducts(ctx, ac.Account.ID, batch)
		if err != nil {
			return res, fmt.Errorf("upsert products: %w", err)
		}
		res.add(u)
	}
	if err := in.accounts.MarkSynced(ctx, ac.Account.ID, repository.SyncCatalog, end); err != nil {
		return res, err
	}
	log.Info("catalog synced",
		zap.Int("parsed", res.Parsed),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// SyncOrders runs the orders report and then the shipped-items report over
// the same window. The orders report is the source of status; items take
// their status from it, or from the store when the order is not in it.
func (in *Ingestor) SyncOrders(ctx context.Context, ac model.AccountContext, lookback time.Duration) (SyncResult, error) {
	start, end := in.window(ac.Account.LastOrdersSyncAt, lookback, in.cfg.Lookback.Orders.Std())
	res := SyncResult{Start: start, End: end}
	log := in.log.With(zap.Int64("account_id", ac.Account.ID))
	currency := ac.Tenant.Currency

	var orders Rows[model.Order]
	err := in.fetch(ctx, ac, marketplace.ReportOrders, start, end, func(r io.Reader) error {
		var err error
		orders, err = ParseOrders(r, end, currency)
		return err
	})
	if err != nil {
		return res, err
	}
	in.countRows(marketplace.ReportOrders, len(orders.Records), orders.Skipped, log)
	res.Parsed += len(orders.Records)
	res.Skipped += len(orders.Skipped)

	for _, batch := range chunk(orders.Records, upsertBatch) {
		u, err := in.orders.UpsertOrders(ctx, ac.Account.ID, batch)
		if err != nil {
			return res, fmt.Errorf("upsert orders: %w", err)
		}
		res.add(u)
	}

	var items Rows[ItemRow]
	err = in.fetch(ctx, ac, marketplace.ReportOrderItems, start, end, func(r io.Reader) error {
		var err error
		items, err = ParseOrderItems(r, currency)
		return err
	})
	if err != nil {
		return res, err
	}
	in.countRows(marketplace.ReportOrderItems, len(items.Records), items.Skipped, log)
	res.Parsed += len(items.Records)
	res.Skipped += len(items.Skipped)

	withItems, rejected, err := in.attachItems(ctx, ac.Account.ID, orders.Records, items.Records, end)
	if err != nil {
		return res, err
	}
	res.Rejected = append(res.Rejected, rejected...)
	for _, batch := range chunk(withItems, upsertBatch) {
		u, err := in.orders.UpsertOrders(ctx, ac.Account.ID, batch)
		if err != nil {
			return res, fmt.Errorf("upsert order items: %w", err)
		}
		res.add(u)
	}

	for _, e := range res.Events {
		metrics.OrderEventsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	if err := in.accounts.MarkSynced(ctx, ac.Account.ID, repository.SyncOrders, end); err != nil {
		return res, err
	}
	log.Info("orders synced",
		zap.Time("window_start", start),
		zap.Time("window_end", end),
		zap.Int("parsed", res.Parsed),
		zap.Int("skipped", res.Skipped),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("events", len(res.Events)),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// attachItems groups item rows by order. Orders missing from this run's
// orders report are taken from the store as they are, so the items keep
// the stored status; groups for orders the store has never seen are rejected.
func (in *Ingestor) attachItems(ctx context.Context, accountID int64, orders []model.Order, rows []ItemRow, reportAt time.Time) ([]model.Order, []error, error) {
	byID := make(map[string]model.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	var ids []string
	groups := map[string][]ItemRow{}
	for _, r := range rows {
		if _, ok := groups[r.OrderID]; !ok {
			ids = append(ids, r.OrderID)
		}
		groups[r.OrderID] = append(groups[r.OrderID], r)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	known := map[string]model.OrderStatus{}
	if len(missing) > 0 {
		var err error
		known, err = in.orders.KnownStatuses(ctx, accountID, missing)
		if err != nil {
			return nil, nil, fmt.Errorf("known statuses: %w", err)
		}
	}

	var out []model.Order
	var rejected []error
	for _, id := range ids {
		group := groups[id]
		o, ok := byID[id]
		if !ok {
			if _, found := known[id]; !found {
				rejected = append(rejected, &appErrors.ValidationError{Entity: "order", Key: id, Reason: "no status for shipped items"})
				continue
			}
			stored, err := in.orders.GetByOrderID(ctx, accountID, id)
			if err != nil {
				return nil, nil, fmt.Errorf("load order %s: %w", id, err)
			}
			o = *stored
			o.ReportAt = reportAt
		}
		o.Items = make([]model.OrderItem, 0, len(group))
		for _, r := range group {
			o.Items = append(o.Items, r.Item)
			if r.ShipAt != nil && (o.ShipAt == nil || r.ShipAt.After(*o.ShipAt)) {
				o.ShipAt = r.ShipAt
			}
		}
		out = append(out, o)
	}
	return out, rejected, nil
}

// fetch runs create, poll and download for one report and hands the
// document to parse.
func (in *Ingestor) fetch(ctx context.Context, ac model.AccountContext, rt marketplace.ReportType, start, end time.Time, parse func(io.Reader) error) (err error) {
	defer func() {
		metrics.ReportPipelinesTotal.WithLabelValues(string(rt), pipelineResult(err)).Inc()
	}()

	reportID, err := in.api.CreateReport(ctx, ac, rt, start, end)
	if err != nil {
		return fmt.Errorf("create %s: %w", rt, err)
	}
	docID, err := in.await(ctx, ac, reportID)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(in.TempDir, "report-*.tsv")
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	n, err := in.api.DownloadReport(ctx, ac, docID, f)
	if err != nil {
		return fmt.Errorf("download %s: %w", rt, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	in.log.Debug("report downloaded",
		zap.Int64("account_id", ac.Account.ID),
		zap.String("report", string(rt)),
		zap.String("report_id", reportID),
		zap.Int64("bytes", n),
	)
	if err := parse(f); err != nil {
		return fmt.Errorf("parse %s: %w", rt, err)
	}
	return nil
}

// await polls at most MaxPolls times, spaced by PollInterval.
func (in *Ingestor) await(ctx context.Context, ac model.AccountContext, reportID string) (string, error) {
	limiter := rate.NewLimiter(rate.Every(in.cfg.PollInterval.Std()), 1)
	for polls := 0; polls < in.cfg.MaxPolls; polls++ {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		res, err := in.api.PollReport(ctx, ac, reportID)
		if err != nil {
			return "", fmt.Errorf("poll report %s: %w", reportID, err)
		}
		switch res.Status {
		case marketplace.ReportDone:
			if res.DocumentID == "" {
				return "", &appErrors.ReportFatalError{ReportID: reportID, Status: "DONE_WITHOUT_DOCUMENT"}
			}
			return res.DocumentID, nil
		case marketplace.ReportCancelled, marketplace.ReportFatal:
			return "", &appErrors.ReportFatalError{ReportID: reportID, Status: string(res.Status)}
		}
	}
	return "", &appErrors.ReportPendingError{ReportID: reportID, Polls: in.cfg.MaxPolls}
}

func (in *Ingestor) countRows(rt marketplace.ReportType, parsed int, skipped []error, log *zap.Logger) {
	metrics.ReportRowsTotal.WithLabelValues(string(rt), "parsed").Add(float64(parsed))
	metrics.ReportRowsTotal.WithLabelValues(string(rt), "skipped").Add(float64(len(skipped)))
	for _, err := range skipped {
		log.Warn("skipped report row", zap.String("report", string(rt)), zap.Error(err))
	}
}

func pipelineResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case appErrors.IsReportRetryable(err):
		return "deferred"
	case appErrors.IsAuth(err):
		return "auth"
	default:
		return "error"
	}
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
