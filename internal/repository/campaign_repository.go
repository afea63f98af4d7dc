package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.EmailCampaign) error
	GetByID(ctx context.Context, id int64) (*model.EmailCampaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, tenantID int64, status string) ([]*model.EmailCampaign, int, error)
	UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus, activationAt *time.Time) error
	Delete(ctx context.Context, id int64) error

	// Matching
	ListMatching(ctx context.Context, tenantID, marketplaceID int64, trigger model.OrderStatus) ([]*model.EmailCampaign, error)

	// Queue rows owned by a campaign
	GetCampaignStats(ctx context.Context, id int64) (map[string]int, error)
	HasTerminalRows(ctx context.Context, id int64) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `
    id, tenant_id, marketplace_id, template_id, name, activation_at, trigger_order_status,
    status, schedule_mode, schedule_days, schedule_time_of_day, channel_filter,
    buyer_purchase_count_filter, exclude_filter, send_on_optout, charge_points,
    created_at, updated_at`

func scanCampaign(row rowScanner) (*model.EmailCampaign, error) {
	var (
		c         model.EmailCampaign
		trigger   string
		status    string
		mode      string
		timeOfDay sql.NullString
		channels  []string
		counts    []int64
		excludes  []string
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.MarketplaceID, &c.TemplateID, &c.Name, &c.ActivationAt, &trigger,
		&status, &mode, &c.ScheduleDays, &timeOfDay, pq.Array(&channels),
		pq.Array(&counts), pq.Array(&excludes), &c.SendOnOptOut, &c.ChargePoints,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.TriggerOrderStatus = model.OrderStatus(trigger)
	c.Status = model.CampaignStatus(status)
	c.ScheduleMode = model.ScheduleMode(mode)
	if timeOfDay.Valid && timeOfDay.String != "" {
		tod, err := model.ParseTimeOfDay(timeOfDay.String)
		if err != nil {
			return nil, err
		}
		c.ScheduleTimeOfDay = &tod
	}
	for _, ch := range channels {
		c.ChannelFilter = append(c.ChannelFilter, model.FulfillmentChannel(ch))
	}
	for _, n := range counts {
		c.PurchaseCountFilter = append(c.PurchaseCountFilter, int(n))
	}
	for _, x := range excludes {
		c.ExcludeFilter = append(c.ExcludeFilter, model.ExcludeFlag(x))
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.EmailCampaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.ScheduleMode == "" {
		c.ScheduleMode = model.ScheduleImmediate
	}

	var timeOfDay sql.NullString
	if c.ScheduleTimeOfDay != nil {
		timeOfDay = sql.NullString{String: c.ScheduleTimeOfDay.String(), Valid: true}
	}
	channels := make([]string, 0, len(c.ChannelFilter))
	for _, ch := range c.ChannelFilter {
		channels = append(channels, string(ch))
	}
	counts := make([]int64, 0, len(c.PurchaseCountFilter))
	for _, n := range c.PurchaseCountFilter {
		counts = append(counts, int64(n))
	}
	excludes := make([]string, 0, len(c.ExcludeFilter))
	for _, x := range c.ExcludeFilter {
		excludes = append(excludes, string(x))
	}

	query := `
        INSERT INTO email_campaigns (
            tenant_id, marketplace_id, template_id, name, activation_at, trigger_order_status,
            status, schedule_mode, schedule_days, schedule_time_of_day, channel_filter,
            buyer_purchase_count_filter, exclude_filter, send_on_optout, charge_points, created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        RETURNING id`
	return r.DB.QueryRowContext(ctx, query,
		c.TenantID, c.MarketplaceID, c.TemplateID, c.Name, c.ActivationAt, string(c.TriggerOrderStatus),
		string(c.Status), string(c.ScheduleMode), c.ScheduleDays, timeOfDay, pq.Array(channels),
		pq.Array(counts), pq.Array(excludes), c.SendOnOptOut, c.ChargePoints, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.EmailCampaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM email_campaigns WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, tenantID int64, status string) ([]*model.EmailCampaign, int, error) {
	campaigns := []*model.EmailCampaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if tenantID != 0 {
		where += fmt.Sprintf(" AND tenant_id=$%d", argPos)
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM email_campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// UpdateStatus moves a campaign between lifecycle states. activationAt is
// written only when non-nil so a pause keeps the original window.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus, activationAt *time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE email_campaigns
        SET status = $2, activation_at = COALESCE($3, activation_at), updated_at = NOW()
        WHERE id = $1`, id, string(status), activationAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// Delete removes the campaign and, through the cascade, its queue rows.
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM email_campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Matching ======================

func (r *CampaignRepository) ListMatching(ctx context.Context, tenantID, marketplaceID int64, trigger model.OrderStatus) ([]*model.EmailCampaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM email_campaigns
        WHERE tenant_id = $1 AND marketplace_id = $2 AND trigger_order_status = $3
          AND status = 'ACTIVE' AND activation_at IS NOT NULL
        ORDER BY id`, tenantID, marketplaceID, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("list matching campaigns: %w", err)
	}
	defer rows.Close()

	var out []*model.EmailCampaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ====================== Queue rows ======================

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, id int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM email_queue WHERE campaign_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		string(model.QueueQueued):    0,
		string(model.QueueScheduled): 0,
		string(model.QueueSent):      0,
		string(model.QueueOptOut):    0,
		string(model.QueueFailed):    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *CampaignRepository) HasTerminalRows(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM email_queue WHERE campaign_id = $1 AND status IN ('SENT', 'OPT_OUT')
        )`, id).Scan(&exists)
	return exists, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
