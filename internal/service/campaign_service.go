// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	OrderRepo    repository.OrderRepositoryInterface
	AccountRepo  repository.AccountRepositoryInterface
	Matcher      *Matcher
	Log          *zap.Logger
	Now          func() time.Time
}

type ActivateResult struct {
	CampaignID   int64      `json:"campaign_id"`
	Status       string     `json:"status"`
	ActivationAt *time.Time `json:"activation_at"`
	RowsQueued   int        `json:"rows_queued"`
}

type CampaignDetails struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Trigger      string         `json:"trigger_order_status"`
	ScheduleMode string         `json:"schedule_mode"`
	ScheduleDays int            `json:"schedule_days"`
	ActivationAt *time.Time     `json:"activation_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    *time.Time     `json:"updated_at"`
	Stats        map[string]int `json:"stats"`
}

// PreviewOverride replaces the stored template text for one preview.
type PreviewOverride struct {
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func campaignKey(id int64) string { return fmt.Sprint(id) }

// CreateCampaign stores a new campaign as a draft.
func (s *CampaignService) CreateCampaign(ctx context.Context, c *model.EmailCampaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return &appErrors.ValidationError{Entity: "campaign", Key: c.Name, Reason: "name is required"}
	}
	if c.TriggerOrderStatus == "" {
		return &appErrors.ValidationError{Entity: "campaign", Key: c.Name, Reason: "trigger order status is required"}
	}
	switch c.ScheduleMode {
	case "":
		c.ScheduleMode = model.ScheduleImmediate
	case model.ScheduleImmediate, model.ScheduleDelayDays:
	default:
		return &appErrors.ValidationError{Entity: "campaign", Key: c.Name, Reason: "unknown schedule mode " + string(c.ScheduleMode)}
	}
	if c.ScheduleDays < 0 || c.ChargePoints < 0 {
		return &appErrors.ValidationError{Entity: "campaign", Key: c.Name, Reason: "negative schedule days or charge points"}
	}
	if _, err := s.TemplateRepo.GetByID(ctx, c.TemplateID); err != nil {
		return err
	}
	c.Status = model.CampaignDraft
	c.ActivationAt = nil
	return s.CampaignRepo.Create(ctx, c)
}

// Activate moves a campaign to Active and then runs the activation fan-out.
// The first activation stamps activation-at; resuming a paused campaign keeps
// it, and the fan-out only adds rows that do not exist yet.
func (s *CampaignService) Activate(ctx context.Context, id int64) (*ActivateResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignArchived {
		return nil, &appErrors.ValidationError{Entity: "campaign", Key: campaignKey(id), Reason: "archived campaigns cannot be activated"}
	}

	activationAt := c.ActivationAt
	if activationAt == nil {
		now := s.now().UTC()
		activationAt = &now
	}
	if c.Status != model.CampaignActive {
		if err := s.CampaignRepo.UpdateStatus(ctx, id, model.CampaignActive, activationAt); err != nil {
			return nil, err
		}
	}

	queued, err := s.Matcher.FanOutCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("activation fan-out: %w", err)
	}
	s.Log.Info("campaign activated",
		zap.Int64("campaign_id", id),
		zap.Time("activation_at", *activationAt),
		zap.Int("rows_queued", queued),
	)
	return &ActivateResult{
		CampaignID:   id,
		Status:       string(model.CampaignActive),
		ActivationAt: activationAt,
		RowsQueued:   queued,
	}, nil
}

// Pause stops the scheduler from selecting the campaign's rows. Dispatches
// already in flight finish.
func (s *CampaignService) Pause(ctx context.Context, id int64) error {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.CampaignPaused:
		return nil
	case model.CampaignActive:
	default:
		return &appErrors.ValidationError{Entity: "campaign", Key: campaignKey(id), Reason: "only active campaigns can be paused"}
	}
	if err := s.CampaignRepo.UpdateStatus(ctx, id, model.CampaignPaused, nil); err != nil {
		return err
	}
	s.Log.Info("campaign paused", zap.Int64("campaign_id", id))
	return nil
}

// Delete removes a campaign with its queue rows. A campaign that already
// sent or opted out rows is archived instead, and archived is reported true.
func (s *CampaignService) Delete(ctx context.Context, id int64) (archived bool, err error) {
	if _, err := s.CampaignRepo.GetByID(ctx, id); err != nil {
		return false, err
	}
	terminal, err := s.CampaignRepo.HasTerminalRows(ctx, id)
	if err != nil {
		return false, err
	}
	if terminal {
		if err := s.CampaignRepo.UpdateStatus(ctx, id, model.CampaignArchived, nil); err != nil {
			return false, err
		}
		s.Log.Info("campaign archived", zap.Int64("campaign_id", id))
		return true, nil
	}
	if err := s.CampaignRepo.Delete(ctx, id); err != nil {
		return false, err
	}
	s.Log.Info("campaign deleted", zap.Int64("campaign_id", id))
	return false, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID int64, page, pageSize int, status string) ([]model.EmailCampaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, tenantID, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.EmailCampaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// Stats returns the campaign with per-status counts of its queue rows.
func (s *CampaignService) Stats(ctx context.Context, id int64) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.CampaignRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": 0}
	for status, n := range counts {
		stats[strings.ToLower(status)] = n
		stats["total"] += n
	}

	return &CampaignDetails{
		ID:           c.ID,
		Name:         c.Name,
		Status:       string(c.Status),
		Trigger:      string(c.TriggerOrderStatus),
		ScheduleMode: string(c.ScheduleMode),
		ScheduleDays: c.ScheduleDays,
		ActivationAt: c.ActivationAt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Stats:        stats,
	}, nil
}

// Preview renders the campaign's template against a stored order. Override
// text, when given and not blank, replaces the stored subject or body.
func (s *CampaignService) Preview(ctx context.Context, campaignID, orderRef int64, override *PreviewOverride) (*RenderedEmail, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.TemplateRepo.GetByID(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}
	order, err := s.OrderRepo.GetByID(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	ac, err := s.AccountRepo.GetContext(ctx, order.AccountID)
	if err != nil {
		return nil, err
	}
	if ac.Tenant.ID != c.TenantID {
		return nil, &appErrors.ValidationError{Entity: "order", Key: order.OrderID, Reason: "order belongs to another tenant"}
	}

	subject, body := tmpl.Subject, tmpl.Body
	if override != nil {
		if override.Subject != nil && strings.TrimSpace(*override.Subject) != "" {
			subject = *override.Subject
		}
		if override.Body != nil && strings.TrimSpace(*override.Body) != "" {
			body = *override.Body
		}
	}
	if strings.TrimSpace(body) == "" {
		return nil, &appErrors.ValidationError{Entity: "template", Key: campaignKey(tmpl.ID), Reason: "template cannot be empty"}
	}

	rendered := renderSnapshot(subject, body, RenderData(*ac, order))
	return &rendered, nil
}
