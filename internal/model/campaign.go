package model

import (
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "DRAFT"
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignPaused   CampaignStatus = "PAUSED"
	CampaignArchived CampaignStatus = "ARCHIVED"
)

type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "IMMEDIATE"
	ScheduleDelayDays ScheduleMode = "DELAY_DAYS"
)

// ExcludeFlag tags an order so a campaign can skip it.
type ExcludeFlag string

const (
	ExcludeFeedback1Star ExcludeFlag = "FEEDBACK_1_STAR"
	ExcludeFeedback2Star ExcludeFlag = "FEEDBACK_2_STAR"
	ExcludeFeedback3Star ExcludeFlag = "FEEDBACK_3_STAR"
	ExcludeFeedback4Star ExcludeFlag = "FEEDBACK_4_STAR"
	ExcludeFeedback5Star ExcludeFlag = "FEEDBACK_5_STAR"
	ExcludeWithReturns   ExcludeFlag = "WITH_RETURNS"
	ExcludeWithRefunds   ExcludeFlag = "WITH_REFUNDS"
)

// FeedbackFlag returns the exclude flag matching a star rating.
func FeedbackFlag(stars int) ExcludeFlag {
	return ExcludeFlag(fmt.Sprintf("FEEDBACK_%d_STAR", stars))
}

// TimeOfDay is a wall-clock time in the tenant's zone.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay accepts HH:MM and HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: ts.Hour(), Minute: ts.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

type EmailCampaign struct {
	ID                  int64                `db:"id" json:"id"`
	TenantID            int64                `db:"tenant_id" json:"tenant_id"`
	MarketplaceID       int64                `db:"marketplace_id" json:"marketplace_id"`
	TemplateID          int64                `db:"template_id" json:"template_id"`
	Name                string               `db:"name" json:"name"`
	ActivationAt        *time.Time           `db:"activation_at" json:"activation_at,omitempty"`
	TriggerOrderStatus  OrderStatus          `db:"trigger_order_status" json:"trigger_order_status"`
	Status              CampaignStatus       `db:"status" json:"status"`
	ScheduleMode        ScheduleMode         `db:"schedule_mode" json:"schedule_mode"`
	ScheduleDays        int                  `db:"schedule_days" json:"schedule_days"`
	ScheduleTimeOfDay   *TimeOfDay           `db:"schedule_time_of_day" json:"schedule_time_of_day,omitempty"`
	ChannelFilter       []FulfillmentChannel `db:"channel_filter" json:"channel_filter"`
	PurchaseCountFilter []int                `db:"buyer_purchase_count_filter" json:"buyer_purchase_count_filter"`
	ExcludeFilter       []ExcludeFlag        `db:"exclude_filter" json:"exclude_filter"`
	SendOnOptOut        bool                 `db:"send_on_optout" json:"send_on_optout"`
	ChargePoints        int                  `db:"charge_points" json:"charge_points"`
	CreatedAt           time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt           *time.Time           `db:"updated_at" json:"updated_at,omitempty"`
}

// ActivatedBefore reports whether an order purchased at t falls inside the
// campaign's window.
func (c *EmailCampaign) ActivatedBefore(t time.Time) bool {
	return c.ActivationAt != nil && !t.Before(*c.ActivationAt)
}
