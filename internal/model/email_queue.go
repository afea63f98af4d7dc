package model

import "time"

type QueueStatus string

const (
	QueueQueued    QueueStatus = "QUEUED"
	QueueScheduled QueueStatus = "SCHEDULED"
	QueueSent      QueueStatus = "SENT"
	QueueOptOut    QueueStatus = "OPT_OUT"
	QueueFailed    QueueStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueOptOut
}

// Live rows block a second enqueue for the same (order, campaign).
func (s QueueStatus) Live() bool {
	switch s {
	case QueueQueued, QueueScheduled, QueueSent, QueueOptOut:
		return true
	}
	return false
}

// CanTransition encodes QUEUED → SCHEDULED → {SENT | OPT_OUT | FAILED}.
func (s QueueStatus) CanTransition(to QueueStatus) bool {
	switch s {
	case QueueQueued:
		return to == QueueScheduled
	case QueueScheduled:
		return to == QueueSent || to == QueueOptOut || to == QueueFailed || to == QueueScheduled
	}
	return false
}

const (
	FailureQuotaExhausted = "quota_exhausted"
	FailureSendError      = "send_error"
	FailureMissingData    = "missing_data"
)

type EmailQueueRow struct {
	ID            int64       `db:"id" json:"id"`
	OrderRef      int64       `db:"order_ref" json:"order_ref"`
	CampaignID    int64       `db:"campaign_id" json:"campaign_id"`
	SnapshotID    int64       `db:"template_snapshot_id" json:"template_snapshot_id"`
	SentTo        string      `db:"sent_to" json:"sent_to"`
	SentFrom      string      `db:"sent_from" json:"sent_from"`
	Subject       string      `db:"subject" json:"subject"`
	Status        QueueStatus `db:"status" json:"status"`
	FailureReason string      `db:"failure_reason" json:"failure_reason,omitempty"`
	ScheduleAt    time.Time   `db:"schedule_at" json:"schedule_at"`
	SentAt        *time.Time  `db:"sent_at" json:"sent_at,omitempty"`
	AttemptCount  int         `db:"attempt_count" json:"attempt_count"`
	LastError     string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// DispatchOutcome is everything a dispatch commits in one transaction.
type DispatchOutcome struct {
	RowID         int64
	OrderRef      int64
	TenantID      int64
	Status        QueueStatus
	FailureReason string
	LastError     string
	SentAt        *time.Time
	AttemptCount  int

	MarkOptOut          bool
	MarkReviewRequested bool

	// EmailCharge is clamped at zero; ReviewCharge must fit.
	EmailCharge  int
	ReviewCharge int
}
