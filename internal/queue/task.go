package queue

import (
	"strconv"
	"time"

	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type Kind string

const (
	KindReportSync    Kind = "report_sync"
	KindMatchOrders   Kind = "match_orders"
	KindSchedulerTick Kind = "scheduler_tick"
	KindDispatch      Kind = "dispatch"
)

// Kinds lists every task kind the worker hosts.
var Kinds = []Kind{KindReportSync, KindMatchOrders, KindSchedulerTick, KindDispatch}

// Task is a typed task payload.
type Task interface {
	Kind() Kind
	// DedupKey identifies tasks that must not be pending twice. Empty
	// disables deduplication.
	DedupKey() string
}

// ReportSync runs one report pipeline for one account. A zero Lookback
// uses the configured window.
type ReportSync struct {
	AccountID int64               `json:"account_id"`
	Report    repository.SyncKind `json:"report"`
	Lookback  time.Duration       `json:"lookback,omitempty"`
}

func (ReportSync) Kind() Kind { return KindReportSync }

func (t ReportSync) DedupKey() string {
	return strconv.FormatInt(t.AccountID, 10) + ":" + string(t.Report)
}

// MatchOrders consumes pending order events.
type MatchOrders struct {
	Limit int `json:"limit"`
}

func (MatchOrders) Kind() Kind       { return KindMatchOrders }
func (MatchOrders) DedupKey() string { return "match" }

type SchedulerTick struct{}

func (SchedulerTick) Kind() Kind       { return KindSchedulerTick }
func (SchedulerTick) DedupKey() string { return "tick" }

// Dispatch takes one SCHEDULED email queue row to a terminal state.
type Dispatch struct {
	RowID int64 `json:"row_id"`
}

func (Dispatch) Kind() Kind { return KindDispatch }

// DedupKey is the row id, so one row never has two dispatches in flight.
func (t Dispatch) DedupKey() string { return strconv.FormatInt(t.RowID, 10) }
