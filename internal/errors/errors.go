// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrNotFound is the generic lookup miss for the other entities.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func NewNotFound(entity string, key any) error {
	return &ErrNotFound{Entity: entity, Key: fmt.Sprint(key)}
}

// AuthError means the refresh token was rejected. The account's pipelines
// stop until an operator re-authorizes it.
type AuthError struct {
	AccountID int64
	Reason    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %d: authorization failed: %s", e.AccountID, e.Reason)
}

// TransientError wraps network failures, HTTP 429 and 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ParseError describes one malformed report row.
type ParseError struct {
	Report string
	Line   int
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s report line %d: field %q: %v", e.Report, e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("%s report line %d: %v", e.Report, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is a record that cannot be stored even through an upsert.
type ValidationError struct {
	Entity string
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.Key, e.Reason)
}

// QuotaExhaustedError is returned when a tenant has no units left for a code.
type QuotaExhaustedError struct {
	TenantID int64
	Code     string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("tenant %d: quota %s exhausted", e.TenantID, e.Code)
}

// ReportFatalError is a report the marketplace finished as CANCELLED or FATAL.
type ReportFatalError struct {
	ReportID string
	Status   string
}

func (e *ReportFatalError) Error() string {
	return fmt.Sprintf("report %s finished with status %s", e.ReportID, e.Status)
}

// ReportPendingError is a report still processing after the poll cap.
type ReportPendingError struct {
	ReportID string
	Polls    int
}

func (e *ReportPendingError) Error() string {
	return fmt.Sprintf("report %s still in progress after %d polls", e.ReportID, e.Polls)
}

// ErrConflict signals a row changed state underneath the caller.
var ErrConflict = errors.New("concurrent state change")

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsQuotaExhausted(err error) bool {
	var target *QuotaExhaustedError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var nf *ErrNotFound
	var cnf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.As(err, &cnf)
}

// IsReportRetryable reports whether the whole pipeline should be re-run later.
func IsReportRetryable(err error) bool {
	var fatal *ReportFatalError
	var pending *ReportPendingError
	return errors.As(err, &fatal) || errors.As(err, &pending)
}
