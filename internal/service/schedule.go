package service

import (
	"math"
	"time"

	"github.com/unclebandit/marketplace-automation/internal/model"
)

const day = 24 * time.Hour

// ScheduleAt computes when a row enqueued at now should become due.
//
// DelayDays counts whole days already elapsed since the order's report time
// (fractional days floor) and waits out the remainder. When a time of day is
// set the result moves to its next occurrence in loc. The result is never
// before now or the report time.
func ScheduleAt(c *model.EmailCampaign, reportAt, now time.Time, loc *time.Location) time.Time {
	at := now
	if c.ScheduleMode == model.ScheduleDelayDays {
		elapsed := int(math.Floor(now.Sub(reportAt).Hours() / 24))
		if delta := c.ScheduleDays - elapsed; delta > 0 {
			at = now.Add(time.Duration(delta) * day)
		}
		if c.ScheduleTimeOfDay != nil {
			at = nextTimeOfDay(at, *c.ScheduleTimeOfDay, loc)
		}
	}
	if at.Before(reportAt) {
		at = reportAt
	}
	return at
}

// nextTimeOfDay returns the first instant at or after t whose wall clock in
// loc reads tod.
func nextTimeOfDay(t time.Time, tod model.TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	if candidate.Before(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, tod.Hour, tod.Minute, 0, 0, loc)
	}
	return candidate.In(t.Location())
}
