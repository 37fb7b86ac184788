package services

import (
	"time"

	"github.com/samber/mo"

	"villageevents/internal/domain"
)

// ComputeNextOccurrence returns the occurrence that follows last under rule, in
// last's zone (a zone-less last is read as UTC).
//
// Daily and weekly steps add calendar days, keeping the wall clock. Monthly
// steps keep the day of month and time of day; when that day does not exist in
// the target month the result is None rather than a clamped or rolled-over
// date. Unknown frequencies and non-positive intervals also yield None.
func ComputeNextOccurrence(rule *domain.RecurrenceRule, last time.Time) mo.Option[time.Time] {
	if rule == nil || rule.Interval < 1 {
		return mo.None[time.Time]()
	}
	last = domain.AsAware(last)

	switch rule.Frequency {
	case domain.FrequencyDaily:
		return mo.Some(last.AddDate(0, 0, rule.Interval))
	case domain.FrequencyWeekly:
		return mo.Some(last.AddDate(0, 0, 7*rule.Interval))
	case domain.FrequencyMonthly:
		return addMonths(last, rule.Interval)
	default:
		return mo.None[time.Time]()
	}
}

func addMonths(last time.Time, months int) mo.Option[time.Time] {
	idx := int(last.Month()) - 1 + months
	year := last.Year() + idx/12
	month := time.Month(idx%12 + 1)

	next := time.Date(year, month, last.Day(), last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), last.Location())
	// time.Date normalizes Feb 30 into March; such dates do not exist.
	if next.Month() != month || next.Day() != last.Day() {
		return mo.None[time.Time]()
	}
	return mo.Some(next)
}
