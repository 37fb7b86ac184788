package domain

import (
	"context"
	"time"

	"github.com/teambition/rrule-go"
)

// Frequency is the unit a recurrence rule repeats in.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurrenceRule describes how often new instances of a seed event are materialized.
type RecurrenceRule struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Frequency   Frequency  `json:"frequency"`
	Interval    int        `json:"interval"`
	Active      bool       `json:"active"`
	RepeatUntil *time.Time `json:"repeat_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	FrequencyDaily:   rrule.DAILY,
	FrequencyWeekly:  rrule.WEEKLY,
	FrequencyMonthly: rrule.MONTHLY,
}

// RRule renders the rule as an RFC 5545 RRULE value (without DTSTART), e.g.
// "FREQ=WEEKLY;INTERVAL=2". It returns "" for unknown frequencies.
func (r *RecurrenceRule) RRule() string {
	freq, ok := rruleFrequencies[r.Frequency]
	if !ok {
		return ""
	}
	opt := rrule.ROption{Freq: freq, Interval: r.Interval}
	if r.RepeatUntil != nil {
		opt.Until = r.RepeatUntil.UTC()
	}
	return opt.RRuleString()
}

// AsAware returns t with an explicit zone. Values carrying the process-local
// zone have no offset of their own and are reinterpreted as UTC wall-clock time;
// any other offset is kept.
func AsAware(t time.Time) time.Time {
	if t.Location() == time.Local {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	return t
}

// RecurrenceStore opens units of work against the event and recurrence tables.
type RecurrenceStore interface {
	BeginTx(ctx context.Context) (RecurrenceTx, error)
}

// RecurrenceTx is a single transaction. Nothing written through it is visible
// to other runs until Commit; Rollback after Commit is a no-op.
type RecurrenceTx interface {
	// ListActiveRules returns every rule with active = true, locked for the
	// rest of the transaction.
	ListActiveRules(ctx context.Context) ([]*RecurrenceRule, error)
	// LatestInstance returns the series member with the greatest event_date,
	// or ErrNotFound when the rule has no seed instance.
	LatestInstance(ctx context.Context, rule *RecurrenceRule) (*EventInstance, error)
	// InsertInstance persists e and sets e.ID. It returns ErrDuplicateOccurrence
	// when the store already holds an instance for the same series and date.
	InsertInstance(ctx context.Context, e *EventInstance) error
	Commit() error
	Rollback() error
}

// SkipReason names why a rule produced no instance in a run.
type SkipReason string

const (
	SkipNoSeed              SkipReason = "no_seed"
	SkipNoOccurrence        SkipReason = "no_occurrence"
	SkipSeriesEnded         SkipReason = "series_ended"
	SkipNotDue              SkipReason = "not_due"
	SkipAlreadyMaterialized SkipReason = "already_materialized"
)

// AdvanceReport summarizes one advancer run.
type AdvanceReport struct {
	RunID           string             `json:"run_id"`
	Now             time.Time          `json:"now"`
	RulesConsidered int                `json:"rules_considered"`
	Created         []*EventInstance   `json:"created"`
	Skipped         map[SkipReason]int `json:"skipped"`
	MissingSeed     []*RecurrenceRule  `json:"missing_seed"`
}

// CreatedCount returns the number of instances the run materialized.
func (r *AdvanceReport) CreatedCount() int {
	return len(r.Created)
}

// RecurrenceAdvancer materializes the next due occurrence of every active rule.
type RecurrenceAdvancer interface {
	// AdvanceAll runs once at now and returns the number of instances created.
	AdvanceAll(ctx context.Context, now time.Time) (int, error)
	// Advance runs once at now and returns the full run report. The report is
	// never nil; on error it carries only RunID and Now.
	Advance(ctx context.Context, now time.Time) (*AdvanceReport, error)
}
