package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"villageevents/internal/domain"
)

type recurrenceAdvancer struct {
	store          domain.RecurrenceStore
	logger         *slog.Logger
	contextTimeout time.Duration
}

// NewRecurrenceAdvancer returns a RecurrenceAdvancer that runs each invocation
// in a single store transaction bounded by timeout.
func NewRecurrenceAdvancer(store domain.RecurrenceStore, logger *slog.Logger, timeout time.Duration) domain.RecurrenceAdvancer {
	return &recurrenceAdvancer{
		store:          store,
		logger:         logger,
		contextTimeout: timeout,
	}
}

func (a *recurrenceAdvancer) AdvanceAll(ctx context.Context, now time.Time) (int, error) {
	report, err := a.Advance(ctx, now)
	if err != nil {
		return 0, err
	}
	return report.CreatedCount(), nil
}

func (a *recurrenceAdvancer) Advance(ctx context.Context, now time.Time) (*domain.AdvanceReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.contextTimeout)
	defer cancel()

	now = domain.AsAware(now)
	runID := uuid.NewString()
	logger := a.logger.With("run_id", runID)
	failed := func(step string, err error) (*domain.AdvanceReport, error) {
		logger.ErrorContext(ctx, "recurrence advance failed", "step", step, "err", err)
		return &domain.AdvanceReport{RunID: runID, Now: now}, fmt.Errorf("%s: %w: %w", step, domain.ErrStoreUnavailable, err)
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return failed("begin transaction", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback()

	rules, err := tx.ListActiveRules(ctx)
	if err != nil {
		return failed("list active rules", err)
	}

	report := &domain.AdvanceReport{
		RunID:       runID,
		Now:         now,
		Created:     []*domain.EventInstance{},
		Skipped:     make(map[domain.SkipReason]int),
		MissingSeed: []*domain.RecurrenceRule{},
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		report.RulesConsidered++

		inst, reason, err := a.advanceRule(ctx, tx, rule, now)
		if err != nil {
			return failed(fmt.Sprintf("advance rule %s", rule.ID), err)
		}
		if reason != "" {
			report.Skipped[reason]++
			if reason == domain.SkipNoSeed {
				report.MissingSeed = append(report.MissingSeed, rule)
				logger.WarnContext(ctx, "active recurrence has no seed instance", "rule_id", rule.ID, "event_id", rule.EventID)
			} else {
				logger.DebugContext(ctx, "recurrence skipped", "rule_id", rule.ID, "reason", string(reason))
			}
			continue
		}
		report.Created = append(report.Created, inst)
		logger.InfoContext(ctx, "occurrence materialized",
			"rule_id", rule.ID,
			"rrule", rule.RRule(),
			"event_id", inst.ID,
			"event_date", inst.EventDate.Format(time.RFC3339),
		)
	}

	if err := tx.Commit(); err != nil {
		return failed("commit", err)
	}

	logger.InfoContext(ctx, "recurrence advance completed",
		"rules", report.RulesConsidered,
		"created", report.CreatedCount(),
		"missing_seed", len(report.MissingSeed),
	)
	return report, nil
}

// advanceRule returns either the inserted instance or the reason the rule was
// skipped. Errors are store failures only.
func (a *recurrenceAdvancer) advanceRule(ctx context.Context, tx domain.RecurrenceTx, rule *domain.RecurrenceRule, now time.Time) (*domain.EventInstance, domain.SkipReason, error) {
	latest, err := tx.LatestInstance(ctx, rule)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.SkipNoSeed, nil
		}
		return nil, "", fmt.Errorf("latest instance: %w", err)
	}

	next, ok := ComputeNextOccurrence(rule, latest.EventDate).Get()
	if !ok {
		return nil, domain.SkipNoOccurrence, nil
	}
	next = domain.AsAware(next)

	// A date equal to repeat_until still belongs to the series.
	if rule.RepeatUntil != nil && next.After(domain.AsAware(*rule.RepeatUntil)) {
		return nil, domain.SkipSeriesEnded, nil
	}
	if !next.After(now) {
		return nil, domain.SkipNotDue, nil
	}

	inst := latest.NextInstance(rule.ID, next, time.Now())
	if err := tx.InsertInstance(ctx, inst); err != nil {
		if errors.Is(err, domain.ErrDuplicateOccurrence) {
			return nil, domain.SkipAlreadyMaterialized, nil
		}
		return nil, "", fmt.Errorf("insert instance: %w", err)
	}
	return inst, "", nil
}
