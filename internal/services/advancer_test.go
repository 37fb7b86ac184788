package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"villageevents/internal/domain"
)

// memoryStore is an in-memory RecurrenceStore. Writes made through a tx become
// visible only on Commit.
type memoryStore struct {
	rules  []*domain.RecurrenceRule
	events []*domain.EventInstance

	// uniqueDates rejects a second instance of a series on the same date.
	uniqueDates bool

	beginErr  error
	listErr   error
	latestErr map[string]error
	insertErr map[string]error
	commitErr error

	nextID    int
	commits   int
	rollbacks int
}

func (s *memoryStore) BeginTx(ctx context.Context) (domain.RecurrenceTx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &memoryTx{store: s}, nil
}

type memoryTx struct {
	store   *memoryStore
	pending []*domain.EventInstance
	done    bool
}

func (tx *memoryTx) ListActiveRules(ctx context.Context) ([]*domain.RecurrenceRule, error) {
	if tx.store.listErr != nil {
		return nil, tx.store.listErr
	}
	var rules []*domain.RecurrenceRule
	for _, r := range tx.store.rules {
		if r.Active {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (tx *memoryTx) visible() []*domain.EventInstance {
	return append(append([]*domain.EventInstance{}, tx.store.events...), tx.pending...)
}

func inSeries(e *domain.EventInstance, rule *domain.RecurrenceRule) bool {
	return e.ID == rule.EventID || (e.RecurrenceID != nil && *e.RecurrenceID == rule.ID)
}

func (tx *memoryTx) LatestInstance(ctx context.Context, rule *domain.RecurrenceRule) (*domain.EventInstance, error) {
	if err := tx.store.latestErr[rule.ID]; err != nil {
		return nil, err
	}
	var latest *domain.EventInstance
	for _, e := range tx.visible() {
		if inSeries(e, rule) && (latest == nil || e.EventDate.After(latest.EventDate)) {
			latest = e
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

func (tx *memoryTx) InsertInstance(ctx context.Context, e *domain.EventInstance) error {
	if e.RecurrenceID != nil {
		if err := tx.store.insertErr[*e.RecurrenceID]; err != nil {
			return err
		}
		if tx.store.uniqueDates {
			for _, other := range tx.visible() {
				if other.RecurrenceID != nil && *other.RecurrenceID == *e.RecurrenceID && other.EventDate.Equal(e.EventDate) {
					return domain.ErrDuplicateOccurrence
				}
			}
		}
	}
	tx.store.nextID++
	e.ID = fmt.Sprintf("gen-%d", tx.store.nextID)
	tx.pending = append(tx.pending, e)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return sql.ErrTxDone
	}
	if tx.store.commitErr != nil {
		return tx.store.commitErr
	}
	tx.done = true
	tx.store.events = append(tx.store.events, tx.pending...)
	tx.store.commits++
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.pending = nil
	tx.store.rollbacks++
	return nil
}

func (s *memoryStore) seriesDates(rule *domain.RecurrenceRule) []time.Time {
	var dates []time.Time
	for _, e := range s.events {
		if inSeries(e, rule) {
			dates = append(dates, e.EventDate.UTC())
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func weeklyRule(id, eventID string) *domain.RecurrenceRule {
	return &domain.RecurrenceRule{ID: id, EventID: eventID, Frequency: domain.FrequencyWeekly, Interval: 1, Active: true}
}

func seedEvent(id string, at time.Time) *domain.EventInstance {
	slots := 25
	loc := "Balai desa"
	return &domain.EventInstance{
		ID:                   id,
		Title:                "Posyandu",
		Location:             &loc,
		EventDate:            at,
		RequiresRegistration: true,
		SlotsAvailable:       &slots,
	}
}

func TestRecurrenceAdvancer_WeeklyScenario(t *testing.T) {
	seedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rule := weeklyRule("rule-1", "seed-1")
	store := &memoryStore{rules: []*domain.RecurrenceRule{rule}, events: []*domain.EventInstance{seedEvent("seed-1", seedAt)}}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)
	ctx := context.Background()

	t.Run("next occurrence before now is not materialized", func(t *testing.T) {
		now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
		report, err := adv.Advance(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, report.CreatedCount())
		assert.Equal(t, 1, report.Skipped[domain.SkipNotDue])
		assert.Equal(t, []time.Time{seedAt}, store.seriesDates(rule))
	})

	t.Run("future occurrence is materialized once per run", func(t *testing.T) {
		now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

		n, err := adv.AdvanceAll(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// The second run sees the first run's instance as latest.
		n, err = adv.AdvanceAll(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.Equal(t, []time.Time{
			seedAt,
			time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		}, store.seriesDates(rule))
	})

	t.Run("created instances clone the latest instance", func(t *testing.T) {
		last := store.events[len(store.events)-1]
		require.NotNil(t, last.RecurrenceID)
		assert.Equal(t, "rule-1", *last.RecurrenceID)
		assert.Equal(t, "Posyandu", last.Title)
		assert.Equal(t, "Balai desa", *last.Location)
		assert.True(t, last.RequiresRegistration)
		assert.Equal(t, 25, *last.SlotsAvailable)
		assert.Nil(t, last.Description)
	})
}

func TestRecurrenceAdvancer_NoDuplicateDatesAcrossRuns(t *testing.T) {
	rule := &domain.RecurrenceRule{ID: "r", EventID: "seed", Frequency: domain.FrequencyDaily, Interval: 2, Active: true}
	store := &memoryStore{
		rules:       []*domain.RecurrenceRule{rule},
		events:      []*domain.EventInstance{seedEvent("seed", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))},
		uniqueDates: true,
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)
	now := time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		report, err := adv.Advance(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.CreatedCount())
		assert.Zero(t, report.Skipped[domain.SkipAlreadyMaterialized])
	}

	dates := store.seriesDates(rule)
	require.Len(t, dates, 6)
	seen := make(map[time.Time]bool)
	for _, d := range dates {
		assert.False(t, seen[d], "duplicate %s", d)
		seen[d] = true
	}
}

func TestRecurrenceAdvancer_RepeatUntilBoundary(t *testing.T) {
	seedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	next := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		repeatUntil time.Time
		wantCreated int
		wantReason  domain.SkipReason
	}{
		{"equal to next occurrence is materialized", next, 1, ""},
		{"same instant in another zone is materialized", next.In(time.FixedZone("WIB", 7*3600)), 1, ""},
		{"one day before next occurrence ends the series", next.AddDate(0, 0, -1), 0, domain.SkipSeriesEnded},
		{"one second before ends the series", next.Add(-time.Second), 0, domain.SkipSeriesEnded},
		{"after next occurrence is materialized", next.AddDate(0, 1, 0), 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := weeklyRule("r", "seed")
			until := tt.repeatUntil
			rule.RepeatUntil = &until
			store := &memoryStore{rules: []*domain.RecurrenceRule{rule}, events: []*domain.EventInstance{seedEvent("seed", seedAt)}}
			adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

			report, err := adv.Advance(context.Background(), now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, report.CreatedCount())
			if tt.wantReason != "" {
				assert.Equal(t, 1, report.Skipped[tt.wantReason])
			}
		})
	}
}

func TestRecurrenceAdvancer_InactiveRuleNeverAdvances(t *testing.T) {
	rule := weeklyRule("r", "seed")
	rule.Active = false
	store := &memoryStore{
		rules:  []*domain.RecurrenceRule{rule},
		events: []*domain.EventInstance{seedEvent("seed", time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC))},
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	for _, now := range []time.Time{
		time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		report, err := adv.Advance(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 0, report.CreatedCount())
		assert.Equal(t, 0, report.RulesConsidered)
	}
	assert.Len(t, store.events, 1)
}

func TestRecurrenceAdvancer_MissingSeedDoesNotStopOtherRules(t *testing.T) {
	orphan := weeklyRule("orphan", "deleted-event")
	healthy := weeklyRule("healthy", "seed")
	store := &memoryStore{
		rules:  []*domain.RecurrenceRule{orphan, healthy},
		events: []*domain.EventInstance{seedEvent("seed", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))},
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	report, err := adv.Advance(context.Background(), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, report.RulesConsidered)
	assert.Equal(t, 1, report.CreatedCount())
	assert.Equal(t, 1, report.Skipped[domain.SkipNoSeed])
	require.Len(t, report.MissingSeed, 1)
	assert.Equal(t, "orphan", report.MissingSeed[0].ID)
	assert.Equal(t, 1, store.commits)
}

func TestRecurrenceAdvancer_CalendarEdgeCasesAreSkipped(t *testing.T) {
	monthly := &domain.RecurrenceRule{ID: "m", EventID: "seed-m", Frequency: domain.FrequencyMonthly, Interval: 1, Active: true}
	unknown := &domain.RecurrenceRule{ID: "u", EventID: "seed-u", Frequency: "fortnightly", Interval: 1, Active: true}
	store := &memoryStore{
		rules: []*domain.RecurrenceRule{monthly, unknown},
		events: []*domain.EventInstance{
			seedEvent("seed-m", time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)),
			seedEvent("seed-u", time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)),
		},
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	report, err := adv.Advance(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, report.CreatedCount())
	assert.Equal(t, 2, report.Skipped[domain.SkipNoOccurrence])
	assert.Equal(t, 1, store.commits)
}

func TestRecurrenceAdvancer_KeepsSeedOffset(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	rule := &domain.RecurrenceRule{ID: "r", EventID: "seed", Frequency: domain.FrequencyMonthly, Interval: 1, Active: true}
	store := &memoryStore{
		rules:  []*domain.RecurrenceRule{rule},
		events: []*domain.EventInstance{seedEvent("seed", time.Date(2024, 4, 15, 19, 0, 0, 0, wib))},
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	report, err := adv.Advance(context.Background(), time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.Equal(t, time.Date(2024, 5, 15, 19, 0, 0, 0, wib), report.Created[0].EventDate)
}

func TestRecurrenceAdvancer_DuplicateIsSkipped(t *testing.T) {
	rule := weeklyRule("r", "seed")
	store := &memoryStore{
		rules:     []*domain.RecurrenceRule{rule},
		events:    []*domain.EventInstance{seedEvent("seed", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))},
		insertErr: map[string]error{"r": domain.ErrDuplicateOccurrence},
	}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	report, err := adv.Advance(context.Background(), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, report.CreatedCount())
	assert.Equal(t, 1, report.Skipped[domain.SkipAlreadyMaterialized])
}

func TestRecurrenceAdvancer_StoreFailuresAbortWholeRun(t *testing.T) {
	boom := errors.New("connection refused")
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	newStore := func() *memoryStore {
		return &memoryStore{
			rules: []*domain.RecurrenceRule{weeklyRule("a", "seed-a"), weeklyRule("b", "seed-b")},
			events: []*domain.EventInstance{
				seedEvent("seed-a", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
				seedEvent("seed-b", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
			},
		}
	}

	tests := []struct {
		name          string
		setup         func(s *memoryStore)
		wantRollbacks int
	}{
		{"begin fails", func(s *memoryStore) { s.beginErr = boom }, 0},
		{"list fails", func(s *memoryStore) { s.listErr = boom }, 1},
		{"latest fails on second rule", func(s *memoryStore) { s.latestErr = map[string]error{"b": boom} }, 1},
		{"insert fails on second rule", func(s *memoryStore) { s.insertErr = map[string]error{"b": boom} }, 1},
		{"commit fails", func(s *memoryStore) { s.commitErr = boom }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			tt.setup(store)
			adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

			report, err := adv.Advance(context.Background(), now)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
			assert.ErrorIs(t, err, boom)
			require.NotNil(t, report)
			assert.NotEmpty(t, report.RunID)
			assert.Empty(t, report.Created)

			assert.Len(t, store.events, 2, "no instance may be committed")
			assert.Equal(t, 0, store.commits)
			assert.Equal(t, tt.wantRollbacks, store.rollbacks)

			n, err := adv.AdvanceAll(context.Background(), now)
			require.Error(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestRecurrenceAdvancer_RunIDsAreUnique(t *testing.T) {
	store := &memoryStore{}
	adv := NewRecurrenceAdvancer(store, discardLogger(), time.Minute)

	first, err := adv.Advance(context.Background(), time.Now())
	require.NoError(t, err)
	second, err := adv.Advance(context.Background(), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, first.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, first.RulesConsidered)
}
