package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"villageevents/internal/domain"
)

type recurrenceStore struct {
	DB *sql.DB
}

// NewRecurrenceStore returns a domain.RecurrenceStore backed by the events and
// recurrences tables.
func NewRecurrenceStore(db *sql.DB) domain.RecurrenceStore {
	return &recurrenceStore{DB: db}
}

func (s *recurrenceStore) BeginTx(ctx context.Context) (domain.RecurrenceTx, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &recurrenceTx{tx: tx}, nil
}

type recurrenceTx struct {
	tx *sql.Tx
}

// ListActiveRules locks the active rule rows with FOR UPDATE so a concurrent
// run waits for this one to commit before reading the same series.
func (r *recurrenceTx) ListActiveRules(ctx context.Context) ([]*domain.RecurrenceRule, error) {
	query := `
		SELECT id, event_id, frequency, "interval", active, repeat_until, created_at, updated_at
		FROM recurrences
		WHERE active = true
		ORDER BY created_at, id
		FOR UPDATE
	`
	rows, err := r.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.RecurrenceRule, 0)
	for rows.Next() {
		rule := &domain.RecurrenceRule{}
		var frequency string
		var untilNull sql.NullTime
		if err := rows.Scan(&rule.ID, &rule.EventID, &frequency, &rule.Interval, &rule.Active, &untilNull, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Frequency = domain.Frequency(frequency)
		if untilNull.Valid {
			until := domain.AsAware(untilNull.Time)
			rule.RepeatUntil = &until
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// LatestInstance considers the seed event and every instance generated for the rule.
func (r *recurrenceTx) LatestInstance(ctx context.Context, rule *domain.RecurrenceRule) (*domain.EventInstance, error) {
	query := `
		SELECT id, recurrence_id, title, description, location, event_date,
			requires_registration, slots_available, is_cancelled, created_at, updated_at
		FROM events
		WHERE id = $1 OR recurrence_id = $2
		ORDER BY event_date DESC
		LIMIT 1
	`
	e := &domain.EventInstance{}
	var recurrenceNull, descNull, locationNull sql.NullString
	var slotsNull sql.NullInt64
	var cancelledNull sql.NullBool
	err := r.tx.QueryRowContext(ctx, query, rule.EventID, rule.ID).Scan(
		&e.ID, &recurrenceNull, &e.Title, &descNull, &locationNull, &e.EventDate,
		&e.RequiresRegistration, &slotsNull, &cancelledNull, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	e.EventDate = domain.AsAware(e.EventDate)
	if recurrenceNull.Valid {
		e.RecurrenceID = &recurrenceNull.String
	}
	if descNull.Valid {
		e.Description = &descNull.String
	}
	if locationNull.Valid {
		e.Location = &locationNull.String
	}
	if slotsNull.Valid {
		slots := int(slotsNull.Int64)
		e.SlotsAvailable = &slots
	}
	e.IsCancelled = cancelledNull.Valid && cancelledNull.Bool
	return e, nil
}

// InsertInstance relies on ON CONFLICT DO NOTHING so that a uniqueness
// constraint on the series and date, when the schema has one, reports a
// duplicate without aborting the transaction.
func (r *recurrenceTx) InsertInstance(ctx context.Context, e *domain.EventInstance) error {
	query := `
		INSERT INTO events (recurrence_id, title, description, location, event_date,
			requires_registration, slots_available, is_cancelled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING id
	`
	err := r.tx.QueryRowContext(ctx, query,
		nullString(e.RecurrenceID), e.Title, nullString(e.Description), nullString(e.Location), e.EventDate,
		e.RequiresRegistration, nullInt(e.SlotsAvailable), e.IsCancelled, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDuplicateOccurrence
		}
		return err
	}
	return nil
}

func (r *recurrenceTx) Commit() error {
	return r.tx.Commit()
}

func (r *recurrenceTx) Rollback() error {
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
