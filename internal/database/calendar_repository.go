package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"risk-gated-trader/internal/calendar"
)

// CalendarRepository serves economic events from the economic_events table
type CalendarRepository struct {
	db *DB
}

// NewCalendarRepository creates a calendar source on db
func NewCalendarRepository(db *DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

// UpcomingHighImpactEvents returns HIGH impact events for currency in [from, to]
func (r *CalendarRepository) UpcomingHighImpactEvents(ctx context.Context, currency string, from, to time.Time) ([]calendar.Event, error) {
	query := `
		SELECT id, currency, title, impact, event_time
		FROM economic_events
		WHERE UPPER(currency) = $1 AND impact = $2 AND event_time BETWEEN $3 AND $4
		ORDER BY event_time
	`
	rows, err := r.db.Pool.Query(ctx, query, strings.ToUpper(currency), string(calendar.ImpactHigh), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query economic events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calendar.Event, error) {
		var (
			e      calendar.Event
			impact string
		)
		if err := row.Scan(&e.ID, &e.Currency, &e.Title, &impact, &e.Time); err != nil {
			return calendar.Event{}, err
		}
		e.Impact = calendar.Impact(impact)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan economic events: %w", err)
	}
	return events, nil
}

// UpsertEvents inserts or replaces events in one batch
func (r *CalendarRepository) UpsertEvents(ctx context.Context, events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO economic_events (id, currency, title, impact, event_time)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET currency = EXCLUDED.currency, title = EXCLUDED.title,
			    impact = EXCLUDED.impact, event_time = EXCLUDED.event_time
		`, e.ID, strings.ToUpper(e.Currency), e.Title, string(e.Impact), e.Time)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert economic event: %w", err)
		}
	}
	return nil
}
