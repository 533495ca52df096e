package database

import (
	"context"
	"encoding/json"
	"fmt"

	"risk-gated-trader/internal/domain"
)

// Journal records decisions and closed trades
type Journal struct {
	db *DB
}

// NewJournal creates a journal on db
func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

// RecordDecision inserts one decision row
func (j *Journal) RecordDecision(ctx context.Context, d domain.DecisionRecord) error {
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	query := `
		INSERT INTO decisions (decided_at, opportunity_id, symbol, direction, tier, confidence,
			path, urgency, risk_pct, outcome, reasons, ticket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
	`
	_, err = j.db.Pool.Exec(ctx, query,
		d.At, d.OpportunityID, d.Symbol, string(d.Direction), string(d.Tier), d.Confidence,
		d.Path, d.Urgency, d.RiskPct, string(d.Outcome), reasonsJSON, d.Ticket,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// RecordTrade inserts a closed trade. Re-recording a ticket is a no-op.
func (j *Journal) RecordTrade(ctx context.Context, t domain.TradeRecord) error {
	query := `
		INSERT INTO closed_trades (ticket, symbol, direction, tier, entry_price, exit_price,
			stop_kind, risk_pct, profit, reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ticket) DO NOTHING
	`
	_, err := j.db.Pool.Exec(ctx, query,
		t.Ticket, t.Symbol, string(t.Direction), string(t.Tier), t.EntryPrice, t.ExitPrice,
		string(t.StopKind), t.RiskPct, t.Profit, t.Reason, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.Ticket, err)
	}
	return nil
}

// RecentDecisions returns the newest decisions first
func (j *Journal) RecentDecisions(ctx context.Context, limit int) ([]domain.DecisionRecord, error) {
	query := `
		SELECT decided_at, opportunity_id, symbol, direction, tier, confidence, path, urgency,
		       risk_pct, outcome, reasons, COALESCE(ticket, '')
		FROM decisions
		ORDER BY decided_at DESC
		LIMIT $1
	`
	rows, err := j.db.Pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var (
			d                        domain.DecisionRecord
			direction, tier, outcome string
			reasonsJSON              []byte
		)
		if err := rows.Scan(&d.At, &d.OpportunityID, &d.Symbol, &direction, &tier, &d.Confidence,
			&d.Path, &d.Urgency, &d.RiskPct, &outcome, &reasonsJSON, &d.Ticket); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Direction = domain.Direction(direction)
		d.Tier = domain.Tier(tier)
		d.Outcome = domain.DecisionOutcome(outcome)
		if len(reasonsJSON) > 0 {
			if err := json.Unmarshal(reasonsJSON, &d.Reasons); err != nil {
				return nil, fmt.Errorf("failed to parse decision reasons: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
