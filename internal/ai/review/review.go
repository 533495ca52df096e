// Package review is the optional secondary review of trade candidates.
package review

import (
	"context"
	"strings"

	"risk-gated-trader/internal/domain"
)

// Action is the reviewer's decision
type Action string

const (
	Approve Action = "approve"
	Deny    Action = "deny"
	Adjust  Action = "adjust"
)

// ParseAction maps free-form reviewer output onto an Action; unknown values deny
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "proceed":
		return Approve
	case "adjust", "adjusted", "modify":
		return Adjust
	default:
		return Deny
	}
}

// AccountContext is what the reviewer sees about the account
type AccountContext struct {
	Balance               float64 `json:"balance"`
	Equity                float64 `json:"equity"`
	DailyLossRemainingPct float64 `json:"daily_loss_remaining_pct"`
	DrawdownRemainingPct  float64 `json:"drawdown_remaining_pct"`
	ProfitToTargetPct     float64 `json:"profit_to_target_pct"`
	OpenPositions         int     `json:"open_positions"`
	Urgency               string  `json:"urgency"`
	ProposedRiskPct       float64 `json:"proposed_risk_pct"`
}

// Verdict is a review result. Adjusted fields are zero when unchanged.
type Verdict struct {
	Action      Action  `json:"action"`
	Reasoning   string  `json:"reasoning"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`
	RiskPct     float64 `json:"risk_pct,omitempty"`
}

// Reviewer vetoes or adjusts a candidate trade
type Reviewer interface {
	Review(ctx context.Context, opp domain.Opportunity, account AccountContext) (Verdict, error)
}

// Apply returns the opportunity and risk after an Adjust verdict. Adjusted
// stops on the wrong side of entry are ignored and risk can only shrink.
func Apply(opp domain.Opportunity, riskPct float64, v Verdict) (domain.Opportunity, float64) {
	if v.Action != Adjust {
		return opp, riskPct
	}
	sign := opp.Direction.Sign()
	if v.StopPrice > 0 && (opp.EntryPrice-v.StopPrice)*sign > 0 {
		opp.StopPrice = v.StopPrice
	}
	if v.TargetPrice > 0 && (v.TargetPrice-opp.EntryPrice)*sign > 0 {
		opp.TargetPrice = v.TargetPrice
	}
	if v.RiskPct > 0 && v.RiskPct < riskPct {
		riskPct = v.RiskPct
	}
	return opp, riskPct
}

// ApproveAll is the reviewer used when review is disabled
type ApproveAll struct{}

func (ApproveAll) Review(context.Context, domain.Opportunity, AccountContext) (Verdict, error) {
	return Verdict{Action: Approve, Reasoning: "review disabled"}, nil
}
