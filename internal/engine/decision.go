package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"risk-gated-trader/internal/ai/review"
	"risk-gated-trader/internal/broker"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/events"
	"risk-gated-trader/internal/gate"
	"risk-gated-trader/internal/instrument"
	"risk-gated-trader/internal/logging"
	"risk-gated-trader/internal/pacing"
	"risk-gated-trader/internal/queue"
	"risk-gated-trader/internal/risk"
)

const (
	PathFastTrack = "fast_track"
	PathStandard  = "standard"
)

// DecisionConfig holds decision loop thresholds
type DecisionConfig struct {
	PollInterval          time.Duration
	MinConfidence         float64
	MinTimeframeAgreement float64                 // 0-1
	FastTrack             map[domain.Tier]float64 // confidence at or above skips review; zero disables
	ReviewTimeout         time.Duration
	IOTimeout             time.Duration // journal and state store calls
	HeadroomFraction      float64
	MaxTradesPerDay       int
	DefaultStopPips       float64
	DefaultTargetPips     float64
	DryRun                bool
}

// DefaultDecisionConfig returns default decision loop settings
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		PollInterval:          2 * time.Second,
		MinConfidence:         60,
		MinTimeframeAgreement: 0.5,
		FastTrack: map[domain.Tier]float64{
			domain.TierHigh:   85,
			domain.TierMedium: 90,
			domain.TierLow:    95,
		},
		ReviewTimeout:     15 * time.Second,
		IOTimeout:         3 * time.Second,
		HeadroomFraction:  0.5,
		MaxTradesPerDay:   5,
		DefaultStopPips:   20,
		DefaultTargetPips: 40,
	}
}

// Journal records decisions and closed trades
type Journal interface {
	RecordDecision(ctx context.Context, d domain.DecisionRecord) error
	RecordTrade(ctx context.Context, t domain.TradeRecord) error
}

// StateStore persists state that must survive a restart
type StateStore interface {
	SaveCompliance(ctx context.Context, st compliance.State) error
	SaveBreaker(ctx context.Context, st circuit.State) error
	SavePositions(ctx context.Context, positions []domain.Position) error
}

// CycleResult describes one decision cycle
type CycleResult struct {
	At         time.Time              `json:"at"`
	Exits      int                    `json:"exits"`
	Reconciled int                    `json:"reconciled"`
	Drained    int                    `json:"drained"`
	Eligible   int                    `json:"eligible"`
	Pacing     pacing.Snapshot        `json:"pacing"`
	Candidate  *domain.Opportunity    `json:"candidate,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Gate       *domain.GateResult     `json:"gate,omitempty"`
	Opened     *domain.Position       `json:"opened,omitempty"`
	Outcome    domain.DecisionOutcome `json:"outcome,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// Deps are the collaborators of the decision loop
type Deps struct {
	Broker     broker.Broker
	Queue      *queue.OpportunityQueue
	Compliance *compliance.Validator
	Breaker    *circuit.CircuitBreaker
	Pacing     pacing.Controller
	Gate       *gate.ExecutionGate
	Monitor    *risk.PositionMonitor
	Reviewer   review.Reviewer // nil skips the standard-path review
	Registry   *instrument.Registry
	Clock      clock.Clock
	Bus        *events.EventBus
	Journal    Journal
	Store      StateStore
}

// DecisionLoop is the single consumer of the opportunity queue and the only
// caller of broker order functions
type DecisionLoop struct {
	config DecisionConfig
	deps   Deps
	logger zerolog.Logger

	// owned by the loop goroutine
	pendingExits  []risk.ExitRequest
	flattenedTrip int
	tradesDay     string
	tradesToday   int
	lastStatus    compliance.Status

	mu         sync.RWMutex
	lastResult CycleResult
	halted     error
}

// NewDecisionLoop creates the decision loop
func NewDecisionLoop(config DecisionConfig, deps Deps, logger zerolog.Logger) *DecisionLoop {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultDecisionConfig().PollInterval
	}
	if config.IOTimeout <= 0 {
		config.IOTimeout = DefaultDecisionConfig().IOTimeout
	}
	return &DecisionLoop{
		config:     config,
		deps:       deps,
		logger:     logger.With().Str("component", "decision_loop").Logger(),
		lastStatus: compliance.StatusActive,
	}
}

// Run cycles until ctx is cancelled or compliance disqualifies the account.
// Exit requests wake the loop early.
func (l *DecisionLoop) Run(ctx context.Context) error {
	l.logger.Info().Bool("dry_run", l.config.DryRun).Msg("Decision loop started")
	exits := l.deps.Monitor.Exits()

	for {
		if ctx.Err() != nil {
			l.logger.Info().Msg("Decision loop stopped")
			return nil
		}

		if _, err := l.RunCycle(ctx); err != nil {
			if domain.IsFatal(err) {
				l.logger.Error().Err(err).Msg("Decision loop halted")
				return err
			}
			l.logger.Warn().Err(err).Msg("Decision cycle failed")
		}

		select {
		case <-ctx.Done():
		case req := <-exits:
			l.pendingExits = append(l.pendingExits, req)
		case <-l.deps.Clock.After(l.config.PollInterval):
		}
	}
}

// RunCycle runs exits, reconciliation and at most one entry decision
func (l *DecisionLoop) RunCycle(ctx context.Context) (CycleResult, error) {
	if err := l.Halted(); err != nil {
		return CycleResult{}, err
	}

	now := l.deps.Clock.Now()
	res := CycleResult{At: now}
	defer func() { l.setResult(res) }()

	res.Exits = l.processExits(ctx)
	l.flattenOnTrip(ctx, now)

	// (a) refresh compliance from the account
	acct, err := l.deps.Broker.GetAccountInfo(ctx)
	if err != nil {
		res.Reason = "account refresh failed"
		return res, fmt.Errorf("refresh account: %w", err)
	}
	if acct.Time.IsZero() {
		acct.Time = now
	}
	ev := l.deps.Compliance.Update(acct)
	l.deps.Breaker.RecordEquity(acct.Equity, now)
	l.noteCompliance(ev, now)

	if ev.Status == compliance.StatusDisqualified {
		l.flattenAll(ctx, "compliance disqualified")
		fatal := ev.Err()
		l.mu.Lock()
		l.halted = fatal
		l.mu.Unlock()
		res.Reason = fatal.Error()
		l.persist(ctx)
		return res, fatal
	}

	res.Reconciled = l.reconcile(ctx, now)
	defer l.persist(ctx)

	// (b) drain; every entry is consumed this cycle
	drained := l.deps.Queue.DrainSortedByConfidence()
	res.Drained = len(drained)

	// (d) pacing is recomputed every cycle
	res.Pacing = l.deps.Pacing.Compute(pacing.Input{
		CurrentProfitPct: ev.Buffers.ProfitPct,
		ProfitTargetPct:  l.deps.Compliance.Rules().ProfitTargetPct,
		DaysElapsed:      ev.DaysElapsed,
		DaysRemaining:    ev.DaysRemaining,
	})

	// (c)+(d) filter
	eligible := l.filter(drained, res.Pacing)
	res.Eligible = len(eligible)

	// (e)
	if len(eligible) == 0 {
		res.Reason = "no eligible opportunities"
		return res, nil
	}
	if !res.Pacing.AllowsEntries() {
		res.Reason = "pacing stop: " + res.Pacing.Reason
		return res, nil
	}
	if !ev.CanOpen() {
		res.Reason = fmt.Sprintf("compliance %s", ev.Status)
		return res, nil
	}
	l.rollTradeDay(ev.Day)
	if limit := l.dailyTradeLimit(res.Pacing); limit > 0 && l.tradesToday >= limit {
		res.Reason = fmt.Sprintf("daily trade limit reached (%d)", limit)
		return res, nil
	}

	// (f)
	opp := eligible[0]
	res.Candidate = &opp

	riskPct := risk.SizeRisk(res.Pacing.MaxRiskPerTrade, ev.Buffers.DailyLossRemainingPct, l.config.HeadroomFraction)
	if riskPct <= 0 {
		res.Reason = "no risk budget left today"
		return res, nil
	}

	// (g)
	res.Path = l.path(opp)
	if res.Path == PathStandard && l.deps.Reviewer != nil {
		adjusted, adjustedRisk, ok := l.review(ctx, opp, riskPct, acct, ev, res.Pacing)
		if !ok {
			res.Outcome = domain.OutcomeVetoed
			res.Reason = "secondary review did not approve"
			return res, nil
		}
		opp, riskPct = adjusted, adjustedRisk
	}

	// (h) fresh gate result immediately before submission
	result := l.deps.Gate.Validate(ctx, gate.Request{
		Symbol:        opp.Symbol,
		Direction:     opp.Direction,
		OpenPositions: l.deps.Monitor.Positions(),
		Balance:       acct.Balance,
		RiskPct:       riskPct,
		Now:           l.deps.Clock.Now(),
	})
	res.Gate = &result
	if !result.CanTrade {
		res.Outcome = domain.OutcomeDenied
		res.Reason = domain.Denied(result.Violations...).Error()
		l.deps.Bus.PublishGateDenied(now, opp.Symbol, string(opp.Direction), result.Violations)
		l.journalDecision(ctx, opp, res, riskPct, result.Violations, "")
		return res, nil
	}

	// (i)
	pos, outcome, err := l.open(ctx, opp, riskPct, res.Path)
	res.Outcome = outcome
	if err != nil {
		res.Reason = err.Error()
		l.journalDecision(ctx, opp, res, riskPct, []string{err.Error()}, "")
		return res, nil
	}
	if pos != nil {
		res.Opened = pos
		l.journalDecision(ctx, opp, res, riskPct, nil, pos.ID)
	} else {
		l.journalDecision(ctx, opp, res, riskPct, nil, "")
	}
	return res, nil
}

// filter applies the static and pacing thresholds and the duplicate-symbol
// guard. Input order (confidence descending) is preserved.
func (l *DecisionLoop) filter(opps []domain.Opportunity, snap pacing.Snapshot) []domain.Opportunity {
	held := make(map[string]bool)
	for _, p := range l.deps.Monitor.Positions() {
		held[p.Symbol] = true
	}

	out := make([]domain.Opportunity, 0, len(opps))
	for _, o := range opps {
		switch {
		case o.Direction != domain.Buy && o.Direction != domain.Sell:
		case o.Confidence < l.config.MinConfidence:
		case o.TimeframeAgreement < l.config.MinTimeframeAgreement:
		case o.Confidence < snap.MinConfidence:
		case held[o.Symbol]:
		default:
			out = append(out, o)
		}
	}
	return out
}

func (l *DecisionLoop) path(opp domain.Opportunity) string {
	if threshold := l.config.FastTrack[opp.Tier]; threshold > 0 && opp.Confidence >= threshold {
		return PathFastTrack
	}
	return PathStandard
}

// dailyTradeLimit is the tighter of the configured cap and the pacing target
func (l *DecisionLoop) dailyTradeLimit(snap pacing.Snapshot) int {
	limit := l.config.MaxTradesPerDay
	if snap.TargetTradesPerDay > 0 && (limit <= 0 || snap.TargetTradesPerDay < limit) {
		limit = snap.TargetTradesPerDay
	}
	return limit
}

func (l *DecisionLoop) rollTradeDay(day string) {
	if day != l.tradesDay {
		l.tradesDay = day
		l.tradesToday = 0
	}
}

// review returns ok=false on deny or on any review failure
func (l *DecisionLoop) review(ctx context.Context, opp domain.Opportunity, riskPct float64,
	acct domain.AccountInfo, ev compliance.Evaluation, snap pacing.Snapshot) (domain.Opportunity, float64, bool) {
	rctx := ctx
	if l.config.ReviewTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, l.config.ReviewTimeout)
		defer cancel()
	}

	verdict, err := l.deps.Reviewer.Review(rctx, opp, review.AccountContext{
		Balance:               acct.Balance,
		Equity:                acct.Equity,
		DailyLossRemainingPct: ev.Buffers.DailyLossRemainingPct,
		DrawdownRemainingPct:  ev.Buffers.DrawdownRemainingPct,
		ProfitToTargetPct:     ev.Buffers.ProfitToTargetPct,
		OpenPositions:         len(l.deps.Monitor.Positions()),
		Urgency:               string(snap.Urgency),
		ProposedRiskPct:       riskPct,
	})
	if err != nil {
		logging.SignalContext(l.logger, opp.Symbol, opp.Direction, opp.Confidence).Warn().Err(err).Msg("Secondary review failed, skipping opportunity")
		return opp, riskPct, false
	}
	if verdict.Action == review.Deny {
		logging.SignalContext(l.logger, opp.Symbol, opp.Direction, opp.Confidence).Info().Str("reasoning", verdict.Reasoning).Msg("Secondary review vetoed trade")
		l.deps.Bus.Publish(events.Event{
			Type:      events.EventReviewVetoed,
			Timestamp: l.deps.Clock.Now(),
			Data:      map[string]interface{}{"symbol": opp.Symbol, "reasoning": verdict.Reasoning},
		})
		return opp, riskPct, false
	}

	adjusted, adjustedRisk := review.Apply(opp, riskPct, verdict)
	return adjusted, adjustedRisk, true
}

// open submits the order and registers the confirmed position
func (l *DecisionLoop) open(ctx context.Context, opp domain.Opportunity, riskPct float64, path string) (*domain.Position, domain.DecisionOutcome, error) {
	levels := risk.TradeLevels(opp, l.deps.Registry, l.config.DefaultStopPips, l.config.DefaultTargetPips)

	if l.config.DryRun {
		l.logger.Info().
			Str("symbol", opp.Symbol).
			Str("direction", string(opp.Direction)).
			Float64("risk_pct", riskPct).
			Float64("stop_pips", levels.StopPips).
			Msg("Dry run, order not sent")
		return nil, domain.OutcomeDryRun, nil
	}

	req := broker.OrderRequest{
		RequestID:  uuid.NewString(),
		Symbol:     opp.Symbol,
		Direction:  opp.Direction,
		RiskPct:    riskPct,
		StopPips:   levels.StopPips,
		TargetPips: levels.TargetPips,
	}
	fill, err := l.deps.Broker.OpenTrade(ctx, req)
	if err != nil {
		outcome := domain.OutcomeFailed
		if broker.IsRejected(err) {
			outcome = domain.OutcomeRejected
		}
		l.logger.Warn().Err(err).Str("symbol", opp.Symbol).Str("request_id", req.RequestID).Msg("Order not filled")
		return nil, outcome, err
	}

	now := l.deps.Clock.Now()
	openedAt := fill.FilledAt
	if openedAt.IsZero() {
		openedAt = now
	}
	sign := opp.Direction.Sign()
	pos := domain.Position{
		ID:          fill.Ticket,
		Symbol:      opp.Symbol,
		Direction:   opp.Direction,
		EntryPrice:  fill.EntryPrice,
		StopPrice:   l.deps.Registry.Offset(opp.Symbol, fill.EntryPrice, -sign*levels.StopPips),
		StopKind:    domain.StopInitial,
		TargetPrice: l.deps.Registry.Offset(opp.Symbol, fill.EntryPrice, sign*levels.TargetPips),
		OpenedAt:    openedAt,
		Tier:        opp.Tier,
		ScaleState:  domain.ScaleFull,
		RiskPct:     riskPct,
		Confidence:  opp.Confidence,
	}
	if err := l.deps.Monitor.Register(pos); err != nil && !errors.Is(err, risk.ErrPositionAlreadyExists) {
		return nil, domain.OutcomeFailed, err
	}
	l.deps.Compliance.RecordTradingDay(now)
	l.tradesToday++

	logging.PositionContext(l.logger, pos).Info().
		Str("path", path).
		Float64("stop", pos.StopPrice).
		Float64("risk_pct", riskPct).
		Msg("Position opened")
	l.deps.Bus.PublishTradeOpened(now, pos.ID, pos.Symbol, string(pos.Direction), string(pos.Tier), path,
		pos.EntryPrice, pos.StopPrice, riskPct, pos.Confidence)
	return &pos, domain.OutcomeOpened, nil
}

// processExits closes positions the monitor asked to exit. Failed closes
// re-arm the monitor so the exit is requested again.
func (l *DecisionLoop) processExits(ctx context.Context) int {
	pending := l.pendingExits
	l.pendingExits = nil

drain:
	for {
		select {
		case req := <-l.deps.Monitor.Exits():
			pending = append(pending, req)
		default:
			break drain
		}
	}

	closed := 0
	for _, req := range pending {
		pos, ok := l.deps.Monitor.Get(req.PositionID)
		if !ok {
			continue
		}
		res, err := l.deps.Broker.CloseTrade(ctx, req.PositionID, req.Reason)
		if err != nil {
			l.logger.Warn().Err(err).Str("ticket", req.PositionID).Str("exit", string(req.Kind)).Msg("Close failed, will retry")
			l.deps.Monitor.ClearExitRequest(req.PositionID)
			continue
		}
		l.recordClose(ctx, pos, res.ClosePrice, res.Profit, req.Reason, res.ClosedAt)
		closed++
	}
	return closed
}

// flattenOnTrip closes everything once per breaker trip that demands it
func (l *DecisionLoop) flattenOnTrip(ctx context.Context, now time.Time) {
	st := l.deps.Breaker.Check(now)
	if !st.Triggered || !st.ShouldClosePositions || st.TripID == l.flattenedTrip {
		return
	}
	if l.flattenAll(ctx, domain.Tripped(st.Reason).Error()) {
		l.flattenedTrip = st.TripID
	}
}

// flattenAll reports whether every position was closed
func (l *DecisionLoop) flattenAll(ctx context.Context, reason string) bool {
	positions := l.deps.Monitor.Positions()
	if len(positions) == 0 {
		return true
	}

	results, err := l.deps.Broker.CloseAll(ctx, reason)
	byTicket := make(map[string]broker.CloseResult, len(results))
	for _, r := range results {
		byTicket[r.Ticket] = r
	}
	for _, pos := range positions {
		if r, ok := byTicket[pos.ID]; ok {
			l.recordClose(ctx, pos, r.ClosePrice, r.Profit, reason, r.ClosedAt)
		}
	}
	if err != nil {
		l.logger.Error().Err(err).Str("reason", reason).Msg("Flatten failed, will retry")
		l.deps.Bus.PublishError("decision", "flatten failed: "+reason, err)
		return false
	}
	l.logger.Warn().Int("closed", len(results)).Str("reason", reason).Msg("All positions flattened")
	return true
}

// reconcile drops positions the broker no longer reports and refreshes
// unrealized profit on the rest
func (l *DecisionLoop) reconcile(ctx context.Context, now time.Time) int {
	open, err := l.deps.Broker.GetOpenPositions(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Position reconciliation skipped")
		return 0
	}
	live := make(map[string]broker.OpenPosition, len(open))
	for _, p := range open {
		live[p.Ticket] = p
	}

	removed := 0
	for _, pos := range l.deps.Monitor.Positions() {
		if bp, ok := live[pos.ID]; ok {
			l.deps.Monitor.UpdateProfit(pos.ID, bp.Profit)
			continue
		}
		l.logger.Warn().Str("ticket", pos.ID).Str("symbol", pos.Symbol).Msg("Position closed outside the engine")
		l.recordClose(ctx, pos, 0, pos.UnrealizedProfit, "closed at broker", now)
		removed++
	}
	return removed
}

func (l *DecisionLoop) recordClose(ctx context.Context, pos domain.Position, exitPrice, profit float64, reason string, at time.Time) {
	if at.IsZero() {
		at = l.deps.Clock.Now()
	}
	if _, err := l.deps.Monitor.Remove(pos.ID); err != nil {
		return
	}
	l.deps.Breaker.RecordTradeOutcome(profit, at)
	l.deps.Compliance.RecordRealizedProfit(at, profit)

	logging.PositionContext(l.logger, pos).Info().
		Float64("profit", profit).
		Str("reason", reason).
		Msg("Position closed")
	l.deps.Bus.PublishTradeClosed(at, pos.ID, pos.Symbol, reason, pos.EntryPrice, exitPrice, profit)

	if l.deps.Journal != nil {
		jctx, cancel := context.WithTimeout(ctx, l.config.IOTimeout)
		defer cancel()
		err := l.deps.Journal.RecordTrade(jctx, domain.TradeRecord{
			Ticket:     pos.ID,
			Symbol:     pos.Symbol,
			Direction:  pos.Direction,
			Tier:       pos.Tier,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exitPrice,
			StopKind:   pos.StopKind,
			RiskPct:    pos.RiskPct,
			Profit:     profit,
			Reason:     reason,
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   at,
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("ticket", pos.ID).Msg("Failed to journal trade")
		}
	}
}

func (l *DecisionLoop) journalDecision(ctx context.Context, opp domain.Opportunity, res CycleResult, riskPct float64, reasons []string, ticket string) {
	if l.deps.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, l.config.IOTimeout)
	defer cancel()
	err := l.deps.Journal.RecordDecision(jctx, domain.DecisionRecord{
		At:            res.At,
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		Direction:     opp.Direction,
		Tier:          opp.Tier,
		Confidence:    opp.Confidence,
		Path:          res.Path,
		Urgency:       string(res.Pacing.Urgency),
		RiskPct:       riskPct,
		Outcome:       res.Outcome,
		Reasons:       reasons,
		Ticket:        ticket,
	})
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to journal decision")
	}
}

func (l *DecisionLoop) noteCompliance(ev compliance.Evaluation, now time.Time) {
	if ev.Status == l.lastStatus {
		return
	}
	entry := l.logger.Warn()
	if ev.Status == compliance.StatusDisqualified {
		entry = l.logger.Error()
	}
	entry.Str("from", string(l.lastStatus)).
		Str("to", string(ev.Status)).
		Strs("reasons", ev.Reasons).
		Msg("Compliance status changed")
	l.deps.Bus.PublishCompliance(now, string(l.lastStatus), string(ev.Status), ev.Reasons)
	l.lastStatus = ev.Status
}

func (l *DecisionLoop) persist(ctx context.Context) {
	if l.deps.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, l.config.IOTimeout)
	defer cancel()

	if err := l.deps.Store.SaveCompliance(sctx, l.deps.Compliance.Snapshot()); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist compliance state")
	}
	if err := l.deps.Store.SaveBreaker(sctx, l.deps.Breaker.Snapshot()); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist breaker state")
	}
	if err := l.deps.Store.SavePositions(sctx, l.deps.Monitor.Positions()); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist positions")
	}
}

func (l *DecisionLoop) setResult(res CycleResult) {
	l.mu.Lock()
	l.lastResult = res
	l.mu.Unlock()
}

// LastResult returns the most recent cycle result
func (l *DecisionLoop) LastResult() CycleResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastResult
}

// Halted returns the terminal error once the loop has stopped for compliance
func (l *DecisionLoop) Halted() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted
}

// ClearHalt re-enables the loop after an operator compliance reset
func (l *DecisionLoop) ClearHalt() {
	l.mu.Lock()
	l.halted = nil
	l.mu.Unlock()
}
