package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"risk-gated-trader/internal/domain"
)

// GuardConfig bounds calls to the shared broker channel
type GuardConfig struct {
	Timeout            time.Duration `json:"timeout"`
	CallsPerSecond     float64       `json:"calls_per_second"`
	Burst              int           `json:"burst"`
	MaxTransportErrors int           `json:"max_transport_errors"` // consecutive failures before Connected() is false
}

// DefaultGuardConfig returns default guard settings
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:            10 * time.Second,
		CallsPerSecond:     5,
		Burst:              2,
		MaxTransportErrors: 3,
	}
}

// Guarded wraps a Broker with per-call timeouts, a shared rate limit,
// response correlation and liveness tracking
type Guarded struct {
	inner   Broker
	config  GuardConfig
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu              sync.Mutex
	transportErrors int
	lastSuccess     time.Time
}

// NewGuarded wraps inner
func NewGuarded(inner Broker, config GuardConfig, logger zerolog.Logger) *Guarded {
	if config.Timeout <= 0 {
		config.Timeout = DefaultGuardConfig().Timeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	limit := rate.Inf
	if config.CallsPerSecond > 0 {
		limit = rate.Limit(config.CallsPerSecond)
	}
	return &Guarded{
		inner:   inner,
		config:  config,
		limiter: rate.NewLimiter(limit, config.Burst),
		logger:  logger.With().Str("component", "broker").Logger(),
	}
}

// Connected is false once MaxTransportErrors consecutive calls failed in transport
func (g *Guarded) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config.MaxTransportErrors <= 0 || g.transportErrors < g.config.MaxTransportErrors
}

// LastSuccess returns the time of the last successful call
func (g *Guarded) LastSuccess() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSuccess
}

func (g *Guarded) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	if err := g.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("rate limit wait: %w", ErrUnreachable)
	}
	return ctx, cancel, nil
}

// finish classifies err and updates liveness. Timeouts and transport errors
// become ErrUnreachable.
func (g *Guarded) finish(ctx context.Context, op string, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil || IsRejected(err) || errors.Is(err, ErrStaleResponse) {
		g.transportErrors = 0
		g.lastSuccess = time.Now()
		return err
	}

	g.transportErrors++
	if ctx.Err() != nil && !errors.Is(err, ErrUnreachable) {
		err = fmt.Errorf("%s timed out: %v: %w", op, err, ErrUnreachable)
	} else if !errors.Is(err, ErrUnreachable) {
		err = fmt.Errorf("%s: %v: %w", op, err, ErrUnreachable)
	}
	g.logger.Warn().Err(err).Str("op", op).Int("consecutive_errors", g.transportErrors).Msg("Broker call failed")
	return err
}

func (g *Guarded) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return domain.AccountInfo{}, err
	}
	defer cancel()
	acct, err := g.inner.GetAccountInfo(ctx)
	return acct, g.finish(ctx, "get_account_info", err)
}

func (g *Guarded) GetOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	positions, err := g.inner.GetOpenPositions(ctx)
	return positions, g.finish(ctx, "get_open_positions", err)
}

// OpenTrade submits the order and discards fills that do not correlate to it
func (g *Guarded) OpenTrade(ctx context.Context, req OrderRequest) (Fill, error) {
	if req.RequestID == "" {
		return Fill{}, errors.New("order request has no request id")
	}
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return Fill{}, err
	}
	defer cancel()

	fill, err := g.inner.OpenTrade(ctx, req)
	if err == nil && (fill.RequestID != req.RequestID || fill.Symbol != req.Symbol || fill.Direction != req.Direction) {
		g.logger.Error().
			Str("request_id", req.RequestID).
			Str("fill_request_id", fill.RequestID).
			Str("symbol", req.Symbol).
			Str("fill_symbol", fill.Symbol).
			Msg("Discarding mismatched fill")
		err = fmt.Errorf("open %s %s: %w", req.Direction, req.Symbol, ErrStaleResponse)
		fill = Fill{}
	}
	return fill, g.finish(ctx, "open_trade", err)
}

// CloseTrade closes one ticket and discards results for other tickets
func (g *Guarded) CloseTrade(ctx context.Context, ticket, reason string) (CloseResult, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	defer cancel()

	res, err := g.inner.CloseTrade(ctx, ticket, reason)
	if err == nil && res.Ticket != ticket {
		err = fmt.Errorf("close %s returned %s: %w", ticket, res.Ticket, ErrStaleResponse)
		res = CloseResult{}
	}
	return res, g.finish(ctx, "close_trade", err)
}

func (g *Guarded) CloseAll(ctx context.Context, reason string) ([]CloseResult, error) {
	ctx, cancel, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	results, err := g.inner.CloseAll(ctx, reason)
	return results, g.finish(ctx, "close_all", err)
}
