package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"risk-gated-trader/internal/domain"
)

type contextKey string

const loggerKey contextKey = "logger"

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves the logger from context, falling back to Default
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return &l
	}
	l := Default()
	return &l
}

// SignalContext creates a logger for a scanner signal
func SignalContext(l zerolog.Logger, symbol string, dir domain.Direction, confidence float64) *zerolog.Logger {
	sl := l.With().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Float64("confidence", confidence).
		Logger()
	return &sl
}

// PositionContext creates a logger for an open position
func PositionContext(l zerolog.Logger, pos domain.Position) *zerolog.Logger {
	pl := l.With().
		Str("ticket", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Float64("entry_price", pos.EntryPrice).
		Logger()
	return &pl
}

// TierContext creates a logger for a tier scanner
func TierContext(l zerolog.Logger, tier domain.Tier) zerolog.Logger {
	return l.With().Str("component", "scanner").Str("tier", string(tier)).Logger()
}

// GinMiddleware logs each request with a trace id and stores the request
// logger in the request context
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		l := base.With().
			Str("component", "http").
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.Info().
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	}
}
