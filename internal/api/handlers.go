package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"risk-gated-trader/internal/auth"
	"risk-gated-trader/internal/logging"
)

type tokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type complianceResetRequest struct {
	StartingBalance float64 `json:"starting_balance" binding:"required,gt=0"`
}

type tripRequest struct {
	Reason          string `json:"reason" binding:"required"`
	CooldownMinutes int    `json:"cooldown_minutes" binding:"gte=0"`
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.trader.Status()
	code := http.StatusOK
	status := "healthy"
	if st.Halted != "" {
		status = "halted"
	} else if !st.BrokerConnected || !st.FeedConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           status,
		"running":          st.Running,
		"broker_connected": st.BrokerConnected,
		"feed_connected":   st.FeedConnected,
		"time":             time.Now().UTC(),
	})
}

func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	claims, err := auth.Authenticate(s.config.Operators, req.Operator, req.Password)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warn().Str("operator", req.Operator).Msg("Failed login")
		var authErr auth.AuthError
		if !errors.As(err, &authErr) {
			authErr = auth.ErrInvalidCredentials
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Code, "message": authErr.Message})
		return
	}

	token, err := s.jwt.IssueToken(claims)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, token)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.trader.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.trader.Positions()})
}

func (s *Server) handleDecisions(c *gin.Context) {
	if s.decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision journal not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	decisions, err := s.decisions.RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("Failed to read decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	s.probesMu.RLock()
	out := make(gin.H, len(s.probes)+1)
	for name, probe := range s.probes {
		out[name] = probe()
	}
	s.probesMu.RUnlock()
	out["ws_clients"] = s.hub.ClientCount()
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleResetCircuit(c *gin.Context) {
	operator := c.GetString(auth.ContextKeyOperator)
	s.trader.ResetCircuit(operator)
	logging.FromContext(c.Request.Context()).Warn().Str("operator", operator).Msg("Circuit breaker reset by operator")
	c.JSON(http.StatusOK, gin.H{"success": true, "breaker": s.trader.Status().Breaker})
}

func (s *Server) handleTripCircuit(c *gin.Context) {
	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	operator := c.GetString(auth.ContextKeyOperator)
	st := s.trader.TripCircuit(operator, req.Reason, time.Duration(req.CooldownMinutes)*time.Minute)
	logging.FromContext(c.Request.Context()).Warn().Str("operator", operator).Str("reason", req.Reason).Msg("Circuit tripped by operator")
	c.JSON(http.StatusOK, gin.H{"success": true, "breaker": st})
}

func (s *Server) handleResetCompliance(c *gin.Context) {
	var req complianceResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "starting_balance must be positive"})
		return
	}

	operator := c.GetString(auth.ContextKeyOperator)
	s.trader.ResetCompliance(operator, req.StartingBalance)
	logging.FromContext(c.Request.Context()).Warn().
		Str("operator", operator).
		Float64("starting_balance", req.StartingBalance).
		Msg("Compliance reset by operator")
	c.JSON(http.StatusOK, gin.H{"success": true, "compliance": s.trader.Status().Compliance})
}
