package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pario-ai/payless/pkg/earn"
	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/metering"
	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"go.uber.org/zap"
)

type completeRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt" binding:"required"`
	SystemPrompt string `json:"system_prompt"`
	MaxTokens    int    `json:"max_tokens"`
}

func (r completeRequest) metered(user string) metering.Request {
	return metering.Request{
		UserID:       user,
		Provider:     r.Provider,
		Model:        r.Model,
		Prompt:       r.Prompt,
		SystemPrompt: r.SystemPrompt,
		MaxTokens:    r.MaxTokens,
	}
}

type completeResponse struct {
	Text           string       `json:"text"`
	Provider       string       `json:"provider"`
	Model          string       `json:"model"`
	FinishReason   string       `json:"finish_reason,omitempty"`
	Usage          models.Usage `json:"usage"`
	UsageEstimated bool         `json:"usage_estimated,omitempty"`
	Credits        creditsUsed  `json:"credits"`
	CreditBalance  int64        `json:"credit_balance"`
}

type creditsUsed struct {
	Reserved int64 `json:"reserved"`
	Charged  int64 `json:"charged"`
	Refunded int64 `json:"refunded"`
	Capped   bool  `json:"capped,omitempty"`
}

type tickRequest struct {
	TickID  string `json:"tick_id" binding:"required"`
	Seconds int    `json:"seconds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleBalance(c *gin.Context) {
	bal, err := s.ledger.Balance(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_balance": bal})
}

// handleEvents returns the event log, or its last ?limit entries.
func (s *Server) handleEvents(c *gin.Context) {
	events, err := s.ledger.Events(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
			return
		}
		if n < len(events) {
			events = events[len(events)-n:]
		}
	}
	if events == nil {
		events = []models.LedgerEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleTick(c *gin.Context) {
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	res, err := s.accruer.Accrue(c.Request.Context(), earn.Tick{
		UserID:  userID(c),
		TickID:  req.TickID,
		Seconds: req.Seconds,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleAdStats(c *gin.Context) {
	stats, err := s.accruer.Stats(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleProviders(c *gin.Context) {
	names := s.registry.Providers()
	out := make([]models.ProviderDescriptor, 0, len(names))
	for _, name := range names {
		d, err := s.registry.Descriptor(name)
		if err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleModels(c *gin.Context) {
	d, err := s.registry.Descriptor(c.Param("name"))
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			writeError(c, http.StatusNotFound, "not_found_error", err.Error())
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":      d.Name,
		"default_model": d.DefaultModel,
		"models":        d.AvailableModels,
	})
}

func (s *Server) handleEstimate(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	_, est, err := s.meter.Estimate(req.metered(""))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}

	res, err := s.meter.Run(c.Request.Context(), req.metered(userID(c)))
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := res.Response
	c.JSON(http.StatusOK, completeResponse{
		Text:           resp.Text,
		Provider:       resp.Provider,
		Model:          resp.Model,
		FinishReason:   resp.FinishReason,
		Usage:          resp.Usage,
		UsageEstimated: resp.Estimated,
		Credits: creditsUsed{
			Reserved: res.Settlement.Reserved,
			Charged:  res.Settlement.Charged,
			Refunded: res.Settlement.Refunded,
			Capped:   res.Settlement.Capped,
		},
		CreditBalance: res.Settlement.Balance,
	})
}

// fail maps a domain error onto a status code and writes it.
func (s *Server) fail(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": gin.H{
			"message":  "insufficient credit balance",
			"type":     "insufficient_balance",
			"code":     http.StatusPaymentRequired,
			"balance":  insufficient.Balance,
			"required": insufficient.Required,
		}})
		return
	}

	code, typ := classify(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request error", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, code, typ, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCorrelation),
		errors.Is(err, earn.ErrInvalidTick),
		errors.Is(err, pricing.ErrNegativeTokens),
		errors.Is(err, pricing.ErrTooManyTokens),
		errors.Is(err, pricing.ErrCostOverflow),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrNoDefaultModel):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, metering.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, provider.ErrVendorExecution):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled):
		return 499, "client_closed_request"
	default:
		return http.StatusInternalServerError, "payless_error"
	}
}

func writeError(c *gin.Context, code int, typ, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": gin.H{
		"message": message,
		"type":    typ,
		"code":    code,
	}})
}
