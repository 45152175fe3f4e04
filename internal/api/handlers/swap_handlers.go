package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/services/treasury"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// SwapService prices and settles conversions.
type SwapService interface {
	Quote(ctx context.Context, from, to string, amount decimal.Decimal) (*treasury.Quote, error)
	Swap(ctx context.Context, req treasury.SwapRequest) (*treasury.SwapResult, error)
}

// SwapHandlers exposes quoting and swapping.
type SwapHandlers struct {
	swaps  SwapService
	logger *logger.Logger
}

func NewSwapHandlers(swaps SwapService, log *logger.Logger) *SwapHandlers {
	return &SwapHandlers{swaps: swaps, logger: log}
}

type quoteQuery struct {
	From   string `form:"from" binding:"required"`
	To     string `form:"to" binding:"required,nefield=From"`
	Amount string `form:"amount" binding:"required,positive_decimal"`
}

// GetQuote handles GET /api/v1/swaps/quote?from=&to=&amount=
func (h *SwapHandlers) GetQuote(c *gin.Context) {
	var q quoteQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		RespondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid quote request", validationDetails(err))
		return
	}
	quote, err := h.swaps.Quote(c.Request.Context(), q.From, q.To, decimal.RequireFromString(q.Amount))
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type swapRequest struct {
	UserID       string `json:"user_id" binding:"required,uuid"`
	FromCurrency string `json:"from_currency" binding:"required"`
	ToCurrency   string `json:"to_currency" binding:"required,nefield=FromCurrency"`
	Amount       string `json:"amount" binding:"required,positive_decimal"`
	Reference    string `json:"reference" binding:"required,max=128"`
}

// CreateSwap handles POST /api/v1/swaps. The reference is the caller's
// idempotency key; a replay answers 409.
func (h *SwapHandlers) CreateSwap(c *gin.Context) {
	var req swapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid swap request", validationDetails(err))
		return
	}

	result, err := h.swaps.Swap(c.Request.Context(), treasury.SwapRequest{
		UserID:       uuid.MustParse(req.UserID),
		FromCurrency: req.FromCurrency,
		ToCurrency:   req.ToCurrency,
		Amount:       decimal.RequireFromString(req.Amount),
		Reference:    req.Reference,
	})
	if err != nil {
		h.logger.Warn("Swap rejected", "reference", req.Reference, "user_id", req.UserID, "error", err)
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}
