package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/api/handlers"
	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// TreasuryLedger applies audited operator adjustments.
type TreasuryLedger interface {
	AdminCredit(ctx context.Context, adj ledger.AdminAdjustment) (*entities.LedgerEntry, error)
	AdminDebit(ctx context.Context, adj ledger.AdminAdjustment) (*entities.LedgerEntry, error)
}

// SweepQueue exposes failed sweeps to operators.
type SweepQueue interface {
	ListFailed(ctx context.Context, limit, offset int) ([]*entities.SweepQueueItem, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

// WebhookQueue exposes failed deliveries to operators.
type WebhookQueue interface {
	ListFailed(ctx context.Context, limit, offset int) ([]*entities.WebhookQueueItem, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

// Accounts are the internal users operators may adjust.
type Accounts struct {
	Treasury uuid.UUID
	Fees     uuid.UUID
}

// AdminHandlers handles treasury and queue operations.
type AdminHandlers struct {
	ledger   TreasuryLedger
	sweeps   SweepQueue
	webhooks WebhookQueue
	accounts Accounts
	logger   *logger.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(ledger TreasuryLedger, sweeps SweepQueue, webhooks WebhookQueue, accounts Accounts, log *logger.Logger) *AdminHandlers {
	return &AdminHandlers{
		ledger:   ledger,
		sweeps:   sweeps,
		webhooks: webhooks,
		accounts: accounts,
		logger:   log,
	}
}

type adjustmentRequest struct {
	Account   string         `json:"account" binding:"required,oneof=treasury fees"`
	Currency  string         `json:"currency" binding:"required,min=2,max=16"`
	Chain     entities.Chain `json:"chain" binding:"omitempty,chain"`
	Amount    string         `json:"amount" binding:"required,positive_decimal"`
	Reason    string         `json:"reason" binding:"required,min=5,max=512"`
	Reference string         `json:"reference" binding:"omitempty,max=128"`
}

func (h *AdminHandlers) bindAdjustment(c *gin.Context) (ledger.AdminAdjustment, bool) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handlers.RespondError(c, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid adjustment", map[string]interface{}{"error": err.Error()})
		return ledger.AdminAdjustment{}, false
	}
	userID := h.accounts.Treasury
	if req.Account == "fees" {
		userID = h.accounts.Fees
	}
	return ledger.AdminAdjustment{
		UserID:    userID,
		Currency:  req.Currency,
		Chain:     req.Chain,
		Amount:    decimal.RequireFromString(req.Amount),
		Reason:    req.Reason,
		Operator:  c.GetString("operator"),
		Reference: req.Reference,
	}, true
}

// CreditTreasury handles POST /api/v1/admin/treasury/credit
func (h *AdminHandlers) CreditTreasury(c *gin.Context) {
	adj, ok := h.bindAdjustment(c)
	if !ok {
		return
	}
	entry, err := h.ledger.AdminCredit(c.Request.Context(), adj)
	if err != nil {
		h.logger.Error("Treasury credit failed", "operator", adj.Operator, "error", err)
		handlers.RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// DebitTreasury handles POST /api/v1/admin/treasury/debit
func (h *AdminHandlers) DebitTreasury(c *gin.Context) {
	adj, ok := h.bindAdjustment(c)
	if !ok {
		return
	}
	entry, err := h.ledger.AdminDebit(c.Request.Context(), adj)
	if err != nil {
		h.logger.Error("Treasury debit failed", "operator", adj.Operator, "error", err)
		handlers.RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListFailedSweeps handles GET /api/v1/admin/sweeps/failed
func (h *AdminHandlers) ListFailedSweeps(c *gin.Context) {
	limit, offset := paging(c)
	items, err := h.sweeps.ListFailed(c.Request.Context(), limit, offset)
	if err != nil {
		handlers.RespondDomainError(c, err)
		return
	}
	if items == nil {
		items = []*entities.SweepQueueItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// RequeueSweep handles POST /api/v1/admin/sweeps/:id/requeue
func (h *AdminHandlers) RequeueSweep(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handlers.RespondError(c, http.StatusBadRequest, handlers.ErrCodeInvalidID, "invalid id", nil)
		return
	}
	if err := h.sweeps.Requeue(c.Request.Context(), id); err != nil {
		handlers.RespondDomainError(c, err)
		return
	}
	h.logger.Info("Sweep requeued", "id", id, "operator", c.GetString("operator"))
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": entities.QueueStatusPending})
}

// ListFailedWebhooks handles GET /api/v1/admin/webhooks/failed
func (h *AdminHandlers) ListFailedWebhooks(c *gin.Context) {
	limit, offset := paging(c)
	items, err := h.webhooks.ListFailed(c.Request.Context(), limit, offset)
	if err != nil {
		handlers.RespondDomainError(c, err)
		return
	}
	if items == nil {
		items = []*entities.WebhookQueueItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// RequeueWebhook handles POST /api/v1/admin/webhooks/:id/requeue
func (h *AdminHandlers) RequeueWebhook(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handlers.RespondError(c, http.StatusBadRequest, handlers.ErrCodeInvalidID, "invalid id", nil)
		return
	}
	if err := h.webhooks.Requeue(c.Request.Context(), id); err != nil {
		handlers.RespondDomainError(c, err)
		return
	}
	h.logger.Info("Webhook requeued", "id", id, "operator", c.GetString("operator"))
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": entities.QueueStatusPending})
}

func paging(c *gin.Context) (int, int) {
	var p struct {
		Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
		Offset int `form:"offset" binding:"omitempty,min=0"`
	}
	if err := c.ShouldBindQuery(&p); err != nil || p.Limit == 0 {
		p.Limit = 50
	}
	return p.Limit, p.Offset
}
