package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// LedgerReader serves balance and history reads.
type LedgerReader interface {
	GetBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error)
	ListEntries(ctx context.Context, filter entities.EntryFilter) ([]*entities.LedgerEntry, int64, error)
}

// AddressProvisioner assigns deposit addresses.
type AddressProvisioner interface {
	Provision(ctx context.Context, userID uuid.UUID, asset entities.Asset) (*entities.Wallet, error)
}

// AssetCatalog resolves a configured asset by chain and symbol.
type AssetCatalog map[entities.Chain][]entities.Asset

func (a AssetCatalog) Lookup(chain entities.Chain, symbol string) (entities.Asset, bool) {
	symbol = entities.NormalizeCurrency(symbol)
	for _, asset := range a[chain] {
		if asset.Symbol == symbol {
			return asset, true
		}
	}
	return entities.Asset{}, false
}

// WalletHandlers serves user wallet reads and address provisioning.
type WalletHandlers struct {
	ledger LedgerReader
	vault  AddressProvisioner
	assets AssetCatalog
	logger *logger.Logger
}

func NewWalletHandlers(ledger LedgerReader, vault AddressProvisioner, assets AssetCatalog, log *logger.Logger) *WalletHandlers {
	return &WalletHandlers{ledger: ledger, vault: vault, assets: assets, logger: log}
}

// GetBalances handles GET /api/v1/users/:user_id/balances
func (h *WalletHandlers) GetBalances(c *gin.Context) {
	userID, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}
	balances, err := h.ledger.GetBalances(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to load balances", "user_id", userID, "error", err)
		RespondDomainError(c, err)
		return
	}
	if balances == nil {
		balances = []*entities.Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balances": balances})
}

// ListEntries handles GET /api/v1/users/:user_id/entries
func (h *WalletHandlers) ListEntries(c *gin.Context) {
	userID, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}
	filter := entities.EntryFilter{
		UserID:   &userID,
		Type:     entities.EntryType(c.Query("type")),
		Status:   entities.EntryStatus(c.Query("status")),
		Currency: entities.NormalizeCurrency(c.Query("currency")),
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	if filter.Type != "" {
		if err := filter.Type.Validate(); err != nil {
			RespondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error(), nil)
			return
		}
	}
	filter.Normalize()

	entries, total, err := h.ledger.ListEntries(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list entries", "user_id", userID, "error", err)
		RespondDomainError(c, err)
		return
	}
	if entries == nil {
		entries = []*entities.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

type provisionRequest struct {
	Chain    string `json:"chain" binding:"required,chain"`
	Currency string `json:"currency" binding:"required,min=2,max=16"`
}

// ProvisionAddress handles POST /api/v1/users/:user_id/addresses
func (h *WalletHandlers) ProvisionAddress(c *gin.Context) {
	userID, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", validationDetails(err))
		return
	}

	asset, found := h.assets.Lookup(entities.Chain(req.Chain), req.Currency)
	if !found {
		RespondError(c, http.StatusBadRequest, ErrCodeUnsupportedChain, "asset is not enabled on this chain", map[string]interface{}{
			"chain": req.Chain, "currency": req.Currency,
		})
		return
	}

	wallet, err := h.vault.Provision(c.Request.Context(), userID, asset)
	if err != nil {
		h.logger.Error("Failed to provision address", "user_id", userID, "chain", req.Chain, "error", err)
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet_id": wallet.ID,
		"chain":     wallet.Chain,
		"currency":  wallet.Currency,
		"address":   wallet.Address,
	})
}
