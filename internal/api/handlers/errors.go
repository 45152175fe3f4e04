package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

// Error codes as constants for consistent error responses across handlers
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeInvalidID             = "INVALID_ID"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeDuplicateReference    = "DUPLICATE_REFERENCE"
	ErrCodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	ErrCodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	ErrCodeUnsupportedChain      = "UNSUPPORTED_CHAIN"
	ErrCodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RespondError sends a standardized error response
func RespondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: c.GetString("request_id"),
	})
}

// RespondDomainError maps a service error onto an HTTP status.
func RespondDomainError(c *gin.Context, err error) {
	var de *apperrors.DomainError
	var details map[string]interface{}
	if errors.As(err, &de) {
		details = de.Details
	}

	switch {
	case errors.Is(err, apperrors.ErrInvalidInput),
		errors.Is(err, apperrors.ErrInvalidAmount),
		errors.Is(err, apperrors.ErrReasonRequired):
		RespondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error(), details)
	case errors.Is(err, apperrors.ErrUnsupportedChain):
		RespondError(c, http.StatusBadRequest, ErrCodeUnsupportedChain, err.Error(), nil)
	case apperrors.IsNotFound(err):
		RespondError(c, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
	case apperrors.IsDuplicate(err), errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrEntryNotEditable):
		RespondError(c, http.StatusConflict, ErrCodeDuplicateReference, err.Error(), nil)
	case apperrors.IsInsufficientFunds(err):
		RespondError(c, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds, "insufficient funds", details)
	case errors.Is(err, apperrors.ErrInsufficientLiquidity):
		RespondError(c, http.StatusUnprocessableEntity, ErrCodeInsufficientLiquidity, "treasury cannot cover this swap", nil)
	case apperrors.IsUpstreamUnavailable(err):
		RespondError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "upstream unavailable, retry later", nil)
	default:
		RespondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal error", nil)
	}
}
