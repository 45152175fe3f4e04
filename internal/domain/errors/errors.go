// Package errors provides the settlement core's error taxonomy.
// Services return these sentinels (usually wrapped with fmt.Errorf("...: %w"))
// and callers branch with errors.Is or the Is* helpers below.
package errors

import (
	"errors"
	"fmt"
)

// Generic categories
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Ledger
var (
	// ErrDuplicateReference means the reference was already applied. It is an
	// idempotent no-op: the prior entry is returned alongside it.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrInsufficientFunds means the conditional debit found balance < amount at apply time.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientLiquidity means the treasury cannot cover the payout side of a swap.
	ErrInsufficientLiquidity = errors.New("insufficient treasury liquidity")

	ErrWalletNotFound   = errors.New("wallet not found")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrReasonRequired   = errors.New("audit reason is required")
	ErrEntryNotEditable = errors.New("ledger entry is in a terminal state")
)

// Chain and sweep
var (
	// ErrUpstreamUnavailable is transient: every provider for a chain failed this call.
	ErrUpstreamUnavailable = errors.New("upstream chain provider unavailable")

	// ErrGasFundingRequired means the deposit address needs native gas before it can sweep.
	ErrGasFundingRequired = errors.New("gas funding required")

	// ErrGasFundingPending means a gas top-up was broadcast but is not yet confirmed.
	ErrGasFundingPending = errors.New("gas funding pending confirmation")

	// ErrTreasuryGasExhausted means the treasury gas wallet cannot fund a top-up.
	ErrTreasuryGasExhausted = errors.New("treasury gas wallet exhausted")

	// ErrPermanentSweepFailure marks a sweep queue item that hit its retry ceiling.
	ErrPermanentSweepFailure = errors.New("permanent sweep failure")

	ErrSweepDisabled     = errors.New("sweeping disabled for chain")
	ErrNothingToSweep    = errors.New("amount after fees is not positive")
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrTransactionFailed = errors.New("transaction reverted on chain")
)

// DomainError carries a machine-readable code alongside a sentinel.
type DomainError struct {
	Err       error
	Code      string
	Message   string
	Details   map[string]interface{}
	Retryable bool
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	if e.Err != nil {
		return errors.Is(e.Err, target)
	}
	return false
}

// NewDomainError creates a new domain error
func NewDomainError(err error, code, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to the error
func (e *DomainError) WithDetails(details map[string]interface{}) *DomainError {
	e.Details = details
	return e
}

// WithRetryable marks the error as retryable
func (e *DomainError) WithRetryable(retryable bool) *DomainError {
	e.Retryable = retryable
	return e
}

// InsufficientFundsError reports the wallet and requested amount.
func InsufficientFundsError(walletID, amount string) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientFunds,
		Code:    "INSUFFICIENT_FUNDS",
		Message: fmt.Sprintf("insufficient funds in wallet %s for %s", walletID, amount),
		Details: map[string]interface{}{"wallet_id": walletID, "amount": amount},
	}
}

// UpstreamError wraps a provider failure as a retryable UpstreamUnavailable.
func UpstreamError(chain string, cause error) *DomainError {
	de := &DomainError{
		Err:       ErrUpstreamUnavailable,
		Code:      "UPSTREAM_UNAVAILABLE",
		Message:   fmt.Sprintf("%s providers unavailable", chain),
		Retryable: true,
	}
	if cause != nil {
		de.Message = fmt.Sprintf("%s providers unavailable: %v", chain, cause)
		de.Details = map[string]interface{}{"cause": cause.Error()}
	}
	return de
}

// ValidationError creates a validation error
func ValidationError(field, message string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidInput,
		Code:    "VALIDATION_ERROR",
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateReference)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrWalletNotFound)
}

func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsSweepDeferred reports errors that postpone a sweep without consuming a retry.
func IsSweepDeferred(err error) bool {
	return errors.Is(err, ErrGasFundingPending) || errors.Is(err, ErrGasFundingRequired)
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) && de.Retryable {
		return true
	}
	return IsUpstreamUnavailable(err) || IsSweepDeferred(err)
}

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "INSUFFICIENT_LIQUIDITY"
	case errors.Is(err, ErrDuplicateReference):
		return "DUPLICATE_REFERENCE"
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrReasonRequired):
		return "VALIDATION_ERROR"
	}
	return "UNKNOWN_ERROR"
}
