package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core engine. Callers match with errors.Is/errors.As.
var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAllocationNotFound   = errors.New("allocation not found")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrMarketNotFound       = errors.New("market not found")
	ErrOrderNotFound        = errors.New("order not found")
)

// ValidationError reports bad input: unknown market, undeclared symbol,
// below-minimum allocation, malformed amount.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError for a field
func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError reports a debit that exceeds the available balance.
// No mutation occurs when it is returned.
type InsufficientFundsError struct {
	Currency   string
	WalletType string
	Requested  string
	Available  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance in %s wallet. Available: %s, requested: %s",
		e.Currency, e.WalletType, e.Available, e.Requested)
}

// VenueError reports a network, timeout or rejection failure from the matching
// venue. It is logged and surfaced as a failure result, never silently swallowed.
type VenueError struct {
	Op  string
	Err error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s failed: %v", e.Op, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenue wraps a venue transport failure
func NewVenue(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err}
}

// InvariantViolation reports a broken internal invariant (used > committed,
// negative balance). It indicates a lock-discipline or logic bug and must
// propagate to an operator-visible alert; it is never recovered locally.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

// NewInvariant creates an InvariantViolation
func NewInvariant(invariant, format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError
func IsInsufficientFunds(err error) bool {
	var ife *InsufficientFundsError
	return errors.As(err, &ife)
}

// IsVenue reports whether err is a VenueError
func IsVenue(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve)
}

// IsInvariant reports whether err is an InvariantViolation
func IsInvariant(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsNotFound reports whether err is one of the not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrTradeNotFound) ||
		errors.Is(err, ErrMarketNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}
