/*
errors.go - Error taxonomy for the affiliate ledger

PURPOSE:
  All error types in one place. Every structured error unwraps to a
  sentinel so callers can branch with errors.Is and inspect details with
  errors.As.

ERROR CATEGORIES:
  1. Graph integrity   - CycleError, AlreadyLinkedError
  2. Ledger integrity  - DuplicatePurchaseError, InvalidStateError
  3. State machine     - InvalidTransitionError
  4. Validation        - BelowMinimumError, InsufficientBalanceError, InputError
  5. Lookup / storage  - ErrNotFound, ErrDuplicateKey

Validation errors are non-retryable without changed input. Integrity errors
mean a caller bug or a race and are logged as operator-visible anomalies by
the component that detects them.

SEE ALSO:
  - api/errors.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrCycle               = errors.New("referral cycle")
	ErrAlreadyLinked       = errors.New("user already has a referrer")
	ErrDuplicatePurchase   = errors.New("duplicate purchase")
	ErrInvalidState        = errors.New("invalid ledger state")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrBelowMinimum        = errors.New("amount below minimum withdrawal")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned by stores on a unique constraint violation.
	// Components translate it into a domain error.
	ErrDuplicateKey = errors.New("duplicate key")
)

// =============================================================================
// GRAPH INTEGRITY
// =============================================================================

// CycleError is returned when linking Child under Parent would close a loop.
// Path is the ancestor walk from Parent that reached Child.
type CycleError struct {
	ChildID  UserID
	ParentID UserID
	Path     []UserID
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("referral cycle: %s cannot refer itself", e.ChildID)
	}
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	return fmt.Sprintf("referral cycle: %s is an ancestor of %s (%s)",
		e.ChildID, e.ParentID, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// AlreadyLinkedError is returned when the child already has a parent.
type AlreadyLinkedError struct {
	ChildID        UserID
	ExistingParent UserID
}

func (e *AlreadyLinkedError) Error() string {
	if e.ExistingParent == "" {
		return fmt.Sprintf("user %s already has a referrer", e.ChildID)
	}
	return fmt.Sprintf("user %s already referred by %s", e.ChildID, e.ExistingParent)
}

func (e *AlreadyLinkedError) Unwrap() error { return ErrAlreadyLinked }

// =============================================================================
// LEDGER INTEGRITY
// =============================================================================

type DuplicatePurchaseError struct {
	PurchaseID PurchaseID
}

func (e *DuplicatePurchaseError) Error() string {
	return fmt.Sprintf("purchase %s already recorded", e.PurchaseID)
}

func (e *DuplicatePurchaseError) Unwrap() error { return ErrDuplicatePurchase }

// InvalidStateError reports a write that would break ledger invariants,
// e.g. earnings recorded twice for the same purchase.
type InvalidStateError struct {
	PurchaseID PurchaseID
	Reason     string
}

func (e *InvalidStateError) Error() string {
	if e.PurchaseID == "" {
		return "invalid ledger state: " + e.Reason
	}
	return fmt.Sprintf("invalid ledger state for purchase %s: %s", e.PurchaseID, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// =============================================================================
// STATE MACHINE
// =============================================================================

// InvalidTransitionError is shared by earnings (pending -> paid), payment
// orders and withdrawal requests.
type InvalidTransitionError struct {
	Subject string // "earning", "order" or "withdrawal"
	ID      string
	From    string
	To      string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot move from %s to %s", e.Subject, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// VALIDATION
// =============================================================================

type BelowMinimumError struct {
	Requested decimal.Decimal
	Minimum   decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("withdrawal of %s is below the minimum of %s",
		e.Requested.StringFixed(MoneyPlaces), e.Minimum.StringFixed(MoneyPlaces))
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimum }

type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(MoneyPlaces), e.Requested.StringFixed(MoneyPlaces),
		e.Requested.Sub(e.Available).StringFixed(MoneyPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InputError describes a malformed field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsIntegrity reports errors that indicate a caller bug or a race.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrAlreadyLinked) ||
		errors.Is(err, ErrDuplicatePurchase) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsValidation reports errors caused by the requested amount.
func IsValidation(err error) bool {
	return errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrInsufficientBalance)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IntegrityKind names the integrity error for logs and metrics.
func IntegrityKind(err error) string {
	switch {
	case errors.Is(err, ErrCycle):
		return "cycle"
	case errors.Is(err, ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, ErrDuplicatePurchase):
		return "duplicate_purchase"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return "other"
}
