/*
Package ledger provides the core affiliate ledger: users, purchases, earning
records, withdrawal requests and the balance derived from them.

PURPOSE:
  This package is the single source of truth for money owed to affiliates.
  Commission computation (commission/), the referral forest (referral/) and
  the withdrawal state machine (withdrawal/) all read and write through the
  Store contract defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: exact decimal amounts (never float64)
  - User: affiliate account with package tier and referral code
  - PaymentOrder: checkout awaiting payment, becomes a Purchase when paid
  - Purchase: immutable record of a package sale
  - EarningRecord: commission owed to a beneficiary for one purchase
  - WithdrawalRequest: a payout request moving through its lifecycle

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount, rounded to 2 places at creation
  2. Immutability: purchases and earnings are never edited, except the single
     earning transition pending -> paid
  3. Derivation: balance is never stored, it is computed from earnings and
     withdrawals (see balance.go)

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence contract
  - ledger.go: RecordEarnings / MarkPaid / Balance
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept for every stored amount.
const MoneyPlaces = 2

// RoundMoney rounds to MoneyPlaces, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ParseMoney parses a decimal string and rejects negative or over-precise values.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InputError{Field: "amount", Reason: err.Error()}
	}
	if d.IsNegative() {
		return decimal.Zero, &InputError{Field: "amount", Reason: "must not be negative"}
	}
	if !d.Equal(RoundMoney(d)) {
		return decimal.Zero, &InputError{Field: "amount", Reason: fmt.Sprintf("at most %d decimal places", MoneyPlaces)}
	}
	return d, nil
}

// MustMoney is ParseMoney for constants and tests.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PurchaseID string
type EarningID string
type WithdrawalID string
type OrderID string

// =============================================================================
// USER
// =============================================================================

// Package is the tier of access a user bought. It also gates the team
// commission rate the user earns as a second-tier referrer.
type Package string

const (
	PackageNone  Package = "none"
	PackageBasic Package = "basic"
	PackagePro   Package = "pro"
)

// ParsePackage accepts "", "none", "basic" and "pro".
func ParsePackage(s string) (Package, error) {
	switch Package(s) {
	case "", PackageNone:
		return PackageNone, nil
	case PackageBasic, PackagePro:
		return Package(s), nil
	}
	return PackageNone, &InputError{Field: "package", Reason: fmt.Sprintf("unknown package %q", s)}
}

// rank orders packages so a purchase never downgrades a user.
func (p Package) rank() int {
	switch p {
	case PackageBasic:
		return 1
	case PackagePro:
		return 2
	default:
		return 0
	}
}

// Max returns the higher of the two packages.
func (p Package) Max(other Package) Package {
	if other.rank() > p.rank() {
		return other
	}
	return p
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an affiliate account. ReferrerID is a weak reference: the
// referral forest itself is owned by the referral package.
type User struct {
	ID            UserID          `db:"id"`
	ReferrerID    *UserID         `db:"referrer_id"`
	Package       Package         `db:"package"`
	ReferralCode  string          `db:"referral_code"`
	TotalEarnings decimal.Decimal `db:"total_earnings"` // cache, see Ledger.RecomputeTotals
	Role          Role            `db:"role"`
	Active        bool            `db:"active"`
	CreatedAt     time.Time       `db:"created_at"`
}

// ReferralEdge links a child to the user who referred it.
type ReferralEdge struct {
	ChildID   UserID    `db:"child_id"`
	ParentID  UserID    `db:"parent_id"`
	CreatedAt time.Time `db:"created_at"`
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase is immutable once recorded.
type Purchase struct {
	ID        PurchaseID      `db:"id"`
	BuyerID   UserID          `db:"buyer_id"`
	Package   Package         `db:"package"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// =============================================================================
// PAYMENT ORDER
// =============================================================================

type OrderStatus string

const (
	OrderCreated OrderStatus = "created"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

// PaymentOrder is a checkout waiting for the payment rail. A paid order
// carries the purchase it produced; the purchase id equals the order id.
type PaymentOrder struct {
	ID         OrderID         `db:"id"`
	BuyerID    UserID          `db:"buyer_id"`
	Package    Package         `db:"package"`
	Amount     decimal.Decimal `db:"amount"`
	Status     OrderStatus     `db:"status"`
	PurchaseID PurchaseID      `db:"purchase_id"`
	CreatedAt  time.Time       `db:"created_at"`
	SettledAt  *time.Time      `db:"settled_at"`
	SettledBy  string          `db:"settled_by"`
	Reason     string          `db:"reason"`
}

// =============================================================================
// EARNING RECORD
// =============================================================================

type EarningKind string

const (
	EarningDirect EarningKind = "direct" // depth 1: the buyer's referrer
	EarningTeam   EarningKind = "team"   // depth 2: the referrer's referrer
)

type EarningStatus string

const (
	EarningPending EarningStatus = "pending"
	EarningPaid    EarningStatus = "paid"
)

// EarningRecord is commission owed to BeneficiaryID for one purchase.
// Only Status (pending -> paid) and PaidAt ever change.
type EarningRecord struct {
	ID               EarningID       `db:"id"`
	BeneficiaryID    UserID          `db:"beneficiary_id"`
	SourcePurchaseID PurchaseID      `db:"source_purchase_id"`
	Kind             EarningKind     `db:"kind"`
	GrossAmount      decimal.Decimal `db:"gross_amount"`
	CommissionRate   decimal.Decimal `db:"commission_rate"`
	CommissionAmount decimal.Decimal `db:"commission_amount"`
	Status           EarningStatus   `db:"status"`
	CreatedAt        time.Time       `db:"created_at"`
	PaidAt           *time.Time      `db:"paid_at"`
}

// =============================================================================
// WITHDRAWAL REQUEST
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalCancelled
}

// Liability reports whether an amount in status s is deducted from balance.
func (s WithdrawalStatus) Liability() bool {
	return s != WithdrawalCancelled
}

// WithdrawalRequest lifecycle is owned by the withdrawal package.
type WithdrawalRequest struct {
	ID        WithdrawalID     `db:"id"`
	UserID    UserID           `db:"user_id"`
	Amount    decimal.Decimal  `db:"amount"`
	Status    WithdrawalStatus `db:"status"`
	CreatedAt time.Time        `db:"created_at"`
	DecidedAt *time.Time       `db:"decided_at"`
	DecidedBy string           `db:"decided_by"`
	Reason    string           `db:"reason"`

	// Settlement bookkeeping
	ProcessingSince *time.Time `db:"processing_since"`
	CompletedAt     *time.Time `db:"completed_at"`
	Attempts        int        `db:"attempts"`
	LastError       string     `db:"last_error"`
	PayoutReference string     `db:"payout_reference"`
	Stuck           bool       `db:"stuck"`
}

// =============================================================================
// FILTERS
// =============================================================================

// EarningFilter narrows ListEarnings. Zero fields match everything.
type EarningFilter struct {
	BeneficiaryID UserID
	PurchaseID    PurchaseID
	Status        EarningStatus
	Kind          EarningKind
	Limit         int
}

// WithdrawalFilter narrows ListWithdrawals. Zero fields match everything.
type WithdrawalFilter struct {
	UserID   UserID
	Statuses []WithdrawalStatus
	// ProcessingBefore matches requests that entered processing before this time.
	ProcessingBefore *time.Time
	Limit            int
}

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	BuyerID UserID
	Status  OrderStatus
	Limit   int
}

// PurchaseFilter narrows ListPurchases.
type PurchaseFilter struct {
	BuyerID UserID
	Limit   int
}
