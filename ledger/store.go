/*
store.go - Persistence contract for the affiliate ledger

PURPOSE:
  Defines the interface between ledger logic and the database. Different
  implementations use SQLite, PostgreSQL or memory.

KEY INTERFACES:
  Store:      reads and the few permitted writes
  TxStore:    Store plus WithTx for all-or-nothing multi-table writes
  UserLocker: optional, lets a transaction take a database-level user lock

WRITE RULES:
  - Purchases and earning records are insert-only.
  - The only earning update is MarkEarningsPaid (pending -> paid).
  - Withdrawal rows are updated by the withdrawal processor only.
  - Payment order rows are updated by the checkout package only.
  - Unique violations come back as ErrDuplicateKey, missing rows as ErrNotFound.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + rollback transactions
  - store/sqlstore: SQLite and PostgreSQL through sqlx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists ledger data.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetUserPackage(ctx context.Context, id UserID, pkg Package) error
	SetUserActive(ctx context.Context, id UserID, active bool) error
	SetUserReferrer(ctx context.Context, id UserID, referrer UserID) error
	AddTotalEarnings(ctx context.Context, id UserID, delta decimal.Decimal) error
	SetTotalEarnings(ctx context.Context, id UserID, total decimal.Decimal) error

	// Referral edges
	InsertEdge(ctx context.Context, e ReferralEdge) error
	ListEdges(ctx context.Context) ([]ReferralEdge, error)

	// Payment orders
	InsertOrder(ctx context.Context, o PaymentOrder) error
	GetOrder(ctx context.Context, id OrderID) (*PaymentOrder, error)
	UpdateOrder(ctx context.Context, o PaymentOrder) error
	ListOrders(ctx context.Context, f OrderFilter) ([]PaymentOrder, error)

	// Purchases
	InsertPurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)
	ListPurchases(ctx context.Context, f PurchaseFilter) ([]Purchase, error)

	// Earnings
	InsertEarnings(ctx context.Context, records []EarningRecord) error
	GetEarnings(ctx context.Context, ids []EarningID) ([]EarningRecord, error)
	ListEarnings(ctx context.Context, f EarningFilter) ([]EarningRecord, error)
	MarkEarningsPaid(ctx context.Context, ids []EarningID, at time.Time) error

	// Withdrawals
	InsertWithdrawal(ctx context.Context, w WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, w WithdrawalRequest) error
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]WithdrawalRequest, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// UserLocker is implemented by transactional views that can serialize
// concurrent writers across processes (e.g. PostgreSQL advisory locks).
type UserLocker interface {
	LockUser(ctx context.Context, id UserID) error
}

// lockUsersInTx takes store-level locks when the view supports them.
// ids must already be sorted and unique.
func lockUsersInTx(ctx context.Context, s Store, ids []UserID) error {
	locker, ok := s.(UserLocker)
	if !ok {
		return nil
	}
	for _, id := range ids {
		if err := locker.LockUser(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
