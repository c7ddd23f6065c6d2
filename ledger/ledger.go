/*
ledger.go - Earnings ledger and derived balances

PURPOSE:
  The Ledger is the single source of truth for balances. It appends
  earning records, settles them (pending -> paid) and derives balances
  from what has been committed.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: earning records are never edited or deleted, apart from
     the one status transition pending -> paid.
  2. ONCE PER PURCHASE: earnings for a purchase id are recorded exactly once.
  3. NON-NEGATIVE: Balance.Available never drops below zero. Withdrawals are
     checked inside the same transaction that inserts them.

CONCURRENCY:
  Every mutation locks the affected users (Locker) and runs inside one store
  transaction. Reads go straight to the store and only see committed data.

EXAMPLE:
  l := ledger.New(store, logger)
  err := l.RecordEarnings(ctx, records)
  bal, err := l.Balance(ctx, "user-1")

SEE ALSO:
  - commission/engine.go: produces earning records for a purchase
  - withdrawal/processor.go: consumes Balance
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/metrics"
)

type Ledger struct {
	store TxStore
	locks *Locker
	log   *zap.Logger
	now   func() time.Time
}

func New(store TxStore, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store: store,
		locks: NewLocker(),
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for read projections.
func (l *Ledger) Store() TxStore { return l.store }

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// SetClock replaces the clock; used by tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Logger returns the ledger logger.
func (l *Ledger) Logger() *zap.Logger { return l.log }

// Mutate locks users and runs fn in one store transaction. Store-level
// user locks are taken first when the store supports them.
func (l *Ledger) Mutate(ctx context.Context, users []UserID, fn func(Store) error) error {
	users = SortedUnique(users)
	unlock, err := l.locks.Lock(ctx, users...)
	if err != nil {
		return fmt.Errorf("lock users: %w", err)
	}
	defer unlock()

	return l.store.WithTx(ctx, func(s Store) error {
		if err := lockUsersInTx(ctx, s, users); err != nil {
			return fmt.Errorf("lock users in store: %w", err)
		}
		return fn(s)
	})
}

// Anomaly logs an integrity error as operator visible and counts it.
func (l *Ledger) Anomaly(err error, msg string, fields ...zap.Field) {
	kind := IntegrityKind(err)
	metrics.IntegrityErrors.WithLabelValues(kind).Inc()
	l.log.Warn(msg, append(fields, zap.String("anomaly", kind), zap.Error(err))...)
}

// =============================================================================
// RECORD EARNINGS
// =============================================================================

// RecordEarnings appends records atomically under the beneficiaries' locks.
func (l *Ledger) RecordEarnings(ctx context.Context, records []EarningRecord) error {
	users := make([]UserID, 0, len(records))
	for _, r := range records {
		users = append(users, r.BeneficiaryID)
	}
	err := l.Mutate(ctx, users, func(s Store) error {
		return l.RecordEarningsTx(ctx, s, records)
	})
	if IsIntegrity(err) {
		l.Anomaly(err, "earnings rejected")
	}
	return err
}

// RecordEarningsTx appends records inside a caller-owned transaction and
// bumps each beneficiary's TotalEarnings cache. The caller holds the locks.
func (l *Ledger) RecordEarningsTx(ctx context.Context, s Store, records []EarningRecord) error {
	if len(records) == 0 {
		return nil
	}

	type slot struct {
		purchase PurchaseID
		kind     EarningKind
	}
	seen := make(map[slot]bool, len(records))
	purchases := make(map[PurchaseID]bool)
	for _, r := range records {
		if err := validateEarning(r); err != nil {
			return err
		}
		k := slot{r.SourcePurchaseID, r.Kind}
		if seen[k] {
			return &InvalidStateError{PurchaseID: r.SourcePurchaseID,
				Reason: fmt.Sprintf("two %s earnings in one batch", r.Kind)}
		}
		seen[k] = true
		purchases[r.SourcePurchaseID] = true
	}

	for pid := range purchases {
		existing, err := s.ListEarnings(ctx, EarningFilter{PurchaseID: pid, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &InvalidStateError{PurchaseID: pid, Reason: "earnings already recorded"}
		}
	}

	if err := s.InsertEarnings(ctx, records); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return &InvalidStateError{PurchaseID: records[0].SourcePurchaseID, Reason: "earnings already recorded"}
		}
		return fmt.Errorf("insert earnings: %w", err)
	}

	totals := make(map[UserID]decimal.Decimal)
	for _, r := range records {
		totals[r.BeneficiaryID] = totals[r.BeneficiaryID].Add(r.CommissionAmount)
	}
	for _, id := range SortedUnique(keys(totals)) {
		if err := s.AddTotalEarnings(ctx, id, totals[id]); err != nil {
			return fmt.Errorf("update total earnings for %s: %w", id, err)
		}
	}
	return nil
}

func validateEarning(r EarningRecord) error {
	switch {
	case r.ID == "":
		return &InputError{Field: "earning.id", Reason: "required"}
	case r.BeneficiaryID == "":
		return &InputError{Field: "earning.beneficiary_id", Reason: "required"}
	case r.SourcePurchaseID == "":
		return &InputError{Field: "earning.source_purchase_id", Reason: "required"}
	case r.Kind != EarningDirect && r.Kind != EarningTeam:
		return &InputError{Field: "earning.kind", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	case r.Status != EarningPending:
		return &InvalidStateError{PurchaseID: r.SourcePurchaseID, Reason: "new earnings must be pending"}
	case !r.CommissionAmount.IsPositive():
		return &InputError{Field: "earning.commission_amount", Reason: "must be positive"}
	case r.CommissionAmount.GreaterThan(r.GrossAmount):
		return &InvalidStateError{PurchaseID: r.SourcePurchaseID, Reason: "commission exceeds gross amount"}
	}
	return nil
}

// =============================================================================
// MARK PAID
// =============================================================================

// MarkPaid moves earnings pending -> paid. All ids move or none do.
func (l *Ledger) MarkPaid(ctx context.Context, ids []EarningID) ([]EarningRecord, error) {
	if len(ids) == 0 {
		return nil, &InputError{Field: "earning_ids", Reason: "required"}
	}

	// Beneficiaries are immutable, so reading them before locking is safe.
	before, err := l.store.GetEarnings(ctx, ids)
	if err != nil {
		return nil, err
	}
	users := make([]UserID, 0, len(before))
	for _, r := range before {
		users = append(users, r.BeneficiaryID)
	}

	at := l.now()
	var paid []EarningRecord
	err = l.Mutate(ctx, users, func(s Store) error {
		records, err := s.GetEarnings(ctx, ids)
		if err != nil {
			return err
		}
		if len(records) != len(uniqueEarningIDs(ids)) {
			return fmt.Errorf("earning records: %w", ErrNotFound)
		}
		for _, r := range records {
			if r.Status != EarningPending {
				return &InvalidTransitionError{Subject: "earning", ID: string(r.ID),
					From: string(r.Status), To: string(EarningPaid)}
			}
		}
		if err := s.MarkEarningsPaid(ctx, ids, at); err != nil {
			return err
		}
		for i := range records {
			records[i].Status = EarningPaid
			records[i].PaidAt = &at
		}
		paid = records
		return nil
	})
	if err != nil {
		if IsIntegrity(err) {
			l.Anomaly(err, "mark paid rejected")
		}
		return nil, err
	}

	l.log.Info("earnings marked paid", zap.Int("count", len(paid)))
	return paid, nil
}

func uniqueEarningIDs(ids []EarningID) map[EarningID]bool {
	m := make(map[EarningID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance derives the user's balance from committed state.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (Balance, error) {
	return BalanceOf(ctx, l.store, userID)
}

// BalanceOf derives a balance from any Store view, including one inside a
// transaction.
func BalanceOf(ctx context.Context, s Store, userID UserID) (Balance, error) {
	earnings, err := s.ListEarnings(ctx, EarningFilter{BeneficiaryID: userID})
	if err != nil {
		return Balance{}, fmt.Errorf("load earnings: %w", err)
	}
	withdrawals, err := s.ListWithdrawals(ctx, WithdrawalFilter{UserID: userID})
	if err != nil {
		return Balance{}, fmt.Errorf("load withdrawals: %w", err)
	}
	return ComputeBalance(userID, earnings, withdrawals), nil
}

// Earnings lists earning records.
func (l *Ledger) Earnings(ctx context.Context, f EarningFilter) ([]EarningRecord, error) {
	return l.store.ListEarnings(ctx, f)
}

// Withdrawals lists withdrawal requests.
func (l *Ledger) Withdrawals(ctx context.Context, f WithdrawalFilter) ([]WithdrawalRequest, error) {
	return l.store.ListWithdrawals(ctx, f)
}

// RecomputeTotals rebuilds the TotalEarnings cache from earning records.
func (l *Ledger) RecomputeTotals(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := l.Mutate(ctx, []UserID{userID}, func(s Store) error {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		records, err := s.ListEarnings(ctx, EarningFilter{BeneficiaryID: userID})
		if err != nil {
			return err
		}
		total = decimal.Zero
		for _, r := range records {
			total = total.Add(r.CommissionAmount)
		}
		return s.SetTotalEarnings(ctx, userID, total)
	})
	return total, err
}

func keys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
