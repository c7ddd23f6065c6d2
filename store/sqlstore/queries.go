package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/ledger"
)

// queries implements ledger.Store against either the database handle or an
// open transaction.
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return mapErr(sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...))
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return mapErr(sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...))
}

// mustAffect turns a zero-row UPDATE into ErrNotFound.
func mustAffect(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, referrer_id, package, referral_code, total_earnings, role, active, created_at`

func (q *queries) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := q.exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ReferrerID, u.Package, u.ReferralCode, u.TotalEarnings, u.Role, u.Active, u.CreatedAt.UTC())
	return err
}

func (q *queries) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	var u ledger.User
	if err := q.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *queries) GetUserByReferralCode(ctx context.Context, code string) (*ledger.User, error) {
	var u ledger.User
	if err := q.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code); err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *queries) ListUsers(ctx context.Context) ([]ledger.User, error) {
	var users []ledger.User
	err := q.selectAll(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	return users, err
}

func (q *queries) SetUserPackage(ctx context.Context, id ledger.UserID, pkg ledger.Package) error {
	return mustAffect(q.exec(ctx, `UPDATE users SET package = ? WHERE id = ?`, pkg, id))
}

func (q *queries) SetUserActive(ctx context.Context, id ledger.UserID, active bool) error {
	return mustAffect(q.exec(ctx, `UPDATE users SET active = ? WHERE id = ?`, active, id))
}

func (q *queries) SetUserReferrer(ctx context.Context, id ledger.UserID, referrer ledger.UserID) error {
	return mustAffect(q.exec(ctx, `UPDATE users SET referrer_id = ? WHERE id = ?`, referrer, id))
}

// AddTotalEarnings reads and rewrites the cache in decimal. Callers run it
// inside a transaction holding the user's lock.
func (q *queries) AddTotalEarnings(ctx context.Context, id ledger.UserID, delta decimal.Decimal) error {
	var current decimal.Decimal
	if err := q.get(ctx, &current, `SELECT total_earnings FROM users WHERE id = ?`, id); err != nil {
		return err
	}
	return q.SetTotalEarnings(ctx, id, current.Add(delta))
}

func (q *queries) SetTotalEarnings(ctx context.Context, id ledger.UserID, total decimal.Decimal) error {
	return mustAffect(q.exec(ctx, `UPDATE users SET total_earnings = ? WHERE id = ?`, total, id))
}

// =============================================================================
// REFERRAL EDGES
// =============================================================================

func (q *queries) InsertEdge(ctx context.Context, e ledger.ReferralEdge) error {
	_, err := q.exec(ctx, `INSERT INTO referral_edges (child_id, parent_id, created_at) VALUES (?, ?, ?)`,
		e.ChildID, e.ParentID, e.CreatedAt.UTC())
	return err
}

func (q *queries) ListEdges(ctx context.Context) ([]ledger.ReferralEdge, error) {
	var edges []ledger.ReferralEdge
	err := q.selectAll(ctx, &edges, `SELECT child_id, parent_id, created_at FROM referral_edges ORDER BY created_at, child_id`)
	return edges, err
}

// =============================================================================
// PAYMENT ORDERS
// =============================================================================

const orderColumns = `id, buyer_id, package, amount, status, purchase_id, created_at, settled_at, settled_by, reason`

func (q *queries) InsertOrder(ctx context.Context, o ledger.PaymentOrder) error {
	_, err := q.exec(ctx, `INSERT INTO payment_orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BuyerID, o.Package, o.Amount, o.Status, o.PurchaseID, o.CreatedAt.UTC(), o.SettledAt, o.SettledBy, o.Reason)
	return err
}

func (q *queries) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.PaymentOrder, error) {
	var o ledger.PaymentOrder
	if err := q.get(ctx, &o, `SELECT `+orderColumns+` FROM payment_orders WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder rewrites the settlement columns. Buyer, package and amount
// are fixed at creation.
func (q *queries) UpdateOrder(ctx context.Context, o ledger.PaymentOrder) error {
	return mustAffect(q.exec(ctx, `UPDATE payment_orders SET
		status = ?, purchase_id = ?, settled_at = ?, settled_by = ?, reason = ?
		WHERE id = ?`,
		o.Status, o.PurchaseID, o.SettledAt, o.SettledBy, o.Reason, o.ID))
}

func (q *queries) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.PaymentOrder, error) {
	var w where
	if f.BuyerID != "" {
		w.add("buyer_id = ?", f.BuyerID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	var orders []ledger.PaymentOrder
	err := q.selectAll(ctx, &orders, `SELECT `+orderColumns+` FROM payment_orders`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limitClause(f.Limit), w.args...)
	return orders, err
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, buyer_id, package, amount, created_at`

func (q *queries) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	_, err := q.exec(ctx, `INSERT INTO purchases (`+purchaseColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.BuyerID, p.Package, p.Amount, p.CreatedAt.UTC())
	return err
}

func (q *queries) GetPurchase(ctx context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	var p ledger.Purchase
	if err := q.get(ctx, &p, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) ListPurchases(ctx context.Context, f ledger.PurchaseFilter) ([]ledger.Purchase, error) {
	var w where
	if f.BuyerID != "" {
		w.add("buyer_id = ?", f.BuyerID)
	}
	var ps []ledger.Purchase
	err := q.selectAll(ctx, &ps, `SELECT `+purchaseColumns+` FROM purchases`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limitClause(f.Limit), w.args...)
	return ps, err
}

// =============================================================================
// EARNINGS
// =============================================================================

const earningColumns = `id, beneficiary_id, source_purchase_id, kind, gross_amount, commission_rate,
	commission_amount, status, created_at, paid_at`

func (q *queries) InsertEarnings(ctx context.Context, records []ledger.EarningRecord) error {
	for _, r := range records {
		_, err := q.exec(ctx, `INSERT INTO earnings (`+earningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.BeneficiaryID, r.SourcePurchaseID, r.Kind, r.GrossAmount, r.CommissionRate.String(),
			r.CommissionAmount, r.Status, r.CreatedAt.UTC(), r.PaidAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) GetEarnings(ctx context.Context, ids []ledger.EarningID) ([]ledger.EarningRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+earningColumns+` FROM earnings WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var records []ledger.EarningRecord
	err = q.selectAll(ctx, &records, query, args...)
	return records, err
}

func (q *queries) ListEarnings(ctx context.Context, f ledger.EarningFilter) ([]ledger.EarningRecord, error) {
	var w where
	if f.BeneficiaryID != "" {
		w.add("beneficiary_id = ?", f.BeneficiaryID)
	}
	if f.PurchaseID != "" {
		w.add("source_purchase_id = ?", f.PurchaseID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.Kind != "" {
		w.add("kind = ?", f.Kind)
	}
	var records []ledger.EarningRecord
	err := q.selectAll(ctx, &records, `SELECT `+earningColumns+` FROM earnings`+w.String()+
		` ORDER BY created_at DESC, id DESC`+limitClause(f.Limit), w.args...)
	return records, err
}

func (q *queries) MarkEarningsPaid(ctx context.Context, ids []ledger.EarningID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE earnings SET status = ?, paid_at = ? WHERE status = ? AND id IN (?)`,
		ledger.EarningPaid, at.UTC(), ledger.EarningPending, ids)
	if err != nil {
		return err
	}
	n, err := q.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if int(n) != len(uniqueIDs(ids)) {
		return fmt.Errorf("marked %d of %d earnings: %w", n, len(ids), ledger.ErrNotFound)
	}
	return nil
}

func uniqueIDs(ids []ledger.EarningID) map[ledger.EarningID]struct{} {
	m := make(map[ledger.EarningID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

const withdrawalColumns = `id, user_id, amount, status, created_at, decided_at, decided_by, reason,
	processing_since, completed_at, attempts, last_error, payout_reference, stuck`

func (q *queries) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	_, err := q.exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Amount, w.Status, w.CreatedAt.UTC(), w.DecidedAt, w.DecidedBy, w.Reason,
		w.ProcessingSince, w.CompletedAt, w.Attempts, w.LastError, w.PayoutReference, w.Stuck)
	return err
}

func (q *queries) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	var w ledger.WithdrawalRequest
	if err := q.get(ctx, &w, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWithdrawal rewrites the mutable columns. Amount, user and creation
// time never change.
func (q *queries) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return mustAffect(q.exec(ctx, `UPDATE withdrawals SET
		status = ?, decided_at = ?, decided_by = ?, reason = ?, processing_since = ?,
		completed_at = ?, attempts = ?, last_error = ?, payout_reference = ?, stuck = ?
		WHERE id = ?`,
		w.Status, w.DecidedAt, w.DecidedBy, w.Reason, w.ProcessingSince,
		w.CompletedAt, w.Attempts, w.LastError, w.PayoutReference, w.Stuck, w.ID))
}

func (q *queries) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) ([]ledger.WithdrawalRequest, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		w.add("status IN (?)", f.Statuses)
	}
	if f.ProcessingBefore != nil {
		w.add("processing_since < ?", f.ProcessingBefore.UTC())
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals` + w.String() +
		` ORDER BY created_at DESC, id DESC` + limitClause(f.Limit)
	args := w.args
	if len(f.Statuses) > 0 {
		var err error
		if query, args, err = sqlx.In(query, args...); err != nil {
			return nil, err
		}
	}

	var out []ledger.WithdrawalRequest
	err := q.selectAll(ctx, &out, query, args...)
	return out, err
}
