// Package store provides an in-memory ledger.TxStore for tests and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory is a ledger.TxStore kept entirely in maps. Transactions hold the
// write lock for their whole duration and restore a snapshot on error, so
// readers never see a half-applied write.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type data struct {
	users       map[ledger.UserID]ledger.User
	codes       map[string]ledger.UserID
	edges       map[ledger.UserID]ledger.ReferralEdge
	purchases   map[ledger.PurchaseID]ledger.Purchase
	earnings    map[ledger.EarningID]ledger.EarningRecord
	earningSlot map[earningSlot]ledger.EarningID
	withdrawals map[ledger.WithdrawalID]ledger.WithdrawalRequest
	orders      map[ledger.OrderID]ledger.PaymentOrder

	// insertion order, for stable listings
	seq      int64
	inserted map[string]int64
}

type earningSlot struct {
	purchase ledger.PurchaseID
	kind     ledger.EarningKind
}

func newData() *data {
	return &data{
		users:       make(map[ledger.UserID]ledger.User),
		codes:       make(map[string]ledger.UserID),
		edges:       make(map[ledger.UserID]ledger.ReferralEdge),
		purchases:   make(map[ledger.PurchaseID]ledger.Purchase),
		earnings:    make(map[ledger.EarningID]ledger.EarningRecord),
		earningSlot: make(map[earningSlot]ledger.EarningID),
		withdrawals: make(map[ledger.WithdrawalID]ledger.WithdrawalRequest),
		orders:      make(map[ledger.OrderID]ledger.PaymentOrder),
		inserted:    make(map[string]int64),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// WithTx executes fn against a view of the live data and restores a
// snapshot if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(&view{d: m.d}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.codes {
		c.codes[k] = v
	}
	for k, v := range d.edges {
		c.edges[k] = v
	}
	for k, v := range d.purchases {
		c.purchases[k] = v
	}
	for k, v := range d.earnings {
		c.earnings[k] = v
	}
	for k, v := range d.earningSlot {
		c.earningSlot[k] = v
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.inserted {
		c.inserted[k] = v
	}
	c.seq = d.seq
	return c
}

func (d *data) stamp(kind, id string) {
	d.seq++
	d.inserted[kind+":"+id] = d.seq
}

func (d *data) order(kind, id string) int64 {
	return d.inserted[kind+":"+id]
}

// read runs fn under the read lock against the current data.
func (m *Memory) read(fn func(v *view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{d: m.d})
}

// write runs fn as a single-statement transaction.
func (m *Memory) write(ctx context.Context, fn func(v *view) error) error {
	return m.WithTx(ctx, func(s ledger.Store) error { return fn(s.(*view)) })
}

// =============================================================================
// Store methods on Memory (locking wrappers)
// =============================================================================

func (m *Memory) CreateUser(ctx context.Context, u ledger.User) error {
	return m.write(ctx, func(v *view) error { return v.CreateUser(ctx, u) })
}

func (m *Memory) GetUser(ctx context.Context, id ledger.UserID) (u *ledger.User, err error) {
	err = m.read(func(v *view) error { u, err = v.GetUser(ctx, id); return err })
	return u, err
}

func (m *Memory) GetUserByReferralCode(ctx context.Context, code string) (u *ledger.User, err error) {
	err = m.read(func(v *view) error { u, err = v.GetUserByReferralCode(ctx, code); return err })
	return u, err
}

func (m *Memory) ListUsers(ctx context.Context) (users []ledger.User, err error) {
	err = m.read(func(v *view) error { users, err = v.ListUsers(ctx); return err })
	return users, err
}

func (m *Memory) SetUserPackage(ctx context.Context, id ledger.UserID, pkg ledger.Package) error {
	return m.write(ctx, func(v *view) error { return v.SetUserPackage(ctx, id, pkg) })
}

func (m *Memory) SetUserActive(ctx context.Context, id ledger.UserID, active bool) error {
	return m.write(ctx, func(v *view) error { return v.SetUserActive(ctx, id, active) })
}

func (m *Memory) SetUserReferrer(ctx context.Context, id ledger.UserID, referrer ledger.UserID) error {
	return m.write(ctx, func(v *view) error { return v.SetUserReferrer(ctx, id, referrer) })
}

func (m *Memory) AddTotalEarnings(ctx context.Context, id ledger.UserID, delta decimal.Decimal) error {
	return m.write(ctx, func(v *view) error { return v.AddTotalEarnings(ctx, id, delta) })
}

func (m *Memory) SetTotalEarnings(ctx context.Context, id ledger.UserID, total decimal.Decimal) error {
	return m.write(ctx, func(v *view) error { return v.SetTotalEarnings(ctx, id, total) })
}

func (m *Memory) InsertEdge(ctx context.Context, e ledger.ReferralEdge) error {
	return m.write(ctx, func(v *view) error { return v.InsertEdge(ctx, e) })
}

func (m *Memory) ListEdges(ctx context.Context) (edges []ledger.ReferralEdge, err error) {
	err = m.read(func(v *view) error { edges, err = v.ListEdges(ctx); return err })
	return edges, err
}

func (m *Memory) InsertOrder(ctx context.Context, o ledger.PaymentOrder) error {
	return m.write(ctx, func(v *view) error { return v.InsertOrder(ctx, o) })
}

func (m *Memory) GetOrder(ctx context.Context, id ledger.OrderID) (o *ledger.PaymentOrder, err error) {
	err = m.read(func(v *view) error { o, err = v.GetOrder(ctx, id); return err })
	return o, err
}

func (m *Memory) UpdateOrder(ctx context.Context, o ledger.PaymentOrder) error {
	return m.write(ctx, func(v *view) error { return v.UpdateOrder(ctx, o) })
}

func (m *Memory) ListOrders(ctx context.Context, f ledger.OrderFilter) (orders []ledger.PaymentOrder, err error) {
	err = m.read(func(v *view) error { orders, err = v.ListOrders(ctx, f); return err })
	return orders, err
}

func (m *Memory) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	return m.write(ctx, func(v *view) error { return v.InsertPurchase(ctx, p) })
}

func (m *Memory) GetPurchase(ctx context.Context, id ledger.PurchaseID) (p *ledger.Purchase, err error) {
	err = m.read(func(v *view) error { p, err = v.GetPurchase(ctx, id); return err })
	return p, err
}

func (m *Memory) ListPurchases(ctx context.Context, f ledger.PurchaseFilter) (ps []ledger.Purchase, err error) {
	err = m.read(func(v *view) error { ps, err = v.ListPurchases(ctx, f); return err })
	return ps, err
}

func (m *Memory) InsertEarnings(ctx context.Context, records []ledger.EarningRecord) error {
	return m.write(ctx, func(v *view) error { return v.InsertEarnings(ctx, records) })
}

func (m *Memory) GetEarnings(ctx context.Context, ids []ledger.EarningID) (rs []ledger.EarningRecord, err error) {
	err = m.read(func(v *view) error { rs, err = v.GetEarnings(ctx, ids); return err })
	return rs, err
}

func (m *Memory) ListEarnings(ctx context.Context, f ledger.EarningFilter) (rs []ledger.EarningRecord, err error) {
	err = m.read(func(v *view) error { rs, err = v.ListEarnings(ctx, f); return err })
	return rs, err
}

func (m *Memory) MarkEarningsPaid(ctx context.Context, ids []ledger.EarningID, at time.Time) error {
	return m.write(ctx, func(v *view) error { return v.MarkEarningsPaid(ctx, ids, at) })
}

func (m *Memory) InsertWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return m.write(ctx, func(v *view) error { return v.InsertWithdrawal(ctx, w) })
}

func (m *Memory) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (w *ledger.WithdrawalRequest, err error) {
	err = m.read(func(v *view) error { w, err = v.GetWithdrawal(ctx, id); return err })
	return w, err
}

func (m *Memory) UpdateWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	return m.write(ctx, func(v *view) error { return v.UpdateWithdrawal(ctx, w) })
}

func (m *Memory) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) (ws []ledger.WithdrawalRequest, err error) {
	err = m.read(func(v *view) error { ws, err = v.ListWithdrawals(ctx, f); return err })
	return ws, err
}

// =============================================================================
// VIEW - unlocked access used inside WithTx
// =============================================================================

type view struct {
	d *data
}

func (v *view) CreateUser(_ context.Context, u ledger.User) error {
	if _, ok := v.d.users[u.ID]; ok {
		return ledger.ErrDuplicateKey
	}
	if _, ok := v.d.codes[u.ReferralCode]; ok {
		return ledger.ErrDuplicateKey
	}
	v.d.users[u.ID] = u
	v.d.codes[u.ReferralCode] = u.ID
	v.d.stamp("user", string(u.ID))
	return nil
}

func (v *view) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	u, ok := v.d.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &u, nil
}

func (v *view) GetUserByReferralCode(ctx context.Context, code string) (*ledger.User, error) {
	id, ok := v.d.codes[code]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return v.GetUser(ctx, id)
}

func (v *view) ListUsers(_ context.Context) ([]ledger.User, error) {
	out := make([]ledger.User, 0, len(v.d.users))
	for _, u := range v.d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return v.d.order("user", string(out[i].ID)) < v.d.order("user", string(out[j].ID))
	})
	return out, nil
}

func (v *view) updateUser(id ledger.UserID, fn func(u *ledger.User)) error {
	u, ok := v.d.users[id]
	if !ok {
		return ledger.ErrNotFound
	}
	fn(&u)
	v.d.users[id] = u
	return nil
}

func (v *view) SetUserPackage(_ context.Context, id ledger.UserID, pkg ledger.Package) error {
	return v.updateUser(id, func(u *ledger.User) { u.Package = pkg })
}

func (v *view) SetUserActive(_ context.Context, id ledger.UserID, active bool) error {
	return v.updateUser(id, func(u *ledger.User) { u.Active = active })
}

func (v *view) SetUserReferrer(_ context.Context, id ledger.UserID, referrer ledger.UserID) error {
	return v.updateUser(id, func(u *ledger.User) { u.ReferrerID = &referrer })
}

func (v *view) AddTotalEarnings(_ context.Context, id ledger.UserID, delta decimal.Decimal) error {
	return v.updateUser(id, func(u *ledger.User) { u.TotalEarnings = u.TotalEarnings.Add(delta) })
}

func (v *view) SetTotalEarnings(_ context.Context, id ledger.UserID, total decimal.Decimal) error {
	return v.updateUser(id, func(u *ledger.User) { u.TotalEarnings = total })
}

func (v *view) InsertEdge(_ context.Context, e ledger.ReferralEdge) error {
	if _, ok := v.d.edges[e.ChildID]; ok {
		return ledger.ErrDuplicateKey
	}
	v.d.edges[e.ChildID] = e
	v.d.stamp("edge", string(e.ChildID))
	return nil
}

func (v *view) ListEdges(_ context.Context) ([]ledger.ReferralEdge, error) {
	out := make([]ledger.ReferralEdge, 0, len(v.d.edges))
	for _, e := range v.d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return v.d.order("edge", string(out[i].ChildID)) < v.d.order("edge", string(out[j].ChildID))
	})
	return out, nil
}

func (v *view) InsertOrder(_ context.Context, o ledger.PaymentOrder) error {
	if _, ok := v.d.orders[o.ID]; ok {
		return ledger.ErrDuplicateKey
	}
	v.d.orders[o.ID] = o
	v.d.stamp("order", string(o.ID))
	return nil
}

func (v *view) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.PaymentOrder, error) {
	o, ok := v.d.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &o, nil
}

func (v *view) UpdateOrder(_ context.Context, o ledger.PaymentOrder) error {
	if _, ok := v.d.orders[o.ID]; !ok {
		return ledger.ErrNotFound
	}
	v.d.orders[o.ID] = o
	return nil
}

func (v *view) ListOrders(_ context.Context, f ledger.OrderFilter) ([]ledger.PaymentOrder, error) {
	var out []ledger.PaymentOrder
	for _, o := range v.d.orders {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	v.newestFirst("order", len(out), func(i int) (time.Time, string) {
		return out[i].CreatedAt, string(out[i].ID)
	}, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return limit(out, f.Limit), nil
}

func (v *view) InsertPurchase(_ context.Context, p ledger.Purchase) error {
	if _, ok := v.d.purchases[p.ID]; ok {
		return ledger.ErrDuplicateKey
	}
	v.d.purchases[p.ID] = p
	v.d.stamp("purchase", string(p.ID))
	return nil
}

func (v *view) GetPurchase(_ context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	p, ok := v.d.purchases[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

func (v *view) ListPurchases(_ context.Context, f ledger.PurchaseFilter) ([]ledger.Purchase, error) {
	var out []ledger.Purchase
	for _, p := range v.d.purchases {
		if f.BuyerID != "" && p.BuyerID != f.BuyerID {
			continue
		}
		out = append(out, p)
	}
	v.newestFirst("purchase", len(out), func(i int) (time.Time, string) {
		return out[i].CreatedAt, string(out[i].ID)
	}, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return limit(out, f.Limit), nil
}

func (v *view) InsertEarnings(_ context.Context, records []ledger.EarningRecord) error {
	for _, r := range records {
		if _, ok := v.d.earnings[r.ID]; ok {
			return ledger.ErrDuplicateKey
		}
		if _, ok := v.d.earningSlot[earningSlot{r.SourcePurchaseID, r.Kind}]; ok {
			return ledger.ErrDuplicateKey
		}
		v.d.earnings[r.ID] = r
		v.d.earningSlot[earningSlot{r.SourcePurchaseID, r.Kind}] = r.ID
		v.d.stamp("earning", string(r.ID))
	}
	return nil
}

func (v *view) GetEarnings(_ context.Context, ids []ledger.EarningID) ([]ledger.EarningRecord, error) {
	seen := make(map[ledger.EarningID]bool, len(ids))
	var out []ledger.EarningRecord
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := v.d.earnings[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *view) ListEarnings(_ context.Context, f ledger.EarningFilter) ([]ledger.EarningRecord, error) {
	var out []ledger.EarningRecord
	for _, r := range v.d.earnings {
		if f.BeneficiaryID != "" && r.BeneficiaryID != f.BeneficiaryID {
			continue
		}
		if f.PurchaseID != "" && r.SourcePurchaseID != f.PurchaseID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		out = append(out, r)
	}
	v.newestFirst("earning", len(out), func(i int) (time.Time, string) {
		return out[i].CreatedAt, string(out[i].ID)
	}, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return limit(out, f.Limit), nil
}

func (v *view) MarkEarningsPaid(_ context.Context, ids []ledger.EarningID, at time.Time) error {
	for _, id := range ids {
		r, ok := v.d.earnings[id]
		if !ok {
			return ledger.ErrNotFound
		}
		r.Status = ledger.EarningPaid
		paidAt := at
		r.PaidAt = &paidAt
		v.d.earnings[id] = r
	}
	return nil
}

func (v *view) InsertWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	if _, ok := v.d.withdrawals[w.ID]; ok {
		return ledger.ErrDuplicateKey
	}
	v.d.withdrawals[w.ID] = w
	v.d.stamp("withdrawal", string(w.ID))
	return nil
}

func (v *view) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	w, ok := v.d.withdrawals[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &w, nil
}

func (v *view) UpdateWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	if _, ok := v.d.withdrawals[w.ID]; !ok {
		return ledger.ErrNotFound
	}
	v.d.withdrawals[w.ID] = w
	return nil
}

func (v *view) ListWithdrawals(_ context.Context, f ledger.WithdrawalFilter) ([]ledger.WithdrawalRequest, error) {
	statuses := make(map[ledger.WithdrawalStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}

	var out []ledger.WithdrawalRequest
	for _, w := range v.d.withdrawals {
		if f.UserID != "" && w.UserID != f.UserID {
			continue
		}
		if len(statuses) > 0 && !statuses[w.Status] {
			continue
		}
		if f.ProcessingBefore != nil &&
			(w.ProcessingSince == nil || !w.ProcessingSince.Before(*f.ProcessingBefore)) {
			continue
		}
		out = append(out, w)
	}
	v.newestFirst("withdrawal", len(out), func(i int) (time.Time, string) {
		return out[i].CreatedAt, string(out[i].ID)
	}, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return limit(out, f.Limit), nil
}

// newestFirst sorts by CreatedAt descending, then by insertion order descending.
func (v *view) newestFirst(kind string, n int, at func(i int) (time.Time, string), swap func(i, j int)) {
	sort.Sort(byNewest{n: n, less: func(i, j int) bool {
		ti, idi := at(i)
		tj, idj := at(j)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return v.d.order(kind, idi) > v.d.order(kind, idj)
	}, swap: swap})
}

type byNewest struct {
	n    int
	less func(i, j int) bool
	swap func(i, j int)
}

func (b byNewest) Len() int           { return b.n }
func (b byNewest) Less(i, j int) bool { return b.less(i, j) }
func (b byNewest) Swap(i, j int)      { b.swap(i, j) }

func limit[T any](xs []T, n int) []T {
	if n > 0 && len(xs) > n {
		return xs[:n]
	}
	return xs
}
