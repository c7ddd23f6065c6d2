package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-ledger/ledger"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedUser(t *testing.T, st *Store, id ledger.UserID, code string) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), ledger.User{
		ID:            id,
		Package:       ledger.PackageNone,
		ReferralCode:  code,
		TotalEarnings: ledger.MustMoney("0"),
		Role:          ledger.RoleUser,
		Active:        true,
		CreatedAt:     t0,
	}))
}

func TestUsers_RoundTripAndUniqueCode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedUser(t, st, "a", "1000")
	seedUser(t, st, "b", "2000")

	require.NoError(t, st.SetUserReferrer(ctx, "b", "a"))
	require.NoError(t, st.SetUserPackage(ctx, "b", ledger.PackagePro))
	require.NoError(t, st.AddTotalEarnings(ctx, "b", ledger.MustMoney("12.34")))
	require.NoError(t, st.AddTotalEarnings(ctx, "b", ledger.MustMoney("0.66")))

	b, err := st.GetUserByReferralCode(ctx, "2000")
	require.NoError(t, err)
	require.NotNil(t, b.ReferrerID)
	assert.Equal(t, ledger.UserID("a"), *b.ReferrerID)
	assert.Equal(t, ledger.PackagePro, b.Package)
	assert.True(t, b.TotalEarnings.Equal(ledger.MustMoney("13")), b.TotalEarnings.String())
	assert.True(t, b.Active)
	assert.True(t, b.CreatedAt.Equal(t0))

	err = st.CreateUser(ctx, ledger.User{ID: "c", ReferralCode: "1000", CreatedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	_, err = st.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, st.SetUserActive(ctx, "missing", false), ledger.ErrNotFound)
}

func TestEarnings_UniquePerPurchaseKindAndMarkPaid(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	rec := ledger.EarningRecord{
		ID:               "e1",
		BeneficiaryID:    "b",
		SourcePurchaseID: "p1",
		Kind:             ledger.EarningDirect,
		GrossAmount:      ledger.MustMoney("2999"),
		CommissionRate:   ledger.MustMoney("0.58"),
		CommissionAmount: ledger.MustMoney("1739.42"),
		Status:           ledger.EarningPending,
		CreatedAt:        t0,
	}
	require.NoError(t, st.InsertEarnings(ctx, []ledger.EarningRecord{rec}))

	dup := rec
	dup.ID = "e2"
	assert.ErrorIs(t, st.InsertEarnings(ctx, []ledger.EarningRecord{dup}), ledger.ErrDuplicateKey)

	require.NoError(t, st.MarkEarningsPaid(ctx, []ledger.EarningID{"e1"}, t0.Add(time.Hour)))
	got, err := st.GetEarnings(ctx, []ledger.EarningID{"e1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.EarningPaid, got[0].Status)
	assert.True(t, got[0].CommissionAmount.Equal(ledger.MustMoney("1739.42")))
	require.NotNil(t, got[0].PaidAt)

	// Already paid: nothing matches the pending filter
	assert.ErrorIs(t, st.MarkEarningsPaid(ctx, []ledger.EarningID{"e1"}, t0), ledger.ErrNotFound)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	err := st.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertPurchase(ctx, ledger.Purchase{
			ID: "p1", BuyerID: "a", Package: ledger.PackageBasic, Amount: ledger.MustMoney("1499"), CreatedAt: t0,
		}))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = st.GetPurchase(ctx, "p1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWithdrawals_FilterAndUpdate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for i, id := range []ledger.WithdrawalID{"w1", "w2", "w3"} {
		require.NoError(t, st.InsertWithdrawal(ctx, ledger.WithdrawalRequest{
			ID:        id,
			UserID:    "u",
			Amount:    ledger.MustMoney("250"),
			Status:    ledger.WithdrawalPending,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	w, err := st.GetWithdrawal(ctx, "w1")
	require.NoError(t, err)
	since := t0.Add(time.Hour)
	w.Status = ledger.WithdrawalProcessing
	w.ProcessingSince = &since
	w.Attempts = 2
	w.LastError = "rail down"
	require.NoError(t, st.UpdateWithdrawal(ctx, *w))

	processing, err := st.ListWithdrawals(ctx, ledger.WithdrawalFilter{
		Statuses: []ledger.WithdrawalStatus{ledger.WithdrawalProcessing, ledger.WithdrawalCompleted},
	})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, 2, processing[0].Attempts)
	assert.Equal(t, "rail down", processing[0].LastError)

	cutoff := t0.Add(2 * time.Hour)
	stale, err := st.ListWithdrawals(ctx, ledger.WithdrawalFilter{ProcessingBefore: &cutoff})
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	all, err := st.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: "u", Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.WithdrawalID("w3"), all[0].ID)
}

func TestEdges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.InsertEdge(ctx, ledger.ReferralEdge{ChildID: "b", ParentID: "a", CreatedAt: t0}))
	err := st.InsertEdge(ctx, ledger.ReferralEdge{ChildID: "b", ParentID: "c", CreatedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	edges, err := st.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, ledger.UserID("a"), edges[0].ParentID)
}

func TestOrders_SettleAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for i, id := range []ledger.OrderID{"o1", "o2"} {
		require.NoError(t, st.InsertOrder(ctx, ledger.PaymentOrder{
			ID:        id,
			BuyerID:   "a",
			Package:   ledger.PackagePro,
			Amount:    ledger.MustMoney("2999"),
			Status:    ledger.OrderCreated,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	err := st.InsertOrder(ctx, ledger.PaymentOrder{ID: "o1", BuyerID: "b", Package: ledger.PackageBasic,
		Amount: ledger.MustMoney("1499"), Status: ledger.OrderCreated, CreatedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	o, err := st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	settled := t0.Add(time.Hour)
	o.Status = ledger.OrderPaid
	o.PurchaseID = "o1"
	o.SettledAt = &settled
	o.SettledBy = "ops"
	require.NoError(t, st.UpdateOrder(ctx, *o))

	paid, err := st.ListOrders(ctx, ledger.OrderFilter{BuyerID: "a", Status: ledger.OrderPaid})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.True(t, paid[0].Amount.Equal(ledger.MustMoney("2999")))
	assert.Equal(t, "ops", paid[0].SettledBy)
	require.NotNil(t, paid[0].SettledAt)

	all, err := st.ListOrders(ctx, ledger.OrderFilter{BuyerID: "a"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.OrderID("o2"), all[0].ID)

	assert.ErrorIs(t, st.UpdateOrder(ctx, ledger.PaymentOrder{ID: "missing"}), ledger.ErrNotFound)
}
