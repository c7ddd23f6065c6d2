package checkout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-ledger/checkout"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
	"github.com/warp/affiliate-ledger/referral"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	store    *store.Memory
	checkout *checkout.Checkout
}

// newFixture builds buyer <- ref: ref referred buyer.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	l := ledger.New(mem, nil)
	l.SetClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) })
	g := referral.NewGraph(l)
	eng, err := commission.NewEngine(l, g, commission.DefaultRates(), commission.DefaultPrices())
	require.NoError(t, err)

	for _, id := range []ledger.UserID{"buyer", "ref"} {
		require.NoError(t, mem.CreateUser(ctx, ledger.User{
			ID: id, Package: ledger.PackageBasic, ReferralCode: referral.NewCode(),
			TotalEarnings: decimal.Zero, Role: ledger.RoleUser, Active: true,
		}))
	}
	require.NoError(t, g.SetParent(ctx, "buyer", "ref"))
	return &fixture{store: mem, checkout: checkout.New(l, eng)}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateOrder_ListPriceAndNothingRecorded(t *testing.T) {
	// GIVEN
	ctx := context.Background()
	f := newFixture(t)

	// WHEN
	o, err := f.checkout.CreateOrder(ctx, "buyer", ledger.PackagePro)

	// THEN: priced from the list, no purchase or commission yet
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCreated, o.Status)
	assert.Equal(t, "2999.00", o.Amount.StringFixed(2))
	assert.Empty(t, o.PurchaseID)

	records, err := f.store.ListEarnings(ctx, ledger.EarningFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	buyer, err := f.store.GetUser(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.PackageBasic, buyer.Package)
}

func TestCreateOrder_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.checkout.CreateOrder(ctx, "", ledger.PackagePro)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = f.checkout.CreateOrder(ctx, "buyer", "gold")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = f.checkout.CreateOrder(ctx, "buyer", ledger.PackageNone)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = f.checkout.CreateOrder(ctx, "ghost", ledger.PackagePro)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, f.store.SetUserActive(ctx, "buyer", false))
	_, err = f.checkout.CreateOrder(ctx, "buyer", ledger.PackagePro)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// CONFIRM / FAIL
// =============================================================================

func TestConfirm_RecordsPurchaseOnce(t *testing.T) {
	// GIVEN
	ctx := context.Background()
	f := newFixture(t)
	o, err := f.checkout.CreateOrder(ctx, "buyer", ledger.PackagePro)
	require.NoError(t, err)

	// WHEN
	paid, res, err := f.checkout.Confirm(ctx, o.ID, "ops")

	// THEN: order and purchase commit together
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPaid, paid.Status)
	assert.Equal(t, ledger.PurchaseID(o.ID), paid.PurchaseID)
	assert.Equal(t, "ops", paid.SettledBy)
	require.NotNil(t, paid.SettledAt)
	require.Len(t, res.Earnings, 1)
	assert.Equal(t, "1739.42", res.Earnings[0].CommissionAmount.StringFixed(2))

	buyer, err := f.store.GetUser(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, ledger.PackagePro, buyer.Package)

	// A replayed confirmation pays nothing
	_, _, err = f.checkout.Confirm(ctx, o.ID, "rail")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	records, err := f.store.ListEarnings(ctx, ledger.EarningFilter{BeneficiaryID: "ref"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConfirm_ConcurrentConfirmationsPayOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o, err := f.checkout.CreateOrder(ctx, "buyer", ledger.PackagePro)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.checkout.Confirm(ctx, o.ID, "rail")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, ledger.IsIntegrity(err), err)
		}
	}
	assert.Equal(t, 1, ok)

	ref, err := f.store.GetUser(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, "1739.42", ref.TotalEarnings.StringFixed(2))
}

func TestFail_ClosesOrderWithoutPurchase(t *testing.T) {
	// GIVEN
	ctx := context.Background()
	f := newFixture(t)
	o, err := f.checkout.CreateOrder(ctx, "buyer", ledger.PackageBasic)
	require.NoError(t, err)

	// WHEN
	failed, err := f.checkout.Fail(ctx, o.ID, "rail", "card declined")

	// THEN
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderFailed, failed.Status)
	assert.Equal(t, "card declined", failed.Reason)

	_, _, err = f.checkout.Confirm(ctx, o.ID, "ops")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = f.store.GetPurchase(ctx, ledger.PurchaseID(o.ID))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.checkout.Fail(ctx, o.ID, "rail", "again")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = f.checkout.Fail(ctx, "missing", "rail", "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestOrders_FilterByBuyerAndStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, err := f.checkout.CreateOrder(ctx, "buyer", ledger.PackageBasic)
	require.NoError(t, err)
	_, err = f.checkout.CreateOrder(ctx, "ref", ledger.PackagePro)
	require.NoError(t, err)
	_, _, err = f.checkout.Confirm(ctx, first.ID, "ops")
	require.NoError(t, err)

	mine, err := f.checkout.Orders(ctx, ledger.OrderFilter{BuyerID: "buyer"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.OrderPaid, mine[0].Status)

	open, err := f.checkout.Orders(ctx, ledger.OrderFilter{Status: ledger.OrderCreated})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ledger.UserID("ref"), open[0].BuyerID)
}
