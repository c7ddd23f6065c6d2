package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
	"github.com/warp/affiliate-ledger/query"
	"github.com/warp/affiliate-ledger/referral"
	"github.com/warp/affiliate-ledger/withdrawal"
)

func TestDashboardAndAdminStats(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemory(), nil)
	g := referral.NewGraph(l)
	dir := referral.NewDirectory(l, g)
	eng, err := commission.NewEngine(l, g, commission.DefaultRates(), commission.DefaultPrices())
	require.NoError(t, err)
	proc := withdrawal.NewProcessor(l, withdrawal.NoopPayout{}, withdrawal.DefaultConfig())
	facade := query.New(l, g, "https://example.test/", 2)

	// GIVEN: c <- b <- a, plus a second direct referral of b
	c, err := dir.Register(ctx, referral.Registration{ID: "c"})
	require.NoError(t, err)
	b, err := dir.Register(ctx, referral.Registration{ID: "b", ReferralCode: c.ReferralCode})
	require.NoError(t, err)
	_, err = dir.Register(ctx, referral.Registration{ID: "a", ReferralCode: b.ReferralCode})
	require.NoError(t, err)
	_, err = dir.Register(ctx, referral.Registration{ID: "a2", ReferralCode: b.ReferralCode})
	require.NoError(t, err)

	_, err = eng.Apply(ctx, commission.PurchaseInput{ID: "p0", BuyerID: "c", Package: ledger.PackageBasic})
	require.NoError(t, err)
	_, err = eng.Apply(ctx, commission.PurchaseInput{ID: "p1", BuyerID: "b", Package: ledger.PackagePro})
	require.NoError(t, err)
	res, err := eng.Apply(ctx, commission.PurchaseInput{ID: "p2", BuyerID: "a", Package: ledger.PackagePro})
	require.NoError(t, err)

	// Pay out b's direct commission from p2 and withdraw part of it
	var direct ledger.EarningID
	for _, e := range res.Earnings {
		if e.Kind == ledger.EarningDirect {
			direct = e.ID
		}
	}
	_, err = l.MarkPaid(ctx, []ledger.EarningID{direct})
	require.NoError(t, err)
	w, err := proc.Request(ctx, "b", ledger.MustMoney("1000"))
	require.NoError(t, err)
	_, err = proc.Decide(ctx, w.ID, withdrawal.Approve, "admin", "")
	require.NoError(t, err)

	// WHEN
	dash, err := facade.Dashboard(ctx, "b", proc.Config().MinWithdrawal)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, "https://example.test/register?ref="+b.ReferralCode, dash.ReferralLink)
	assert.Equal(t, 2, dash.DirectTeamSize)
	assert.Equal(t, 2, dash.TotalTeamSize)
	assert.Equal(t, "739.42", dash.Balance.Available.StringFixed(2))
	assert.Len(t, dash.RecentEarnings, 1)
	assert.Len(t, dash.RecentWithdrawals, 1)
	assert.Equal(t, ledger.PackagePro, dash.User.Package)

	cdash, err := facade.Dashboard(ctx, "c", proc.Config().MinWithdrawal)
	require.NoError(t, err)
	assert.Equal(t, 3, cdash.TotalTeamSize)

	stats, err := facade.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Users)
	assert.Equal(t, 2, stats.UsersByPackage[ledger.PackagePro])
	assert.Equal(t, 1, stats.UsersByPackage[ledger.PackageBasic])
	assert.Equal(t, 3, stats.Purchases.Count)
	assert.Equal(t, "7497.00", stats.Purchases.Total.StringFixed(2))
	assert.Equal(t, 1, stats.PaidEarnings.Count)
	// p1: c direct 1739.42; p2: c team 0.12 × 2999 = 359.88 (c holds basic)
	assert.Equal(t, "2099.30", stats.PendingEarnings.Total.StringFixed(2))
	assert.Equal(t, 1, stats.Withdrawals[ledger.WithdrawalCompleted].Count)
	assert.Equal(t, 0, stats.Stuck)

	_, err = facade.Dashboard(ctx, "ghost", proc.Config().MinWithdrawal)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
