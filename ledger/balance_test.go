package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBalance(t *testing.T) {
	earnings := []EarningRecord{
		{BeneficiaryID: "u", Status: EarningPaid, CommissionAmount: MustMoney("300")},
		{BeneficiaryID: "u", Status: EarningPaid, CommissionAmount: MustMoney("50.25")},
		{BeneficiaryID: "u", Status: EarningPending, CommissionAmount: MustMoney("20")},
		{BeneficiaryID: "other", Status: EarningPaid, CommissionAmount: MustMoney("1000")},
	}
	withdrawals := []WithdrawalRequest{
		{UserID: "u", Status: WithdrawalPending, Amount: MustMoney("100")},
		{UserID: "u", Status: WithdrawalProcessing, Amount: MustMoney("10")},
		{UserID: "u", Status: WithdrawalCompleted, Amount: MustMoney("40")},
		{UserID: "u", Status: WithdrawalCancelled, Amount: MustMoney("500")},
	}

	b := ComputeBalance("u", earnings, withdrawals)

	assert.True(t, b.PaidEarnings.Equal(MustMoney("350.25")))
	assert.True(t, b.PendingEarnings.Equal(MustMoney("20")))
	assert.True(t, b.Reserved.Equal(MustMoney("110")))
	assert.True(t, b.Withdrawn.Equal(MustMoney("40")))
	assert.True(t, b.Available.Equal(MustMoney("200.25")), b.Available.String())
	assert.True(t, b.Lifetime.Equal(MustMoney("370.25")))

	assert.True(t, b.CanWithdraw(MustMoney("200.25")))
	assert.False(t, b.CanWithdraw(MustMoney("200.26")))
}

func TestParseMoney(t *testing.T) {
	d, err := ParseMoney("12.50")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromFloat(12.5)))

	_, err = ParseMoney("-1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseMoney("1.005")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseMoney("abc")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRoundMoney_HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, "0.01", RoundMoney(decimal.RequireFromString("0.005")).String())
	assert.Equal(t, "1739.42", RoundMoney(decimal.RequireFromString("1739.42")).String())
	assert.Equal(t, "509.83", RoundMoney(decimal.RequireFromString("509.83")).String())
}

func TestPackageMax(t *testing.T) {
	assert.Equal(t, PackagePro, PackageBasic.Max(PackagePro))
	assert.Equal(t, PackagePro, PackagePro.Max(PackageBasic))
	assert.Equal(t, PackageBasic, PackageNone.Max(PackageBasic))

	_, err := ParsePackage("gold")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
