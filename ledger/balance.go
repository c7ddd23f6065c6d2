/*
balance.go - Balance derivation

PURPOSE:
  Answers "how much can this affiliate withdraw?". Balance is never stored;
  it is recomputed from earning records and withdrawal requests on every
  read, so it always reflects committed writes.

FORMULA:
  Available = Σ commission(paid earnings) − Σ amount(non-cancelled withdrawals)

  Pending and processing withdrawals are a liability: the money is not sent
  yet but it is already spoken for. Cancelled requests release it.

COMPONENTS REPORTED:
  PaidEarnings:    settled commissions (withdrawable)
  PendingEarnings: commissions not yet marked paid
  Reserved:        pending + processing withdrawals
  Withdrawn:       completed withdrawals
  Lifetime:        paid + pending commissions
*/
package ledger

import "github.com/shopspring/decimal"

type Balance struct {
	UserID          UserID
	Available       decimal.Decimal
	PaidEarnings    decimal.Decimal
	PendingEarnings decimal.Decimal
	Reserved        decimal.Decimal
	Withdrawn       decimal.Decimal
	Lifetime        decimal.Decimal
}

// ComputeBalance folds a user's earnings and withdrawals into a Balance.
// Records belonging to other users are ignored.
func ComputeBalance(userID UserID, earnings []EarningRecord, withdrawals []WithdrawalRequest) Balance {
	b := Balance{
		UserID:          userID,
		PaidEarnings:    decimal.Zero,
		PendingEarnings: decimal.Zero,
		Reserved:        decimal.Zero,
		Withdrawn:       decimal.Zero,
	}

	for _, e := range earnings {
		if e.BeneficiaryID != userID {
			continue
		}
		switch e.Status {
		case EarningPaid:
			b.PaidEarnings = b.PaidEarnings.Add(e.CommissionAmount)
		case EarningPending:
			b.PendingEarnings = b.PendingEarnings.Add(e.CommissionAmount)
		}
	}

	for _, w := range withdrawals {
		if w.UserID != userID {
			continue
		}
		switch w.Status {
		case WithdrawalPending, WithdrawalProcessing:
			b.Reserved = b.Reserved.Add(w.Amount)
		case WithdrawalCompleted:
			b.Withdrawn = b.Withdrawn.Add(w.Amount)
		}
	}

	b.Available = b.PaidEarnings.Sub(b.Reserved).Sub(b.Withdrawn)
	b.Lifetime = b.PaidEarnings.Add(b.PendingEarnings)
	return b
}

// CanWithdraw reports whether amount fits in the available balance.
func (b Balance) CanWithdraw(amount decimal.Decimal) bool {
	return !b.Available.Sub(amount).IsNegative()
}
