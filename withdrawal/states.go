package withdrawal

import "github.com/warp/affiliate-ledger/ledger"

// transitions lists every legal status change. completed and cancelled are
// terminal.
//
//	pending ──approve──▶ processing ──payout ok──▶ completed
//	   │                     │
//	   └─reject/cancel─▶ cancelled ◀──reject──┘
var transitions = map[ledger.WithdrawalStatus][]ledger.WithdrawalStatus{
	ledger.WithdrawalPending:    {ledger.WithdrawalProcessing, ledger.WithdrawalCancelled},
	ledger.WithdrawalProcessing: {ledger.WithdrawalCompleted, ledger.WithdrawalCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ledger.WithdrawalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns *InvalidTransitionError when w cannot move to to.
func checkTransition(w *ledger.WithdrawalRequest, to ledger.WithdrawalStatus) error {
	if CanTransition(w.Status, to) {
		return nil
	}
	reason := ""
	if w.Status.Terminal() {
		reason = "request is final"
	}
	return &ledger.InvalidTransitionError{
		Subject: "withdrawal",
		ID:      string(w.ID),
		From:    string(w.Status),
		To:      string(to),
		Reason:  reason,
	}
}

// Outcome is an admin decision on a request.
type Outcome string

const (
	Approve Outcome = "approve"
	Reject  Outcome = "reject"
)
