// Package query builds the read-only views behind the user dashboard and
// the admin console. Nothing here writes.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/ledger"
)

// recentLimit caps the lists embedded in the dashboard.
const recentLimit = 10

// Team is the part of the referral graph the dashboard needs.
type Team interface {
	Children(userID ledger.UserID) []ledger.UserID
	Descendants(userID ledger.UserID, maxDepth int) []ledger.UserID
}

type Facade struct {
	ledger    *ledger.Ledger
	team      Team
	publicURL string
	teamDepth int
}

// New builds a Facade. Referral links are publicURL + "/register?ref=<code>";
// team size counts teamDepth levels below the user.
func New(l *ledger.Ledger, team Team, publicURL string, teamDepth int) *Facade {
	return &Facade{
		ledger:    l,
		team:      team,
		publicURL: strings.TrimRight(publicURL, "/"),
		teamDepth: teamDepth,
	}
}

// =============================================================================
// DASHBOARD
// =============================================================================

type Dashboard struct {
	User              ledger.User
	Balance           ledger.Balance
	RecentEarnings    []ledger.EarningRecord
	RecentWithdrawals []ledger.WithdrawalRequest
	ReferralLink      string
	DirectTeamSize    int
	TotalTeamSize     int
	MinimumWithdrawal decimal.Decimal
}

// Dashboard returns everything the user's home screen shows. minimum is the
// current minimum withdrawal, echoed for the withdraw form.
func (f *Facade) Dashboard(ctx context.Context, userID ledger.UserID, minimum decimal.Decimal) (*Dashboard, error) {
	s := f.ledger.Store()
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	bal, err := f.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	earnings, err := s.ListEarnings(ctx, ledger.EarningFilter{BeneficiaryID: userID, Limit: recentLimit})
	if err != nil {
		return nil, fmt.Errorf("recent earnings: %w", err)
	}
	withdrawals, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: userID, Limit: recentLimit})
	if err != nil {
		return nil, fmt.Errorf("recent withdrawals: %w", err)
	}

	return &Dashboard{
		User:              *user,
		Balance:           bal,
		RecentEarnings:    earnings,
		RecentWithdrawals: withdrawals,
		ReferralLink:      f.ReferralLink(user.ReferralCode),
		DirectTeamSize:    len(f.team.Children(userID)),
		TotalTeamSize:     len(f.team.Descendants(userID, f.teamDepth)),
		MinimumWithdrawal: minimum,
	}, nil
}

// ReferralLink is the registration URL carrying code.
func (f *Facade) ReferralLink(code string) string {
	return f.publicURL + "/register?ref=" + code
}

// =============================================================================
// ADMIN
// =============================================================================

// Amounts pairs a count with a total.
type Amounts struct {
	Count int
	Total decimal.Decimal
}

func (a *Amounts) add(d decimal.Decimal) {
	a.Count++
	a.Total = a.Total.Add(d)
}

type AdminStats struct {
	Users           int
	ActiveUsers     int
	UsersByPackage  map[ledger.Package]int
	Purchases       Amounts
	PendingEarnings Amounts
	PaidEarnings    Amounts
	Withdrawals     map[ledger.WithdrawalStatus]*Amounts
	Stuck           int
}

// AdminStats aggregates the whole ledger. It scans every table, which is
// fine at admin-console traffic.
func (f *Facade) AdminStats(ctx context.Context) (*AdminStats, error) {
	s := f.ledger.Store()
	st := &AdminStats{
		UsersByPackage:  make(map[ledger.Package]int),
		Purchases:       Amounts{Total: decimal.Zero},
		PendingEarnings: Amounts{Total: decimal.Zero},
		PaidEarnings:    Amounts{Total: decimal.Zero},
		Withdrawals:     make(map[ledger.WithdrawalStatus]*Amounts),
	}
	for _, status := range []ledger.WithdrawalStatus{
		ledger.WithdrawalPending, ledger.WithdrawalProcessing, ledger.WithdrawalCompleted, ledger.WithdrawalCancelled,
	} {
		st.Withdrawals[status] = &Amounts{Total: decimal.Zero}
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		st.Users++
		if u.Active {
			st.ActiveUsers++
		}
		st.UsersByPackage[u.Package]++
	}

	purchases, err := s.ListPurchases(ctx, ledger.PurchaseFilter{})
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	for _, p := range purchases {
		st.Purchases.add(p.Amount)
	}

	earnings, err := s.ListEarnings(ctx, ledger.EarningFilter{})
	if err != nil {
		return nil, fmt.Errorf("list earnings: %w", err)
	}
	for _, e := range earnings {
		if e.Status == ledger.EarningPaid {
			st.PaidEarnings.add(e.CommissionAmount)
		} else {
			st.PendingEarnings.add(e.CommissionAmount)
		}
	}

	withdrawals, err := s.ListWithdrawals(ctx, ledger.WithdrawalFilter{})
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	for _, w := range withdrawals {
		if a, ok := st.Withdrawals[w.Status]; ok {
			a.add(w.Amount)
		}
		if w.Stuck {
			st.Stuck++
		}
	}
	return st, nil
}

// AdminEarnings lists earnings across all users.
func (f *Facade) AdminEarnings(ctx context.Context, filter ledger.EarningFilter) ([]ledger.EarningRecord, error) {
	return f.ledger.Earnings(ctx, filter)
}

// AdminWithdrawals lists withdrawal requests across all users.
func (f *Facade) AdminWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.WithdrawalRequest, error) {
	return f.ledger.Withdrawals(ctx, filter)
}

// Users lists every account, oldest first.
func (f *Facade) Users(ctx context.Context) ([]ledger.User, error) {
	return f.ledger.Store().ListUsers(ctx)
}
