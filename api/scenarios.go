/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
	Populates an empty database with a referral tree, purchases and
	withdrawals so the dashboard and admin console have something to show.
	Every scenario goes through the same domain operations the API uses.

AVAILABLE SCENARIOS:

	three-level:     c <- b <- a chain plus a second direct referral, mixed packages
	payout-backlog:  affiliate with a paid balance and withdrawals in every status

USAGE VIA API (development only):

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "three-level"}

	The response carries a token per created user. Admin accounts are
	seeded without one.

NOTE:
	Scenarios use fixed user ids ("demo-..."), so loading one twice fails
	on the duplicate registration and leaves the first load untouched.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/referral"
	"github.com/warp/affiliate-ledger/withdrawal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ScenarioResultDTO struct {
	Scenario string            `json:"scenario"`
	Users    []UserDTO         `json:"users"`
	Tokens   map[string]string `json:"tokens"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "three-level",
		Name:        "Three-Level Tree",
		Description: "Chain of three affiliates plus a sibling; direct and team commission on basic and pro purchases",
	},
	{
		ID:          "payout-backlog",
		Name:        "Payout Backlog",
		Description: "Affiliate with paid earnings and withdrawals pending, completed and cancelled",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if !h.dev {
		writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.dev {
		writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		users []ledger.User
		err   error
	)
	switch req.ScenarioID {
	case "three-level":
		users, err = h.loadThreeLevelScenario(ctx)
	case "payout-backlog":
		users, err = h.loadPayoutBacklogScenario(ctx)
	default:
		h.fail(w, r, &ledger.InputError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", req.ScenarioID)})
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	out := ScenarioResultDTO{Scenario: req.ScenarioID, Users: toUserDTOs(users), Tokens: make(map[string]string)}
	for _, u := range users {
		if u.Role != ledger.RoleUser {
			continue
		}
		tok, err := h.auth.Issue(u.ID, u.Role)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out.Tokens[string(u.ID)] = tok
	}
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.Int("users", len(users)))
	writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seeder registers users in order, each optionally under an earlier one.
type seeder struct {
	h     *Handler
	users map[ledger.UserID]*ledger.User
	order []ledger.UserID
}

func (h *Handler) newSeeder() *seeder {
	return &seeder{h: h, users: make(map[ledger.UserID]*ledger.User)}
}

func (s *seeder) register(ctx context.Context, id, referrer ledger.UserID, role ledger.Role) error {
	reg := referral.Registration{ID: id, Role: role}
	if referrer != "" {
		reg.ReferralCode = s.users[referrer].ReferralCode
	}
	u, err := s.h.svc.Directory.Register(ctx, reg)
	if err != nil {
		return err
	}
	s.users[id] = u
	s.order = append(s.order, id)
	return nil
}

// buy goes through checkout: an order at list price, confirmed by the seeder.
func (s *seeder) buy(ctx context.Context, buyer ledger.UserID, pkg ledger.Package) (*commission.Result, error) {
	order, err := s.h.svc.Checkout.CreateOrder(ctx, buyer, pkg)
	if err != nil {
		return nil, err
	}
	_, res, err := s.h.svc.Checkout.Confirm(ctx, order.ID, "scenario")
	return res, err
}

// result reloads every seeded user so packages and totals are current.
func (s *seeder) result(ctx context.Context) ([]ledger.User, error) {
	out := make([]ledger.User, 0, len(s.order))
	for _, id := range s.order {
		u, err := s.h.svc.Directory.User(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

// Scenario: three-level
//
//	demo-c (basic)
//	  └─ demo-b (pro)
//	       ├─ demo-a (pro)
//	       └─ demo-a2 (basic)
//
// demo-c earns team commission on both purchases under demo-b at the basic
// team rate. demo-b's direct commission from demo-a is marked paid.
func (h *Handler) loadThreeLevelScenario(ctx context.Context) ([]ledger.User, error) {
	s := h.newSeeder()
	for _, u := range []struct{ id, referrer ledger.UserID }{
		{"demo-c", ""}, {"demo-b", "demo-c"}, {"demo-a", "demo-b"}, {"demo-a2", "demo-b"},
	} {
		if err := s.register(ctx, u.id, u.referrer, ledger.RoleUser); err != nil {
			return nil, err
		}
	}

	if _, err := s.buy(ctx, "demo-c", ledger.PackageBasic); err != nil {
		return nil, err
	}
	if _, err := s.buy(ctx, "demo-b", ledger.PackagePro); err != nil {
		return nil, err
	}
	res, err := s.buy(ctx, "demo-a", ledger.PackagePro)
	if err != nil {
		return nil, err
	}
	if _, err := s.buy(ctx, "demo-a2", ledger.PackageBasic); err != nil {
		return nil, err
	}

	for _, e := range res.Earnings {
		if e.Kind == ledger.EarningDirect {
			if _, err := h.svc.Ledger.MarkPaid(ctx, []ledger.EarningID{e.ID}); err != nil {
				return nil, err
			}
		}
	}
	return s.result(ctx)
}

// Scenario: payout-backlog
//
// demo-payee refers three pro buyers and has every commission paid
// (3 × 1739.42). It then holds one pending, one completed and one cancelled
// withdrawal. demo-admin can approve the pending one from the console.
func (h *Handler) loadPayoutBacklogScenario(ctx context.Context) ([]ledger.User, error) {
	s := h.newSeeder()
	if err := s.register(ctx, "demo-admin", "", ledger.RoleAdmin); err != nil {
		return nil, err
	}
	if err := s.register(ctx, "demo-payee", "", ledger.RoleUser); err != nil {
		return nil, err
	}

	var paid []ledger.EarningID
	for i := 1; i <= 3; i++ {
		id := ledger.UserID(fmt.Sprintf("demo-buyer-%d", i))
		if err := s.register(ctx, id, "demo-payee", ledger.RoleUser); err != nil {
			return nil, err
		}
		res, err := s.buy(ctx, id, ledger.PackagePro)
		if err != nil {
			return nil, err
		}
		for _, e := range res.Earnings {
			paid = append(paid, e.ID)
		}
	}
	if _, err := h.svc.Ledger.MarkPaid(ctx, paid); err != nil {
		return nil, err
	}

	proc := h.svc.Processor
	done, err := proc.Request(ctx, "demo-payee", ledger.MustMoney("1000"))
	if err != nil {
		return nil, err
	}
	if _, err := proc.Decide(ctx, done.ID, withdrawal.Approve, "demo-admin", ""); err != nil && !errors.Is(err, withdrawal.ErrSettlementDeferred) {
		return nil, err
	}
	dropped, err := proc.Request(ctx, "demo-payee", ledger.MustMoney("500"))
	if err != nil {
		return nil, err
	}
	if _, err := proc.Decide(ctx, dropped.ID, withdrawal.Reject, "demo-admin", "duplicate request"); err != nil {
		return nil, err
	}
	if _, err := proc.Request(ctx, "demo-payee", ledger.MustMoney("750")); err != nil {
		return nil, err
	}
	return s.result(ctx)
}
