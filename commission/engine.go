/*
engine.go - Commission engine

PURPOSE:
  Turns a purchase into earning records for the buyer's upline and commits
  everything in one transaction:

    purchase row + pending earnings + buyer package upgrade + earner totals

  Either all of it is visible or none of it is.

RULES:
  depth 1 (direct): Rates.Direct × amount, paid to the buyer's referrer
  depth 2 (team):   Rates.Team[pkg] × amount, where pkg is the package of
                    the referrer's referrer ("none" earns nothing)
  The buyer never earns from its own purchase, nothing is paid beyond
  depth 2 and zero-amount records are not created.

  Amounts are rounded to 2 places, half away from zero. The sum of all
  records never exceeds the purchase amount.

IDEMPOTENCY:
  The purchase id is the idempotency key. Applying the same id twice
  returns *DuplicatePurchaseError and writes nothing.

CONCURRENCY:
  The upline is read from the graph index first, then every affected user
  is locked and the upline is re-read from the store inside the
  transaction. If an edge appeared in between, the attempt is retried with
  the new upline. After applyAttempts misses Apply gives up with
  ErrUplineChanged and nothing is written.

HOOKS:
  ApplyWith runs a caller hook inside the purchase transaction, after the
  earnings are written. A hook error rolls the whole purchase back. The
  checkout package uses it to mark a payment order paid atomically with
  its purchase.

EXAMPLE:
  eng, err := commission.NewEngine(l, graph, commission.DefaultRates(), commission.DefaultPrices())
  res, err := eng.Apply(ctx, commission.PurchaseInput{
      ID: "order-42", BuyerID: "u-1", Package: ledger.PackagePro,
  })

SEE ALSO:
  - rates.go: rate and price configuration
  - ledger/ledger.go: RecordEarningsTx
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/metrics"
)

// Ancestry answers "who is above this user?". Implemented by referral.Graph.
type Ancestry interface {
	Ancestors(ctx context.Context, userID ledger.UserID, maxDepth int) ([]ledger.UserID, error)
}

// applyAttempts bounds retries when the upline changes under us.
const applyAttempts = 3

// ErrUplineChanged means the referral chain kept moving while the purchase
// was being recorded.
var ErrUplineChanged = errors.New("upline changed during purchase")

// TxHook runs inside the purchase transaction with the computed result.
type TxHook func(s ledger.Store, res *Result) error

type Engine struct {
	ledger   *ledger.Ledger
	ancestry Ancestry
	rates    Rates
	prices   Prices
	log      *zap.Logger
}

func NewEngine(l *ledger.Ledger, ancestry Ancestry, rates Rates, prices Prices) (*Engine, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ledger:   l,
		ancestry: ancestry,
		rates:    rates,
		prices:   prices,
		log:      l.Logger().Named("commission"),
	}, nil
}

// Rates returns the configured rates.
func (e *Engine) Rates() Rates { return e.rates }

// Prices returns the package price list.
func (e *Engine) Prices() Prices { return e.prices }

// PurchaseInput is a purchase as reported by checkout. ID is generated when
// empty; Amount defaults to the package's list price.
type PurchaseInput struct {
	ID      ledger.PurchaseID
	BuyerID ledger.UserID
	Package ledger.Package
	Amount  decimal.Decimal
}

// Result is what a purchase produced.
type Result struct {
	Purchase ledger.Purchase
	Earnings []ledger.EarningRecord
}

// Total returns the sum of all commission in the result.
func (r Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Earnings {
		total = total.Add(e.CommissionAmount)
	}
	return total
}

// =============================================================================
// APPLY
// =============================================================================

// Apply records the purchase and its commissions atomically.
func (e *Engine) Apply(ctx context.Context, in PurchaseInput) (*Result, error) {
	return e.ApplyWith(ctx, in, nil)
}

// ApplyWith is Apply with a hook that commits or aborts together with the
// purchase. hook may be nil.
func (e *Engine) ApplyWith(ctx context.Context, in PurchaseInput, hook TxHook) (*Result, error) {
	purchase, err := e.purchase(in)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		res, err := e.apply(ctx, purchase, hook)
		if errors.Is(err, ErrUplineChanged) {
			if attempt < applyAttempts {
				e.log.Debug("upline changed, retrying", zap.String("purchase", string(purchase.ID)))
				continue
			}
			e.log.Warn("upline kept changing, giving up",
				zap.String("purchase", string(purchase.ID)), zap.Int("attempts", attempt))
			return nil, fmt.Errorf("purchase %s: %w", purchase.ID, err)
		}
		if err != nil {
			if ledger.IsIntegrity(err) {
				e.ledger.Anomaly(err, "purchase rejected",
					zap.String("purchase", string(purchase.ID)), zap.String("buyer", string(purchase.BuyerID)))
			}
			return nil, err
		}

		metrics.PurchasesTotal.WithLabelValues(string(purchase.Package)).Inc()
		for _, r := range res.Earnings {
			metrics.CommissionAmount.WithLabelValues(string(r.Kind)).Add(r.CommissionAmount.InexactFloat64())
		}
		e.log.Info("purchase recorded",
			zap.String("purchase", string(purchase.ID)),
			zap.String("buyer", string(purchase.BuyerID)),
			zap.String("package", string(purchase.Package)),
			zap.String("amount", purchase.Amount.StringFixed(ledger.MoneyPlaces)),
			zap.Int("earnings", len(res.Earnings)))
		return res, nil
	}
}

func (e *Engine) apply(ctx context.Context, purchase ledger.Purchase, hook TxHook) (*Result, error) {
	guess, err := e.ancestry.Ancestors(ctx, purchase.BuyerID, MaxDepth)
	if err != nil {
		return nil, err
	}
	users := append([]ledger.UserID{purchase.BuyerID}, guess...)

	var res *Result
	err = e.ledger.Mutate(ctx, users, func(s ledger.Store) error {
		if _, err := s.GetPurchase(ctx, purchase.ID); err == nil {
			return &ledger.DuplicatePurchaseError{PurchaseID: purchase.ID}
		} else if !ledger.IsNotFound(err) {
			return fmt.Errorf("check purchase: %w", err)
		}

		buyer, upline, err := loadUpline(ctx, s, purchase.BuyerID)
		if err != nil {
			return err
		}
		if !sameIDs(upline, guess) {
			return ErrUplineChanged
		}

		records, err := Compute(purchase, upline, e.rates, e.ledger.Now())
		if err != nil {
			return err
		}

		if err := s.InsertPurchase(ctx, purchase); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				return &ledger.DuplicatePurchaseError{PurchaseID: purchase.ID}
			}
			return fmt.Errorf("insert purchase: %w", err)
		}
		if err := e.ledger.RecordEarningsTx(ctx, s, records); err != nil {
			return err
		}
		if upgraded := buyer.Package.Max(purchase.Package); upgraded != buyer.Package {
			if err := s.SetUserPackage(ctx, buyer.ID, upgraded); err != nil {
				return fmt.Errorf("upgrade buyer package: %w", err)
			}
		}

		out := &Result{Purchase: purchase, Earnings: records}
		if hook != nil {
			if err := hook(s, out); err != nil {
				return err
			}
		}
		res = out
		return nil
	})
	return res, err
}

// loadUpline reads the buyer and up to MaxDepth ancestors from the store.
func loadUpline(ctx context.Context, s ledger.Store, buyerID ledger.UserID) (*ledger.User, []ledger.User, error) {
	buyer, err := s.GetUser(ctx, buyerID)
	if err != nil {
		return nil, nil, fmt.Errorf("buyer %s: %w", buyerID, err)
	}
	var upline []ledger.User
	cur := buyer
	for len(upline) < MaxDepth && cur.ReferrerID != nil {
		next, err := s.GetUser(ctx, *cur.ReferrerID)
		if err != nil {
			return nil, nil, fmt.Errorf("referrer %s: %w", *cur.ReferrerID, err)
		}
		upline = append(upline, *next)
		cur = next
	}
	return buyer, upline, nil
}

func sameIDs(users []ledger.User, ids []ledger.UserID) bool {
	if len(users) != len(ids) {
		return false
	}
	for i := range users {
		if users[i].ID != ids[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview computes the earnings a purchase would create without writing.
func (e *Engine) Preview(ctx context.Context, in PurchaseInput) (*Result, error) {
	purchase, err := e.purchase(in)
	if err != nil {
		return nil, err
	}
	_, upline, err := loadUpline(ctx, e.ledger.Store(), purchase.BuyerID)
	if err != nil {
		return nil, err
	}
	records, err := Compute(purchase, upline, e.rates, e.ledger.Now())
	if err != nil {
		return nil, err
	}
	return &Result{Purchase: purchase, Earnings: records}, nil
}

// =============================================================================
// COMPUTE
// =============================================================================

func (e *Engine) purchase(in PurchaseInput) (ledger.Purchase, error) {
	if in.BuyerID == "" {
		return ledger.Purchase{}, &ledger.InputError{Field: "buyer_id", Reason: "required"}
	}
	pkg, err := ledger.ParsePackage(string(in.Package))
	if err != nil {
		return ledger.Purchase{}, err
	}
	if pkg == ledger.PackageNone {
		return ledger.Purchase{}, &ledger.InputError{Field: "package", Reason: "required"}
	}
	if in.Amount.IsNegative() || !in.Amount.Equal(ledger.RoundMoney(in.Amount)) {
		return ledger.Purchase{}, &ledger.InputError{Field: "amount", Reason: "must be a non-negative amount with at most 2 decimals"}
	}
	amount, err := e.prices.Resolve(pkg, in.Amount)
	if err != nil {
		return ledger.Purchase{}, err
	}
	id := in.ID
	if id == "" {
		id = ledger.PurchaseID(uuid.NewString())
	}
	return ledger.Purchase{
		ID:        id,
		BuyerID:   in.BuyerID,
		Package:   pkg,
		Amount:    amount,
		CreatedAt: e.ledger.Now(),
	}, nil
}

// Compute builds the earning records for a purchase. upline is the buyer's
// ancestors, nearest first; entries past MaxDepth are ignored.
func Compute(p ledger.Purchase, upline []ledger.User, rates Rates, at time.Time) ([]ledger.EarningRecord, error) {
	if len(upline) > MaxDepth {
		upline = upline[:MaxDepth]
	}
	if slices.ContainsFunc(upline, func(u ledger.User) bool { return u.ID == p.BuyerID }) {
		return nil, &ledger.InvalidStateError{PurchaseID: p.ID, Reason: "buyer appears in its own upline"}
	}

	var records []ledger.EarningRecord
	total := decimal.Zero
	for depth, beneficiary := range upline {
		kind, rate := ledger.EarningDirect, rates.Direct
		if depth == 1 {
			kind, rate = ledger.EarningTeam, rates.TeamRate(beneficiary.Package)
		}
		amount := ledger.RoundMoney(p.Amount.Mul(rate))
		if !amount.IsPositive() {
			continue
		}
		total = total.Add(amount)
		records = append(records, ledger.EarningRecord{
			ID:               ledger.EarningID(uuid.NewString()),
			BeneficiaryID:    beneficiary.ID,
			SourcePurchaseID: p.ID,
			Kind:             kind,
			GrossAmount:      p.Amount,
			CommissionRate:   rate,
			CommissionAmount: amount,
			Status:           ledger.EarningPending,
			CreatedAt:        at,
		})
	}

	if total.GreaterThan(p.Amount) {
		return nil, &ledger.InvalidStateError{PurchaseID: p.ID,
			Reason: fmt.Sprintf("commission %s exceeds amount %s", total, p.Amount)}
	}
	return records, nil
}
