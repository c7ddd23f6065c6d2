package commission

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/ledger"
)

// MaxDepth is how far up the referral tree a purchase pays out.
const MaxDepth = 2

// Rates are the commission fractions applied to a purchase amount.
type Rates struct {
	// Direct is paid to the buyer's referrer (depth 1).
	Direct decimal.Decimal
	// Team is paid to the referrer's referrer (depth 2), keyed by that
	// user's own package. Packages missing from the map earn nothing.
	Team map[ledger.Package]decimal.Decimal
}

func DefaultRates() Rates {
	return Rates{
		Direct: decimal.RequireFromString("0.58"),
		Team: map[ledger.Package]decimal.Decimal{
			ledger.PackageBasic: decimal.RequireFromString("0.12"),
			ledger.PackagePro:   decimal.RequireFromString("0.17"),
		},
	}
}

// TeamRate returns the depth-2 rate for a beneficiary holding pkg.
func (r Rates) TeamRate(pkg ledger.Package) decimal.Decimal {
	if rate, ok := r.Team[pkg]; ok {
		return rate
	}
	return decimal.Zero
}

// Validate checks every rate is in [0,1) and that a purchase can never pay
// out more than its amount.
func (r Rates) Validate() error {
	if err := checkRate("direct", r.Direct); err != nil {
		return err
	}
	maxTeam := decimal.Zero
	for pkg, rate := range r.Team {
		if err := checkRate("team."+string(pkg), rate); err != nil {
			return err
		}
		maxTeam = decimal.Max(maxTeam, rate)
	}
	if r.Direct.Add(maxTeam).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &ledger.InputError{Field: "rates",
			Reason: fmt.Sprintf("direct %s + team %s must stay below 1", r.Direct, maxTeam)}
	}
	return nil
}

func checkRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &ledger.InputError{Field: "rate." + name, Reason: "must be in [0, 1)"}
	}
	return nil
}

// Prices is the package price list shown at checkout.
type Prices map[ledger.Package]decimal.Decimal

func DefaultPrices() Prices {
	return Prices{
		ledger.PackageBasic: ledger.MustMoney("1499"),
		ledger.PackagePro:   ledger.MustMoney("2999"),
	}
}

// Resolve returns the amount to charge for pkg. A zero amount means "use
// the list price"; any other amount must match it.
func (p Prices) Resolve(pkg ledger.Package, amount decimal.Decimal) (decimal.Decimal, error) {
	price, ok := p[pkg]
	if !ok {
		return decimal.Zero, &ledger.InputError{Field: "package", Reason: fmt.Sprintf("%q is not for sale", pkg)}
	}
	if amount.IsZero() {
		return price, nil
	}
	if !amount.Equal(price) {
		return decimal.Zero, &ledger.InputError{Field: "amount",
			Reason: fmt.Sprintf("%s costs %s, got %s", pkg, price.StringFixed(ledger.MoneyPlaces), amount.StringFixed(ledger.MoneyPlaces))}
	}
	return price, nil
}
