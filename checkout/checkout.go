/*
Package checkout gates purchases behind payment orders.

FLOW:
  CreateOrder  buyer picks a package            -> created
  Confirm      payment rail or admin reports PAID  created -> paid
  Fail         payment rail or admin reports failure  created -> failed

  A purchase, its commissions and the buyer's package upgrade are written
  only by Confirm, in the same transaction that marks the order paid. The
  order id becomes the purchase id, so a confirmation replayed by the rail
  is rejected as a duplicate purchase and pays nothing twice.

AMOUNTS:
  The order amount is the package list price at creation. Buyers never
  choose it.

SEE ALSO:
  - commission/engine.go: ApplyWith
*/
package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/metrics"
)

type Checkout struct {
	ledger *ledger.Ledger
	engine *commission.Engine
	log    *zap.Logger
}

func New(l *ledger.Ledger, engine *commission.Engine) *Checkout {
	return &Checkout{ledger: l, engine: engine, log: l.Logger().Named("checkout")}
}

// CreateOrder opens a payment order for buyerID at the package list price.
func (c *Checkout) CreateOrder(ctx context.Context, buyerID ledger.UserID, pkg ledger.Package) (*ledger.PaymentOrder, error) {
	if buyerID == "" {
		return nil, &ledger.InputError{Field: "buyer_id", Reason: "required"}
	}
	pkg, err := ledger.ParsePackage(string(pkg))
	if err != nil {
		return nil, err
	}
	if pkg == ledger.PackageNone {
		return nil, &ledger.InputError{Field: "package", Reason: "required"}
	}
	amount, err := c.engine.Prices().Resolve(pkg, decimal.Zero)
	if err != nil {
		return nil, err
	}

	order := ledger.PaymentOrder{
		ID:        ledger.OrderID(uuid.NewString()),
		BuyerID:   buyerID,
		Package:   pkg,
		Amount:    amount,
		Status:    ledger.OrderCreated,
		CreatedAt: c.ledger.Now(),
	}
	err = c.ledger.Mutate(ctx, []ledger.UserID{buyerID}, func(s ledger.Store) error {
		buyer, err := s.GetUser(ctx, buyerID)
		if err != nil {
			return fmt.Errorf("buyer %s: %w", buyerID, err)
		}
		if !buyer.Active {
			return &ledger.InputError{Field: "buyer_id", Reason: "account is deactivated"}
		}
		return s.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(ledger.OrderCreated)).Inc()
	c.log.Info("order created",
		zap.String("order", string(order.ID)),
		zap.String("buyer", string(buyerID)),
		zap.String("package", string(pkg)),
		zap.String("amount", amount.StringFixed(ledger.MoneyPlaces)))
	return &order, nil
}

func (c *Checkout) Order(ctx context.Context, id ledger.OrderID) (*ledger.PaymentOrder, error) {
	return c.ledger.Store().GetOrder(ctx, id)
}

func (c *Checkout) Orders(ctx context.Context, f ledger.OrderFilter) ([]ledger.PaymentOrder, error) {
	return c.ledger.Store().ListOrders(ctx, f)
}

// Confirm marks a created order paid and records its purchase. by names the
// admin or rail that reported the payment.
func (c *Checkout) Confirm(ctx context.Context, id ledger.OrderID, by string) (*ledger.PaymentOrder, *commission.Result, error) {
	order, err := c.Order(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("order %s: %w", id, err)
	}
	if err := checkCreated(order, ledger.OrderPaid); err != nil {
		c.anomaly(err, id)
		return nil, nil, err
	}

	var paid *ledger.PaymentOrder
	res, err := c.engine.ApplyWith(ctx, commission.PurchaseInput{
		ID:      ledger.PurchaseID(order.ID),
		BuyerID: order.BuyerID,
		Package: order.Package,
		Amount:  order.Amount,
	}, func(s ledger.Store, res *commission.Result) error {
		current, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := checkCreated(current, ledger.OrderPaid); err != nil {
			return err
		}
		now := c.ledger.Now()
		current.Status = ledger.OrderPaid
		current.PurchaseID = res.Purchase.ID
		current.SettledAt = &now
		current.SettledBy = by
		if err := s.UpdateOrder(ctx, *current); err != nil {
			return err
		}
		paid = current
		return nil
	})
	if err != nil {
		// The engine already reported integrity errors.
		return nil, nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(ledger.OrderPaid)).Inc()
	c.log.Info("order paid",
		zap.String("order", string(id)),
		zap.String("buyer", string(paid.BuyerID)),
		zap.String("by", by),
		zap.String("commission", res.Total().StringFixed(ledger.MoneyPlaces)))
	return paid, res, nil
}

// Fail closes a created order without a purchase.
func (c *Checkout) Fail(ctx context.Context, id ledger.OrderID, by, reason string) (*ledger.PaymentOrder, error) {
	order, err := c.Order(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}

	var out *ledger.PaymentOrder
	err = c.ledger.Mutate(ctx, []ledger.UserID{order.BuyerID}, func(s ledger.Store) error {
		current, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := checkCreated(current, ledger.OrderFailed); err != nil {
			return err
		}
		now := c.ledger.Now()
		current.Status = ledger.OrderFailed
		current.SettledAt = &now
		current.SettledBy = by
		current.Reason = reason
		if err := s.UpdateOrder(ctx, *current); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		c.anomaly(err, id)
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(ledger.OrderFailed)).Inc()
	c.log.Info("order failed", zap.String("order", string(id)), zap.String("by", by), zap.String("reason", reason))
	return out, nil
}

func checkCreated(o *ledger.PaymentOrder, to ledger.OrderStatus) error {
	if o.Status == ledger.OrderCreated {
		return nil
	}
	return &ledger.InvalidTransitionError{Subject: "order", ID: string(o.ID),
		From: string(o.Status), To: string(to), Reason: "order already settled"}
}

func (c *Checkout) anomaly(err error, id ledger.OrderID) {
	if ledger.IsIntegrity(err) {
		c.ledger.Anomaly(err, "order transition rejected", zap.String("order", string(id)))
	}
}
