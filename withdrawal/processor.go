/*
processor.go - Withdrawal request lifecycle

PURPOSE:
  Owns every withdrawal status change:

    Request  user asks for a payout           -> pending
    Cancel   user withdraws its own request   pending -> cancelled
    Decide   admin approves                   pending -> processing -> completed
             admin rejects                    pending|processing -> cancelled
    Settle   (re)try the payout rail          processing -> completed

CRITICAL INVARIANTS:
  1. MINIMUM FIRST: amount < MinWithdrawal fails with *BelowMinimumError
     before the balance is even read.
  2. NO OVERDRAFT: the balance check and the insert of the pending request
     happen in one transaction under the user's lock, so two concurrent
     requests cannot both spend the same money.
  3. NO SILENT ROLLBACK: a request whose payout keeps failing stays in
     processing and is flagged Stuck after MaxAttempts. Only an admin reject
     moves it to cancelled.
  4. ONE SETTLEMENT AT A TIME: a request whose payout call is in flight
     cannot be settled again or rejected.
  5. RE-VALIDATED AT SETTLEMENT: every payout attempt, including sweeper
     retries, re-reads the balance in a transaction first. A negative
     balance flags the request Stuck and the rail is never called.

SEE ALSO:
  - states.go: transition table
  - payout.go: payout rail
  - sweeper.go: background retries
*/
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/metrics"
)

// ErrSettlementDeferred means the request was approved but the payout did
// not complete yet. The sweeper will retry it.
var ErrSettlementDeferred = errors.New("settlement deferred")

// ErrSettlementInFlight means another goroutine is talking to the rail for
// this request right now.
var ErrSettlementInFlight = errors.New("settlement in flight")

// SettlementError carries the payout failure for a processing request.
type SettlementError struct {
	RequestID ledger.WithdrawalID
	Attempts  int
	Stuck     bool
	Err       error
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("withdrawal %s: payout attempt %d failed: %v", e.RequestID, e.Attempts, e.Err)
	if e.Stuck {
		msg += " (stuck, needs operator)"
	}
	return msg
}

func (e *SettlementError) Unwrap() []error { return []error{ErrSettlementDeferred, e.Err} }

type Config struct {
	MinWithdrawal decimal.Decimal
	PayoutTimeout time.Duration
	// RetryAfter is how long a request sits in processing before the
	// sweeper retries it.
	RetryAfter  time.Duration
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		MinWithdrawal: ledger.MustMoney("200"),
		PayoutTimeout: 30 * time.Second,
		RetryAfter:    5 * time.Minute,
		MaxAttempts:   5,
	}
}

type Processor struct {
	ledger *ledger.Ledger
	payout Payout
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	inflight map[ledger.WithdrawalID]bool
}

func NewProcessor(l *ledger.Ledger, payout Payout, cfg Config) *Processor {
	if payout == nil {
		payout = NoopPayout{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Processor{
		ledger:   l,
		payout:   payout,
		cfg:      cfg,
		log:      l.Logger().Named("withdrawal"),
		inflight: make(map[ledger.WithdrawalID]bool),
	}
}

// Config returns the processor settings.
func (p *Processor) Config() Config { return p.cfg }

// =============================================================================
// REQUEST / CANCEL
// =============================================================================

// Request creates a pending withdrawal of amount for userID.
func (p *Processor) Request(ctx context.Context, userID ledger.UserID, amount decimal.Decimal) (*ledger.WithdrawalRequest, error) {
	if userID == "" {
		return nil, &ledger.InputError{Field: "user_id", Reason: "required"}
	}
	if !amount.IsPositive() || !amount.Equal(ledger.RoundMoney(amount)) {
		return nil, &ledger.InputError{Field: "amount", Reason: "must be positive with at most 2 decimals"}
	}
	if amount.LessThan(p.cfg.MinWithdrawal) {
		return nil, &ledger.BelowMinimumError{Requested: amount, Minimum: p.cfg.MinWithdrawal}
	}

	req := ledger.WithdrawalRequest{
		ID:        ledger.WithdrawalID(uuid.NewString()),
		UserID:    userID,
		Amount:    amount,
		Status:    ledger.WithdrawalPending,
		CreatedAt: p.ledger.Now(),
	}

	err := p.ledger.Mutate(ctx, []ledger.UserID{userID}, func(s ledger.Store) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		if !user.Active {
			return &ledger.InputError{Field: "user_id", Reason: "account is deactivated"}
		}
		bal, err := ledger.BalanceOf(ctx, s, userID)
		if err != nil {
			return err
		}
		if !bal.CanWithdraw(amount) {
			return &ledger.InsufficientBalanceError{UserID: userID, Available: bal.Available, Requested: amount}
		}
		return s.InsertWithdrawal(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalTransitions.WithLabelValues(string(ledger.WithdrawalPending)).Inc()
	p.log.Info("withdrawal requested",
		zap.String("request", string(req.ID)),
		zap.String("user", string(userID)),
		zap.String("amount", amount.StringFixed(ledger.MoneyPlaces)))
	return &req, nil
}

// Cancel lets a user cancel its own pending request. A request belonging to
// someone else is reported as not found.
func (p *Processor) Cancel(ctx context.Context, userID ledger.UserID, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	var out *ledger.WithdrawalRequest
	err := p.ledger.Mutate(ctx, []ledger.UserID{userID}, func(s ledger.Store) error {
		w, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.UserID != userID {
			return fmt.Errorf("withdrawal %s: %w", id, ledger.ErrNotFound)
		}
		if w.Status != ledger.WithdrawalPending {
			return &ledger.InvalidTransitionError{Subject: "withdrawal", ID: string(id),
				From: string(w.Status), To: string(ledger.WithdrawalCancelled), Reason: "only pending requests can be cancelled by the user"}
		}
		now := p.ledger.Now()
		w.Status = ledger.WithdrawalCancelled
		w.DecidedAt = &now
		w.DecidedBy = string(userID)
		w.Reason = "cancelled by user"
		if err := s.UpdateWithdrawal(ctx, *w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		p.anomaly(err, id)
		return nil, err
	}
	metrics.WithdrawalTransitions.WithLabelValues(string(ledger.WithdrawalCancelled)).Inc()
	p.log.Info("withdrawal cancelled by user", zap.String("request", string(id)), zap.String("user", string(userID)))
	return out, nil
}

// =============================================================================
// DECIDE
// =============================================================================

// Decide applies an admin decision. On approve the payout is attempted right
// away; if it fails the request is returned together with a
// *SettlementError and stays in processing.
func (p *Processor) Decide(ctx context.Context, id ledger.WithdrawalID, outcome Outcome, adminID, reason string) (*ledger.WithdrawalRequest, error) {
	switch outcome {
	case Approve:
		w, err := p.approve(ctx, id, adminID)
		if err != nil {
			p.anomaly(err, id)
			return nil, err
		}
		return p.Settle(ctx, w.ID)
	case Reject:
		w, err := p.reject(ctx, id, adminID, reason)
		if err != nil {
			p.anomaly(err, id)
			return nil, err
		}
		return w, nil
	}
	return nil, &ledger.InputError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", outcome)}
}

func (p *Processor) approve(ctx context.Context, id ledger.WithdrawalID, adminID string) (*ledger.WithdrawalRequest, error) {
	var out *ledger.WithdrawalRequest
	err := p.mutateRequest(ctx, id, func(s ledger.Store, w *ledger.WithdrawalRequest) error {
		if err := checkTransition(w, ledger.WithdrawalProcessing); err != nil {
			return err
		}
		// The request is already reserved in the balance; a negative balance
		// here means the ledger was corrupted behind our back.
		bal, err := ledger.BalanceOf(ctx, s, w.UserID)
		if err != nil {
			return err
		}
		if bal.Available.IsNegative() {
			return &ledger.InvalidStateError{Reason: fmt.Sprintf("user %s balance is negative (%s)", w.UserID, bal.Available)}
		}

		now := p.ledger.Now()
		w.Status = ledger.WithdrawalProcessing
		w.DecidedAt = &now
		w.DecidedBy = adminID
		w.ProcessingSince = &now
		if err := s.UpdateWithdrawal(ctx, *w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalTransitions.WithLabelValues(string(ledger.WithdrawalProcessing)).Inc()
	p.log.Info("withdrawal approved", zap.String("request", string(id)), zap.String("admin", adminID))
	return out, nil
}

func (p *Processor) reject(ctx context.Context, id ledger.WithdrawalID, adminID, reason string) (*ledger.WithdrawalRequest, error) {
	if !p.claim(id) {
		return nil, &ledger.InvalidTransitionError{Subject: "withdrawal", ID: string(id),
			From: string(ledger.WithdrawalProcessing), To: string(ledger.WithdrawalCancelled), Reason: "payout in flight"}
	}
	defer p.release(id)

	var out *ledger.WithdrawalRequest
	var wasStuck bool
	err := p.mutateRequest(ctx, id, func(s ledger.Store, w *ledger.WithdrawalRequest) error {
		if err := checkTransition(w, ledger.WithdrawalCancelled); err != nil {
			return err
		}
		now := p.ledger.Now()
		wasStuck = w.Stuck
		w.Status = ledger.WithdrawalCancelled
		w.DecidedAt = &now
		w.DecidedBy = adminID
		w.Reason = reason
		w.Stuck = false
		if err := s.UpdateWithdrawal(ctx, *w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasStuck {
		metrics.StuckWithdrawals.Dec()
	}
	metrics.WithdrawalTransitions.WithLabelValues(string(ledger.WithdrawalCancelled)).Inc()
	p.log.Info("withdrawal rejected",
		zap.String("request", string(id)), zap.String("admin", adminID), zap.String("reason", reason))
	return out, nil
}

// =============================================================================
// SETTLE
// =============================================================================

// Settle calls the payout rail for a processing request and records the
// outcome. A failed call returns the updated request and a *SettlementError.
func (p *Processor) Settle(ctx context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	if !p.claim(id) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrSettlementInFlight)
	}
	defer p.release(id)

	w, err := p.revalidate(ctx, id)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.PayoutTimeout)
	receipt, payErr := p.payout.Send(callCtx, Order{RequestID: w.ID, UserID: w.UserID, Amount: w.Amount})
	cancel()

	var out *ledger.WithdrawalRequest
	var flagged bool
	err = p.mutateRequest(ctx, id, func(s ledger.Store, w *ledger.WithdrawalRequest) error {
		if w.Status != ledger.WithdrawalProcessing {
			return checkTransition(w, ledger.WithdrawalCompleted)
		}
		w.Attempts++
		if payErr == nil {
			now := p.ledger.Now()
			w.Status = ledger.WithdrawalCompleted
			w.CompletedAt = &now
			w.PayoutReference = receipt.Reference
			w.LastError = ""
			flagged = w.Stuck
			w.Stuck = false
		} else {
			w.LastError = payErr.Error()
			if !w.Stuck && w.Attempts >= p.cfg.MaxAttempts {
				w.Stuck = true
				flagged = true
			}
		}
		if err := s.UpdateWithdrawal(ctx, *w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		// The rail may have paid already. The request stays in processing
		// and the idempotency key protects the next attempt.
		p.log.Error("failed to record payout result",
			zap.String("request", string(id)), zap.NamedError("payout_error", payErr), zap.Error(err))
		return nil, err
	}

	if payErr == nil {
		if flagged {
			metrics.StuckWithdrawals.Dec()
		}
		metrics.PayoutAttempts.WithLabelValues("ok").Inc()
		metrics.WithdrawalTransitions.WithLabelValues(string(ledger.WithdrawalCompleted)).Inc()
		p.log.Info("withdrawal completed",
			zap.String("request", string(id)),
			zap.String("reference", out.PayoutReference),
			zap.Int("attempts", out.Attempts))
		return out, nil
	}

	metrics.PayoutAttempts.WithLabelValues("error").Inc()
	if flagged {
		metrics.StuckWithdrawals.Inc()
		p.log.Warn("withdrawal stuck in processing",
			zap.String("request", string(id)),
			zap.String("user", string(out.UserID)),
			zap.Int("attempts", out.Attempts),
			zap.Error(payErr))
	} else {
		p.log.Warn("payout failed, will retry",
			zap.String("request", string(id)), zap.Int("attempts", out.Attempts), zap.Error(payErr))
	}
	return out, &SettlementError{RequestID: id, Attempts: out.Attempts, Stuck: out.Stuck, Err: payErr}
}

// revalidate re-reads the request and the owner's balance before every
// payout call. The reservation is already counted, so a negative available
// balance means the ledger changed under the request: it is flagged Stuck
// and the rail is not called.
func (p *Processor) revalidate(ctx context.Context, id ledger.WithdrawalID) (*ledger.WithdrawalRequest, error) {
	var out *ledger.WithdrawalRequest
	var corrupt *ledger.InvalidStateError
	var flagged bool
	err := p.mutateRequest(ctx, id, func(s ledger.Store, w *ledger.WithdrawalRequest) error {
		if w.Status != ledger.WithdrawalProcessing {
			return checkTransition(w, ledger.WithdrawalCompleted)
		}
		bal, err := ledger.BalanceOf(ctx, s, w.UserID)
		if err != nil {
			return err
		}
		if !bal.Available.IsNegative() {
			out = w
			return nil
		}
		corrupt = &ledger.InvalidStateError{Reason: fmt.Sprintf("user %s balance is negative (%s) at settlement",
			w.UserID, bal.Available.StringFixed(ledger.MoneyPlaces))}
		w.LastError = corrupt.Error()
		if !w.Stuck {
			w.Stuck = true
			flagged = true
		}
		return s.UpdateWithdrawal(ctx, *w)
	})
	if err != nil {
		return nil, err
	}
	if corrupt != nil {
		if flagged {
			metrics.StuckWithdrawals.Inc()
		}
		p.ledger.Anomaly(corrupt, "payout refused", zap.String("request", string(id)))
		return nil, corrupt
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutateRequest loads the request under its owner's lock and runs fn in
// one transaction.
func (p *Processor) mutateRequest(ctx context.Context, id ledger.WithdrawalID, fn func(ledger.Store, *ledger.WithdrawalRequest) error) error {
	// The owner never changes, so it is safe to read it before locking.
	w, err := p.ledger.Store().GetWithdrawal(ctx, id)
	if err != nil {
		return fmt.Errorf("withdrawal %s: %w", id, err)
	}
	return p.ledger.Mutate(ctx, []ledger.UserID{w.UserID}, func(s ledger.Store) error {
		current, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		return fn(s, current)
	})
}

func (p *Processor) claim(id ledger.WithdrawalID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Processor) release(id ledger.WithdrawalID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Processor) anomaly(err error, id ledger.WithdrawalID) {
	if ledger.IsIntegrity(err) {
		p.ledger.Anomaly(err, "withdrawal transition rejected", zap.String("request", string(id)))
	}
}
