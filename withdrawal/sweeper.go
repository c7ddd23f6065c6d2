/*
sweeper.go - Background settlement retries

PURPOSE:
  Approved requests whose payout failed stay in processing. The sweeper
  periodically picks up those that have been processing for longer than
  RetryAfter and calls Settle again.

STUCK REQUESTS:
  After MaxAttempts failed payouts a request is flagged Stuck. The sweeper
  stops retrying it and reports it (warning log + gauge) until an operator
  rejects it or settles it by hand through the admin API.

USAGE:
  sw := withdrawal.NewSweeper(processor, time.Minute)
  g.Go(func() error { return sw.Run(ctx) })

SEE ALSO:
  - processor.go: Settle
*/
package withdrawal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/metrics"
)

type Sweeper struct {
	processor *Processor
	interval  time.Duration
	log       *zap.Logger
}

func NewSweeper(p *Processor, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{processor: p, interval: interval, log: p.log.Named("sweeper")}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Retried   int
	Completed int
	Failed    int
	Stuck     int
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		return
	}
	if report.Retried > 0 || report.Stuck > 0 {
		s.log.Info("sweep completed",
			zap.Int("retried", report.Retried),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("stuck", report.Stuck))
	}
}

// SweepOnce retries every eligible processing request once.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	p := s.processor

	cutoff := p.ledger.Now().Add(-p.cfg.RetryAfter)
	due, err := p.ledger.Store().ListWithdrawals(ctx, ledger.WithdrawalFilter{
		Statuses:         []ledger.WithdrawalStatus{ledger.WithdrawalProcessing},
		ProcessingBefore: &cutoff,
	})
	if err != nil {
		return report, err
	}

	for _, w := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if w.Stuck {
			continue
		}
		report.Retried++
		_, err := p.Settle(ctx, w.ID)
		switch {
		case err == nil:
			report.Completed++
		case errors.Is(err, ErrSettlementInFlight):
			report.Retried--
		default:
			report.Failed++
		}
	}

	stuck, err := p.ledger.Store().ListWithdrawals(ctx, ledger.WithdrawalFilter{
		Statuses: []ledger.WithdrawalStatus{ledger.WithdrawalProcessing},
	})
	if err != nil {
		return report, err
	}
	for _, w := range stuck {
		if w.Stuck {
			report.Stuck++
			s.log.Warn("withdrawal stuck in processing",
				zap.String("request", string(w.ID)),
				zap.String("user", string(w.UserID)),
				zap.Int("attempts", w.Attempts),
				zap.String("last_error", w.LastError))
		}
	}
	metrics.StuckWithdrawals.Set(float64(report.Stuck))
	return report, nil
}
