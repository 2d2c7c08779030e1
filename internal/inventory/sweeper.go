package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/yuhenglin/cardvault-backend/pkg/logger"
	"github.com/yuhenglin/cardvault-backend/pkg/metrics"
)

// paidOrderChecker answers whether a paid order owns a trade number.
type paidOrderChecker interface {
	HasPaidOrder(ctx context.Context, tradeNo string) (bool, error)
}

// Sweeper returns cards stuck in reserved back to the pool. A reservation can
// only go stale if the process died between the claim and the ledger commit;
// under normal operation every claim is resolved in the same transaction.
type Sweeper struct {
	store   *Store
	orders  paidOrderChecker
	logger  *logger.Logger
	metrics *metrics.SweepJobMetrics
	ttl     time.Duration
}

// SweeperParams bundles the dependencies required to build a sweeper.
type SweeperParams struct {
	Store   *Store
	Orders  paidOrderChecker
	Logger  *logger.Logger
	Metrics *metrics.SweepJobMetrics
	TTL     time.Duration
}

// NewSweeper constructs a stale-reservation sweeper.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("card store is required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order checker is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewSweepJobMetrics(nil)
	}
	if params.TTL <= 0 {
		params.TTL = 30 * time.Minute
	}
	return &Sweeper{
		store:   params.Store,
		orders:  params.Orders,
		logger:  params.Logger,
		metrics: params.Metrics,
		ttl:     params.TTL,
	}, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.metrics.IncFailure()
				s.logger.Error(ctx, "reservation sweep failed", err)
			}
		}
	}
}

// SweepOnce releases every stale reserved card whose trade number has no paid
// order. Per-card failures are collected so one bad row cannot stall the rest
// of the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveDuration(time.Since(start))
	}()

	cutoff := time.Now().UTC().Add(-s.ttl)
	stale, err := s.store.ListStaleReserved(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var errs error
	released := 0
	for _, card := range stale {
		tradeNo := tradeNoFromTag(card.ReservationTag)
		if tradeNo != "" {
			paid, err := s.orders.HasPaidOrder(ctx, tradeNo)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if paid {
				// Owned by a committed order; the card is mid-finalization
				// or evidence of a bug, never ours to release.
				s.logger.Warn(s.logger.WithTradeNo(ctx, tradeNo), "reserved card owned by a paid order left in place")
				continue
			}
		}
		if err := s.store.Release(ctx, card.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		released++
	}

	if released > 0 {
		s.metrics.AddReleased(released)
		s.logger.Info(s.logger.WithField(ctx, "released", released), "stale reservations released")
	}
	return released, errs
}

// tradeNoFromTag strips the claim sequence suffix from a reservation tag.
// Tags are {trade_no}_{index}; the trade number keeps everything before the
// final underscore.
func tradeNoFromTag(tag *string) string {
	if tag == nil {
		return ""
	}
	idx := strings.LastIndex(*tag, "_")
	if idx <= 0 {
		return ""
	}
	return (*tag)[:idx]
}
