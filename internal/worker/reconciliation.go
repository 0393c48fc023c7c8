package worker

import (
	"context"
	"log/slog"
	"time"

	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/repo"
	"topshot-backend/internal/service"
)

const sweepBatchSize = 50

// Reconciler periodically settles orders whose callback never arrived: it
// asks the gateway for the truth about each stuck PENDING attempt and pushes
// the answer through the same settlement path the callback endpoint uses, so
// stock decrement and notification stay exactly-once.
type Reconciler struct {
	orders    repo.OrderRepo
	gateway   mpesa.Gateway
	callbacks service.CallbackService
	interval  time.Duration
	after     time.Duration
	logger    *slog.Logger
}

func NewReconciler(
	orders repo.OrderRepo,
	gateway mpesa.Gateway,
	callbacks service.CallbackService,
	interval, after time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		orders:    orders,
		gateway:   gateway,
		callbacks: callbacks,
		interval:  interval,
		after:     after,
		logger:    logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation worker started", "interval", r.interval, "after", r.after)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "err", err)
			}
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) error {
	stuck, err := r.orders.FindStuckPending(ctx, r.after, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	r.logger.Info("reconciling stuck orders", "count", len(stuck))

	for i := range stuck {
		order := &stuck[i]
		ckid := order.Payment.CheckoutRequestID
		if ckid == "" {
			continue
		}

		res, err := r.gateway.QueryStatus(ctx, ckid)
		if err != nil {
			// the gateway may still be processing this attempt; next sweep
			r.logger.Warn("status query failed",
				"order_id", order.ID, "checkout_request_id", ckid, "err", err)
			continue
		}

		st := &mpesa.Settlement{
			CheckoutRequestID: ckid,
			ResultCode:        res.ResultCode,
			ResultDesc:        res.ResultDesc,
		}
		if err := r.callbacks.ApplySettlement(ctx, order, st, res.Raw); err != nil {
			r.logger.Error("reconciliation settle failed",
				"order_id", order.ID, "checkout_request_id", ckid, "err", err)
		}
	}
	return nil
}
