package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/notify"
	"topshot-backend/internal/repo"
)

// CallbackService consumes inbound gateway notifications and turns them into
// idempotent, atomic order transitions. ApplySettlement is shared with the
// reconciliation worker so the side effects (stock decrement, notification)
// have exactly one path in.
type CallbackService interface {
	HandleCallback(ctx context.Context, raw []byte) error
	ApplySettlement(ctx context.Context, order *domain.Order, st *mpesa.Settlement, raw []byte) error
}

type callbackService struct {
	orders   repo.OrderRepo
	books    repo.BookRepo
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewCallbackService(orders repo.OrderRepo, books repo.BookRepo, notifier notify.Notifier, logger *slog.Logger) CallbackService {
	return &callbackService{orders: orders, books: books, notifier: notifier, logger: logger}
}

// HandleCallback parses the payload, resolves the order, and applies the
// settlement. A nil return means the caller should acknowledge the gateway;
// only mpesa.ErrMalformedCallback signals an unusable payload.
func (s *callbackService) HandleCallback(ctx context.Context, raw []byte) error {
	st, err := mpesa.ParseCallback(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "unparseable gateway callback", "err", err, "size", len(raw))
		return err
	}

	order, err := s.resolveOrder(ctx, st)
	if err != nil {
		return err
	}
	if order == nil {
		// the gateway must never be made to retry over an unresolvable
		// reference; log the anomaly and acknowledge
		s.logger.WarnContext(ctx, "callback matches no order",
			"checkout_request_id", st.CheckoutRequestID,
			"account_reference", st.AccountReference,
			"result_code", st.ResultCode,
		)
		return nil
	}

	return s.ApplySettlement(ctx, order, st, raw)
}

// resolveOrder tries the primary correlation key first, then the secondary
// account reference (historically the order id itself).
func (s *callbackService) resolveOrder(ctx context.Context, st *mpesa.Settlement) (*domain.Order, error) {
	if st.CheckoutRequestID != "" {
		order, err := s.orders.FindByCheckoutRequestID(ctx, st.CheckoutRequestID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}
	if st.AccountReference != "" {
		if id, err := uuid.Parse(st.AccountReference); err == nil {
			return s.orders.FindByID(ctx, id)
		}
	}
	return nil, nil
}

// ApplySettlement is the core transition. The idempotency gate and the move
// into PAID are enforced by a single conditional update on the order row:
// only the call that wins that update runs the side effects.
func (s *callbackService) ApplySettlement(ctx context.Context, order *domain.Order, st *mpesa.Settlement, raw []byte) error {
	if order.PaymentStatus == domain.PaymentPaid || order.PaymentStatus == domain.PaymentRefunded {
		s.logger.InfoContext(ctx, "duplicate settlement delivery ignored",
			"order_id", order.ID,
			"checkout_request_id", st.CheckoutRequestID,
			"payment_status", order.PaymentStatus,
		)
		return nil
	}

	if !st.Succeeded() {
		reason := st.ResultDesc
		if reason == "" {
			reason = "payment failed"
		}
		applied, err := s.orders.MarkFailed(ctx, order.ID, reason, raw)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "settlement failure recorded",
			"order_id", order.ID,
			"checkout_request_id", st.CheckoutRequestID,
			"result_code", st.ResultCode,
			"applied", applied,
		)
		return nil
	}

	settlement, err := json.Marshal(st.Metadata)
	if err != nil {
		settlement = nil
	}
	applied, err := s.orders.MarkPaid(ctx, order.ID, settlement, raw)
	if err != nil {
		return err
	}
	if !applied {
		// lost the race against a concurrent delivery, or the order already
		// settled FAILED; either way no side effects belong to this call
		s.logger.InfoContext(ctx, "settlement not applied",
			"order_id", order.ID,
			"checkout_request_id", st.CheckoutRequestID,
		)
		return nil
	}

	order.PaymentStatus = domain.PaymentPaid
	order.Payment.Settlement = st.Metadata
	order.Payment.CallbackPayload = raw

	s.decrementStock(ctx, order)

	s.logger.InfoContext(ctx, "order paid",
		"order_id", order.ID,
		"checkout_request_id", st.CheckoutRequestID,
		"total", order.Total,
	)

	// fire-and-forget: notification failure must not affect the outcome
	notified := *order
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.OrderPaid(nctx, &notified); err != nil {
			s.logger.WarnContext(nctx, "paid notification failed", "order_id", notified.ID, "err", err)
		}
	}()

	return nil
}

// decrementStock applies one atomic decrement per line item. This runs only
// on the call that won the PAID transition, so N deliveries of the same
// callback decrement stock exactly once. An insufficient decrement here
// means the creation-time availability check raced another order; the money
// already moved, so it is logged as an oversell anomaly, not a failure.
func (s *callbackService) decrementStock(ctx context.Context, order *domain.Order) {
	for _, it := range order.Items {
		ok, err := s.books.DecrementStock(ctx, it.BookID, it.Qty)
		if err != nil {
			s.logger.ErrorContext(ctx, "stock decrement failed",
				"order_id", order.ID, "book_id", it.BookID, "qty", it.Qty, "err", err)
			continue
		}
		if !ok {
			s.logger.WarnContext(ctx, "oversell detected at settlement",
				"order_id", order.ID, "book_id", it.BookID, "qty", it.Qty)
		}
	}
}
