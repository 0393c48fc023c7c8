package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/notify"
	"topshot-backend/internal/repo"
	"topshot-backend/internal/service"
)

// stubOrderRepo embeds the interface and overrides only what the sweep and
// the settlement path touch.
type stubOrderRepo struct {
	repo.OrderRepo

	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
}

func (r *stubOrderRepo) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.PaymentStatus == domain.PaymentPending && o.Payment.CheckoutRequestID != "" {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *stubOrderRepo) MarkPaid(ctx context.Context, id uuid.UUID, settlement, rawCallback []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentPaid
	return true, nil
}

func (r *stubOrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, rawCallback []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentFailed
	o.Payment.FailureReason = reason
	return true, nil
}

type stubBookRepo struct {
	repo.BookRepo

	mu         sync.Mutex
	decrements int
}

func (r *stubBookRepo) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decrements++
	return true, nil
}

type stubGateway struct {
	mu      sync.Mutex
	results map[string]*mpesa.StkQueryResult
	queries int
}

func (g *stubGateway) InitiatePayment(ctx context.Context, phone string, amount float64, accountRef string) (*mpesa.StkPushResult, error) {
	panic("not used by the reconciler")
}

func (g *stubGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StkQueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	res, ok := g.results[checkoutRequestID]
	if !ok {
		return nil, &domain.GatewayRequestError{Op: "stk query", Detail: "still processing"}
	}
	return res, nil
}

func stuckOrder(ckid string) *domain.Order {
	return &domain.Order{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Items:             []domain.OrderItem{{BookID: uuid.New(), Title: "B1", UnitPrice: 500, Qty: 1}},
		Subtotal:          500,
		Total:             500,
		PaymentStatus:     domain.PaymentPending,
		FulfillmentStatus: domain.FulfillmentProcessing,
		Payment:           &domain.Payment{CheckoutRequestID: ckid},
		CreatedAt:         time.Now().Add(-time.Hour),
		UpdatedAt:         time.Now().Add(-time.Hour),
	}
}

func TestSweepSettlesStuckOrders(t *testing.T) {
	paid := stuckOrder("ws_CO_paid")
	failed := stuckOrder("ws_CO_failed")
	unknown := stuckOrder("ws_CO_unknown")

	orders := &stubOrderRepo{orders: map[uuid.UUID]*domain.Order{
		paid.ID: paid, failed.ID: failed, unknown.ID: unknown,
	}}
	books := &stubBookRepo{}
	gw := &stubGateway{results: map[string]*mpesa.StkQueryResult{
		"ws_CO_paid":   {ResultCode: 0, ResultDesc: "processed successfully"},
		"ws_CO_failed": {ResultCode: 1032, ResultDesc: "Request cancelled by user"},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	callbacks := service.NewCallbackService(orders, books, notify.NewLogNotifier(logger), logger)
	r := NewReconciler(orders, gw, callbacks, time.Minute, time.Minute, logger)

	require.NoError(t, r.sweep(context.Background()))

	assert.Equal(t, domain.PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, domain.PaymentFailed, failed.PaymentStatus)
	// query error leaves the order alone for the next sweep
	assert.Equal(t, domain.PaymentPending, unknown.PaymentStatus)
	assert.Equal(t, 1, books.decrements)
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	order := stuckOrder("ws_CO_1")
	orders := &stubOrderRepo{orders: map[uuid.UUID]*domain.Order{order.ID: order}}
	books := &stubBookRepo{}
	gw := &stubGateway{results: map[string]*mpesa.StkQueryResult{
		"ws_CO_1": {ResultCode: 0},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	callbacks := service.NewCallbackService(orders, books, notify.NewLogNotifier(logger), logger)
	r := NewReconciler(orders, gw, callbacks, time.Minute, time.Minute, logger)

	require.NoError(t, r.sweep(context.Background()))
	require.NoError(t, r.sweep(context.Background()))

	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, 1, books.decrements)
}
