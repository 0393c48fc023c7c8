package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/repo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memOrderRepo mirrors the conditional-update semantics of the SQL repo
// under a mutex, so the services can be exercised under real goroutine
// concurrency without a database.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[uuid.UUID]*domain.Order)}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	return &c
}

func (r *memOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return errors.New("duplicate order id")
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return cloneOrder(o), nil
}

func (r *memOrderRepo) FindByCheckoutRequestID(ctx context.Context, ref string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Payment != nil && o.Payment.CheckoutRequestID == ref {
			return cloneOrder(o), nil
		}
	}
	return nil, nil
}

func (r *memOrderRepo) AttachInitiation(ctx context.Context, id uuid.UUID, merchantReqID, checkoutReqID string, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Payment.MerchantRequestID = merchantReqID
	o.Payment.CheckoutRequestID = checkoutReqID
	o.Payment.InitiateResponse = raw
	o.UpdatedAt = time.Now()
	return nil
}

func (r *memOrderRepo) MarkInitiationFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.PaymentStatus == domain.PaymentPending {
		o.PaymentStatus = domain.PaymentFailed
		o.Payment.FailureReason = reason
	}
	return nil
}

func (r *memOrderRepo) MarkPaid(ctx context.Context, id uuid.UUID, settlement, rawCallback []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentPaid
	o.Payment.CallbackPayload = rawCallback
	o.Payment.FailureReason = ""
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *memOrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, rawCallback []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentFailed
	o.Payment.FailureReason = reason
	o.Payment.CallbackPayload = rawCallback
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *memOrderRepo) ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.PaymentStatus != domain.PaymentFailed {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentPending
	o.Payment.MerchantRequestID = ""
	o.Payment.CheckoutRequestID = ""
	o.Payment.FailureReason = ""
	o.Payment.RetryCount++
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *memOrderRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.FulfillmentStatus != domain.FulfillmentProcessing || o.PaymentStatus == domain.PaymentPaid {
		return false, nil
	}
	o.FulfillmentStatus = domain.FulfillmentCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *memOrderRepo) SetFulfillment(ctx context.Context, id uuid.UUID, status domain.FulfillmentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.FulfillmentStatus = status
	now := time.Now()
	if status == domain.FulfillmentShipped && o.ShippedAt == nil {
		o.ShippedAt = &now
	}
	if status == domain.FulfillmentDelivered && o.DeliveredAt == nil {
		o.DeliveredAt = &now
	}
	return nil
}

func (r *memOrderRepo) ListByOwner(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

func (r *memOrderRepo) List(ctx context.Context, f repo.OrderFilter) ([]domain.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if f.PaymentStatus == "" || string(o.PaymentStatus) == f.PaymentStatus {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, len(out), nil
}

func (r *memOrderRepo) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.Order
	for _, o := range r.orders {
		if o.PaymentStatus == domain.PaymentPending && o.Payment.CheckoutRequestID != "" && o.UpdatedAt.Before(cutoff) {
			out = append(out, *cloneOrder(o))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// memBookRepo holds catalog rows and applies guarded atomic decrements.
type memBookRepo struct {
	mu    sync.Mutex
	books map[uuid.UUID]*domain.Book
	// decrements counts successful decrement calls per book
	decrements map[uuid.UUID]int
}

func newMemBookRepo(books ...*domain.Book) *memBookRepo {
	r := &memBookRepo{
		books:      make(map[uuid.UUID]*domain.Book),
		decrements: make(map[uuid.UUID]int),
	}
	for _, b := range books {
		c := *b
		r.books[b.ID] = &c
	}
	return r
}

func (r *memBookRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (r *memBookRepo) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok || b.Stock < qty {
		return false, nil
	}
	b.Stock -= qty
	r.decrements[id]++
	return true, nil
}

func (r *memBookRepo) Upsert(ctx context.Context, book *domain.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *book
	r.books[book.ID] = &c
	return nil
}

func (r *memBookRepo) stock(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.books[id].Stock
}

// fakeGateway issues sequential correlation ids, or fails when told to.
type fakeGateway struct {
	mu       sync.Mutex
	pushes   int
	failPush bool

	queryResults map[string]*mpesa.StkQueryResult
}

func (g *fakeGateway) InitiatePayment(ctx context.Context, phone string, amount float64, accountRef string) (*mpesa.StkPushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failPush {
		return nil, &domain.GatewayRequestError{Op: "stk push", Detail: "connection timeout"}
	}
	g.pushes++
	return &mpesa.StkPushResult{
		MerchantRequestID:   fmt.Sprintf("mr-%d", g.pushes),
		CheckoutRequestID:   fmt.Sprintf("ws_CO_%d", g.pushes),
		ResponseCode:        "0",
		ResponseDescription: "Success",
		Raw:                 []byte(`{"ResponseCode":"0"}`),
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StkQueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.queryResults[checkoutRequestID]
	if !ok {
		return nil, &domain.GatewayRequestError{Op: "stk query", Detail: "transaction is being processed"}
	}
	return res, nil
}

// fakeNotifier counts OrderPaid calls.
type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNotifier) OrderPaid(ctx context.Context, order *domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}
