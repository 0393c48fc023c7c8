package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/repo"
)

type OrderService interface {
	CreateOrder(ctx context.Context, user domain.User, in CreateOrderInput) (*domain.Order, *mpesa.StkPushResult, error)
	RetryPayment(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, *mpesa.StkPushResult, error)
	CancelOrder(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, error)
	GetOrder(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, error)
	ListMyOrders(ctx context.Context, user domain.User) ([]domain.Order, error)
	ListOrders(ctx context.Context, f repo.OrderFilter) ([]domain.Order, int, error)
	UpdateFulfillment(ctx context.Context, orderID uuid.UUID, status domain.FulfillmentStatus) (*domain.Order, error)
}

type CreateOrderInput struct {
	Items       []CreateOrderItem
	ShippingFee float64
}

type CreateOrderItem struct {
	BookID uuid.UUID
	Qty    int
}

type orderService struct {
	orders  repo.OrderRepo
	books   repo.BookRepo
	gateway mpesa.Gateway
	logger  *slog.Logger
}

func NewOrderService(orders repo.OrderRepo, books repo.BookRepo, gateway mpesa.Gateway, logger *slog.Logger) OrderService {
	return &orderService{orders: orders, books: books, gateway: gateway, logger: logger}
}

// CreateOrder validates stock and payer contact, persists the order in
// PENDING with an immutable item snapshot, then initiates the gateway push.
// Initiation failure marks the order FAILED but keeps it as an auditable
// attempt; it is never rolled back.
//
// Stock is checked here, not reserved. Two concurrent orders can both pass
// this check; the discrepancy is reconciled at settlement time, where the
// decrement is guarded. See DESIGN.md for the trade-off.
func (s *orderService) CreateOrder(ctx context.Context, user domain.User, in CreateOrderInput) (*domain.Order, *mpesa.StkPushResult, error) {
	if len(in.Items) == 0 {
		return nil, nil, &domain.ValidationError{Msg: "cart is empty"}
	}
	if in.ShippingFee < 0 {
		return nil, nil, &domain.ValidationError{Msg: "shipping fee must not be negative"}
	}

	phone, err := mpesa.NormalizePhone(user.Phone)
	if err != nil {
		return nil, nil, err
	}

	var (
		items    []domain.OrderItem
		subtotal float64
	)
	for _, it := range in.Items {
		if it.Qty < 1 {
			return nil, nil, &domain.ValidationError{Msg: "item quantity must be at least 1"}
		}
		book, err := s.books.FindByID(ctx, it.BookID)
		if err != nil {
			return nil, nil, err
		}
		if book == nil {
			return nil, nil, &domain.ValidationError{Msg: fmt.Sprintf("book %s not found", it.BookID)}
		}
		if book.Stock < it.Qty {
			return nil, nil, &domain.InsufficientStockError{
				BookID:    book.ID,
				Title:     book.Title,
				Requested: it.Qty,
				Available: book.Stock,
			}
		}
		items = append(items, domain.OrderItem{
			BookID:    book.ID,
			Title:     book.Title,
			UnitPrice: book.Price,
			Qty:       it.Qty,
		})
		subtotal += book.Price * float64(it.Qty)
	}

	now := time.Now()
	order := &domain.Order{
		ID:     uuid.New(),
		UserID: user.ID,
		Customer: domain.Customer{
			Name:  user.Name,
			Phone: phone,
			Email: user.Email,
		},
		Items:             items,
		Subtotal:          subtotal,
		ShippingFee:       in.ShippingFee,
		Total:             subtotal + in.ShippingFee,
		PaymentStatus:     domain.PaymentPending,
		FulfillmentStatus: domain.FulfillmentProcessing,
		Payment:           &domain.Payment{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := order.ValidateTotals(); err != nil {
		return nil, nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, nil, err
	}

	res, err := s.initiate(ctx, order, phone)
	if err != nil {
		return order, nil, err
	}
	return order, res, nil
}

// RetryPayment re-runs the gateway push for a FAILED order. The order id
// stays the correlation constant; the gateway issues a fresh
// checkoutRequestId for the new attempt.
func (s *orderService) RetryPayment(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, *mpesa.StkPushResult, error) {
	order, err := s.ownedOrder(ctx, user, orderID)
	if err != nil {
		return nil, nil, err
	}

	if _, err := domain.NextPaymentStatus(order.PaymentStatus, domain.PaymentEventRetry); err != nil {
		return nil, nil, err
	}

	phone, err := mpesa.NormalizePhone(order.Customer.Phone)
	if err != nil {
		return nil, nil, err
	}

	// flip FAILED -> PENDING before pushing so a late callback for the old
	// attempt cannot race the new one
	applied, err := s.orders.ResetForRetry(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !applied {
		return nil, nil, &domain.IllegalTransitionError{From: string(order.PaymentStatus), Event: string(domain.PaymentEventRetry)}
	}

	order.PaymentStatus = domain.PaymentPending
	order.Payment.RetryCount++
	order.Payment.FailureReason = ""

	res, err := s.initiate(ctx, order, phone)
	if err != nil {
		return order, nil, err
	}
	return order, res, nil
}

// initiate pushes the payment and attaches the correlation ids, or marks the
// order FAILED with the reason when the push does not go through.
func (s *orderService) initiate(ctx context.Context, order *domain.Order, phone string) (*mpesa.StkPushResult, error) {
	res, err := s.gateway.InitiatePayment(ctx, phone, order.Total, order.ID.String())
	if err != nil {
		s.logger.ErrorContext(ctx, "payment initiation failed",
			"order_id", order.ID, "err", err)
		if ferr := s.orders.MarkInitiationFailed(ctx, order.ID, err.Error()); ferr != nil {
			s.logger.ErrorContext(ctx, "failed to mark order failed", "order_id", order.ID, "err", ferr)
		}
		order.PaymentStatus = domain.PaymentFailed
		order.Payment.FailureReason = err.Error()
		return nil, err
	}

	if err := s.orders.AttachInitiation(ctx, order.ID, res.MerchantRequestID, res.CheckoutRequestID, res.Raw); err != nil {
		return nil, err
	}
	order.Payment.MerchantRequestID = res.MerchantRequestID
	order.Payment.CheckoutRequestID = res.CheckoutRequestID
	order.Payment.InitiateResponse = res.Raw

	s.logger.InfoContext(ctx, "payment initiated",
		"order_id", order.ID,
		"merchant_request_id", res.MerchantRequestID,
		"checkout_request_id", res.CheckoutRequestID,
	)
	return res, nil
}

func (s *orderService) CancelOrder(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, error) {
	order, err := s.ownedOrder(ctx, user, orderID)
	if err != nil {
		return nil, err
	}

	next, err := domain.NextFulfillmentStatus(order.PaymentStatus, order.FulfillmentStatus, domain.FulfillmentCancelled)
	if err != nil {
		return nil, err
	}
	if next == order.FulfillmentStatus {
		return order, nil // already cancelled
	}

	applied, err := s.orders.Cancel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, &domain.IllegalTransitionError{From: string(order.FulfillmentStatus), Event: string(domain.FulfillmentCancelled)}
	}
	order.FulfillmentStatus = domain.FulfillmentCancelled
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, error) {
	return s.ownedOrder(ctx, user, orderID)
}

func (s *orderService) ListMyOrders(ctx context.Context, user domain.User) ([]domain.Order, error) {
	return s.orders.ListByOwner(ctx, user.ID)
}

func (s *orderService) ListOrders(ctx context.Context, f repo.OrderFilter) ([]domain.Order, int, error) {
	return s.orders.List(ctx, f)
}

func (s *orderService) UpdateFulfillment(ctx context.Context, orderID uuid.UUID, status domain.FulfillmentStatus) (*domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	next, err := domain.NextFulfillmentStatus(order.PaymentStatus, order.FulfillmentStatus, status)
	if err != nil {
		return nil, err
	}
	if next == order.FulfillmentStatus {
		return order, nil // no-op
	}

	if err := s.orders.SetFulfillment(ctx, orderID, next); err != nil {
		return nil, err
	}
	return s.orders.FindByID(ctx, orderID)
}

func (s *orderService) ownedOrder(ctx context.Context, user domain.User, orderID uuid.UUID) (*domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if !user.Admin && order.UserID != user.ID {
		return nil, domain.ErrForbidden
	}
	return order, nil
}
