package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"topshot-backend/internal/domain"
)

// OrderRepo is the persistence boundary for orders. Every transition with an
// externally visible side effect is a single conditional UPDATE keyed on the
// current payment status; the applied bool tells the caller whether this call
// won the transition.
type OrderRepo interface {
	Create(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByCheckoutRequestID(ctx context.Context, ref string) (*domain.Order, error)
	AttachInitiation(ctx context.Context, id uuid.UUID, merchantReqID, checkoutReqID string, raw []byte) error
	MarkInitiationFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkPaid(ctx context.Context, id uuid.UUID, settlement, rawCallback []byte) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, rawCallback []byte) (bool, error)
	ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	SetFulfillment(ctx context.Context, id uuid.UUID, status domain.FulfillmentStatus) error
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error)
	FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
}

type OrderFilter struct {
	PaymentStatus string
	Page          int
	Limit         int
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, user_id, customer_name, customer_phone, customer_email,
	subtotal, shipping_fee, total, payment_status, fulfillment_status,
	merchant_request_id, checkout_request_id, initiate_response, callback_payload,
	settlement, failure_reason, retry_count, created_at, updated_at, shipped_at, delivered_at`

func (r *orderRepo) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, customer_name, customer_phone, customer_email,
			subtotal, shipping_fee, total, payment_status, fulfillment_status,
			retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID, order.UserID, order.Customer.Name, order.Customer.Phone, order.Customer.Email,
		order.Subtotal, order.ShippingFee, order.Total, order.PaymentStatus, order.FulfillmentStatus,
		0, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for i, it := range order.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, position, book_id, title, unit_price, qty)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, i, it.BookID, it.Title, it.UnitPrice, it.Qty,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *orderRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM orders WHERE id = $1", orderColumns), id)
	return r.scanOne(ctx, row)
}

func (r *orderRepo) FindByCheckoutRequestID(ctx context.Context, ref string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM orders WHERE checkout_request_id = $1", orderColumns), ref)
	return r.scanOne(ctx, row)
}

func (r *orderRepo) AttachInitiation(ctx context.Context, id uuid.UUID, merchantReqID, checkoutReqID string, raw []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET merchant_request_id = $2,
		     checkout_request_id = $3,
		     initiate_response = $4,
		     updated_at = now()
		 WHERE id = $1`,
		id, merchantReqID, checkoutReqID, nullJSON(raw),
	)
	return err
}

func (r *orderRepo) MarkInitiationFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1 AND payment_status = $4`,
		id, domain.PaymentFailed, reason, domain.PaymentPending,
	)
	return err
}

// MarkPaid is the load-bearing write of the whole subsystem: the transition
// into PAID, the settlement metadata, and the audit payload land in one
// conditional UPDATE. Concurrent duplicate callbacks race on the
// payment_status predicate; exactly one of them sees applied == true.
func (r *orderRepo) MarkPaid(ctx context.Context, id uuid.UUID, settlement, rawCallback []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     settlement = $3,
		     callback_payload = $4,
		     failure_reason = NULL,
		     updated_at = now()
		 WHERE id = $1 AND payment_status = $5`,
		id, domain.PaymentPaid, nullJSON(settlement), nullJSON(rawCallback), domain.PaymentPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *orderRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, rawCallback []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     failure_reason = $3,
		     callback_payload = $4,
		     updated_at = now()
		 WHERE id = $1 AND payment_status = $5`,
		id, domain.PaymentFailed, reason, nullJSON(rawCallback), domain.PaymentPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetForRetry flips FAILED back to PENDING before a fresh push is made, so
// a racing late callback for the old attempt cannot double-settle. Stale
// correlation ids are cleared; AttachInitiation installs the new ones.
func (r *orderRepo) ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     merchant_request_id = NULL,
		     checkout_request_id = NULL,
		     failure_reason = NULL,
		     retry_count = retry_count + 1,
		     updated_at = now()
		 WHERE id = $1 AND payment_status = $3`,
		id, domain.PaymentPending, domain.PaymentFailed,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *orderRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET fulfillment_status = $2, updated_at = now()
		 WHERE id = $1 AND fulfillment_status = $3 AND payment_status <> $4`,
		id, domain.FulfillmentCancelled, domain.FulfillmentProcessing, domain.PaymentPaid,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetFulfillment stamps shipped_at / delivered_at exactly once via COALESCE.
func (r *orderRepo) SetFulfillment(ctx context.Context, id uuid.UUID, status domain.FulfillmentStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET fulfillment_status = $2,
		     shipped_at = CASE WHEN $2 = 'SHIPPED' THEN COALESCE(shipped_at, now()) ELSE shipped_at END,
		     delivered_at = CASE WHEN $2 = 'DELIVERED' THEN COALESCE(delivered_at, now()) ELSE delivered_at END,
		     updated_at = now()
		 WHERE id = $1`,
		id, status,
	)
	return err
}

func (r *orderRepo) ListByOwner(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM orders WHERE user_id = $1 ORDER BY created_at DESC", orderColumns),
		userID,
	)
	if err != nil {
		return nil, err
	}
	return r.scanAll(ctx, rows)
}

func (r *orderRepo) List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 10
	}

	where := ""
	args := []any{}
	if f.PaymentStatus != "" {
		where = "WHERE payment_status = $1"
		args = append(args, f.PaymentStatus)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count(*) FROM orders %s", where), args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM orders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	orders, err := r.scanAll(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *orderRepo) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM orders
			WHERE payment_status = $1 AND checkout_request_id IS NOT NULL AND updated_at < $2
			ORDER BY updated_at ASC LIMIT $3`, orderColumns),
		domain.PaymentPending, time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, err
	}
	return r.scanAll(ctx, rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*domain.Order, error) {
	var (
		o                       domain.Order
		merchantReqID           sql.NullString
		checkoutReqID           sql.NullString
		initiateResp            []byte
		callbackPayload         []byte
		settlement              []byte
		failureReason           sql.NullString
		retryCount              int
		shippedAt, deliveredAt  sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.UserID, &o.Customer.Name, &o.Customer.Phone, &o.Customer.Email,
		&o.Subtotal, &o.ShippingFee, &o.Total, &o.PaymentStatus, &o.FulfillmentStatus,
		&merchantReqID, &checkoutReqID, &initiateResp, &callbackPayload,
		&settlement, &failureReason, &retryCount, &o.CreatedAt, &o.UpdatedAt, &shippedAt, &deliveredAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}

	p := &domain.Payment{
		MerchantRequestID: merchantReqID.String,
		CheckoutRequestID: checkoutReqID.String,
		InitiateResponse:  initiateResp,
		CallbackPayload:   callbackPayload,
		FailureReason:     failureReason.String,
		RetryCount:        retryCount,
	}
	if len(settlement) > 0 {
		_ = json.Unmarshal(settlement, &p.Settlement)
	}
	o.Payment = p
	if shippedAt.Valid {
		t := shippedAt.Time
		o.ShippedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	return &o, nil
}

func (r *orderRepo) scanOne(ctx context.Context, row *sql.Row) (*domain.Order, error) {
	o, err := scanOrder(row)
	if err != nil || o == nil {
		return o, err
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepo) scanAll(ctx context.Context, rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := r.loadItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepo) loadItems(ctx context.Context, o *domain.Order) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT book_id, title, unit_price, qty FROM order_items WHERE order_id = $1 ORDER BY position`,
		o.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.BookID, &it.Title, &it.UnitPrice, &it.Qty); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
