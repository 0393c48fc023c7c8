package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type FulfillmentStatus string

const (
	FulfillmentProcessing FulfillmentStatus = "PROCESSING"
	FulfillmentShipped    FulfillmentStatus = "SHIPPED"
	FulfillmentDelivered  FulfillmentStatus = "DELIVERED"
	FulfillmentCancelled  FulfillmentStatus = "CANCELLED"
)

// OrderItem is an immutable snapshot of the book at order-creation time.
// Catalog price or title changes later must not show up here.
type OrderItem struct {
	BookID    uuid.UUID `json:"bookId"`
	Title     string    `json:"title"`
	UnitPrice float64   `json:"unitPrice"`
	Qty       int       `json:"qty"`
}

// Customer is a contact snapshot kept on the order for shipping records.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type Order struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"userId"`
	Customer          Customer          `json:"customer"`
	Items             []OrderItem       `json:"items"`
	Subtotal          float64           `json:"subtotal"`
	ShippingFee       float64           `json:"shippingFee"`
	Total             float64           `json:"total"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	Payment           *Payment          `json:"payment,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	ShippedAt         *time.Time        `json:"shippedAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
}

// ValidateTotals checks the conservation invariant: every amount is
// non-negative, subtotal is the sum over items, and total = subtotal + fee.
// Checked once at creation; the amounts are never recomputed afterward.
func (o *Order) ValidateTotals() error {
	if len(o.Items) == 0 {
		return &ValidationError{Msg: "order has no items"}
	}
	var sum float64
	for _, it := range o.Items {
		if it.Qty < 1 {
			return &ValidationError{Msg: "item quantity must be at least 1"}
		}
		if it.UnitPrice < 0 {
			return &ValidationError{Msg: "item price must not be negative"}
		}
		sum += it.UnitPrice * float64(it.Qty)
	}
	if o.ShippingFee < 0 {
		return &ValidationError{Msg: "shipping fee must not be negative"}
	}
	if !moneyEq(o.Subtotal, sum) {
		return &ValidationError{Msg: "subtotal does not match item prices"}
	}
	if !moneyEq(o.Total, o.Subtotal+o.ShippingFee) {
		return &ValidationError{Msg: "total does not match subtotal plus shipping"}
	}
	return nil
}

func moneyEq(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
