package domain

import "encoding/json"

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Payment holds the gateway correlation state for the order's current
// payment attempt. A retry replaces the correlation ids and bumps
// RetryCount; the order id itself never changes.
type Payment struct {
	MerchantRequestID string          `json:"merchantRequestId,omitempty"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty"`
	InitiateResponse  json.RawMessage `json:"initiateResponse,omitempty"`
	CallbackPayload   json.RawMessage `json:"callbackPayload,omitempty"`
	Settlement        map[string]any  `json:"settlement,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	RetryCount        int             `json:"retryCount"`
}
