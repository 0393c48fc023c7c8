package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrForbidden     = errors.New("forbidden")
)

// ValidationError covers malformed input: bad phone, empty cart,
// non-positive quantity. Fields carries per-field detail when available.
type ValidationError struct {
	Msg    string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "validation failed"
}

// InsufficientStockError means a requested quantity exceeded the catalog's
// available stock. No order is created when this is returned.
type InsufficientStockError struct {
	BookID    uuid.UUID
	Title     string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested=%d available=%d", e.Title, e.Requested, e.Available)
}

// GatewayAuthError means the credential exchange with the gateway failed or
// returned an unusable response.
type GatewayAuthError struct {
	Op  string
	Err error
}

func (e *GatewayAuthError) Error() string {
	return fmt.Sprintf("gateway auth: %s: %v", e.Op, e.Err)
}

func (e *GatewayAuthError) Unwrap() error { return e.Err }

// GatewayRequestError means a gateway call timed out, failed at the network
// level, or came back without the required correlation fields.
type GatewayRequestError struct {
	Op     string
	Detail string
	Err    error
}

func (e *GatewayRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway request: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway request: %s: %s", e.Op, e.Detail)
}

func (e *GatewayRequestError) Unwrap() error { return e.Err }

// IllegalTransitionError is returned by the lifecycle engine when a proposed
// state change is not a legal edge of the state machine.
type IllegalTransitionError struct {
	From  string
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s from %s", e.Event, e.From)
}
