package domain

// The two state machines attached to an order. Transition functions are
// pure: they take the current state plus a proposed event and return either
// the new state or an IllegalTransitionError. Persistence is the caller's
// problem.

type PaymentEvent string

const (
	PaymentEventSettleSuccess PaymentEvent = "SETTLE_SUCCESS"
	PaymentEventSettleFailure PaymentEvent = "SETTLE_FAILURE"
	PaymentEventRetry         PaymentEvent = "RETRY"
)

// NextPaymentStatus applies a payment event.
//
// PENDING settles to PAID or FAILED, FAILED returns to PENDING via retry.
// PAID and REFUNDED are terminal for callback-driven events: re-delivering
// a settlement to them is an accepted no-op, never an error, which is what
// makes duplicate gateway callbacks safe.
func NextPaymentStatus(current PaymentStatus, event PaymentEvent) (PaymentStatus, error) {
	switch event {
	case PaymentEventSettleSuccess:
		switch current {
		case PaymentPending:
			return PaymentPaid, nil
		case PaymentPaid, PaymentRefunded:
			return current, nil // idempotent re-delivery
		}
	case PaymentEventSettleFailure:
		switch current {
		case PaymentPending:
			return PaymentFailed, nil
		case PaymentFailed, PaymentPaid, PaymentRefunded:
			// a failure report never regresses a settled order
			return current, nil
		}
	case PaymentEventRetry:
		if current == PaymentFailed {
			return PaymentPending, nil
		}
	}
	return current, &IllegalTransitionError{From: string(current), Event: string(event)}
}

// NextFulfillmentStatus validates a move to target given the order's payment
// state. Re-setting the current status is a no-op. Cancellation is only
// allowed while the order is still PROCESSING and not yet paid; paid orders
// need a refund flow instead.
func NextFulfillmentStatus(payment PaymentStatus, current, target FulfillmentStatus) (FulfillmentStatus, error) {
	if target == current {
		return current, nil
	}
	switch target {
	case FulfillmentShipped:
		if current == FulfillmentProcessing {
			return target, nil
		}
	case FulfillmentDelivered:
		if current == FulfillmentShipped {
			return target, nil
		}
	case FulfillmentCancelled:
		if current == FulfillmentProcessing && payment != PaymentPaid {
			return target, nil
		}
	}
	return current, &IllegalTransitionError{From: string(current), Event: string(target)}
}
