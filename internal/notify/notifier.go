package notify

import (
	"context"
	"log/slog"

	"topshot-backend/internal/domain"
)

// Notifier is the boundary to the transactional-mail collaborator. Delivery
// is fire-and-forget from the payment path: a failure here must never affect
// the payment outcome.
type Notifier interface {
	OrderPaid(ctx context.Context, order *domain.Order) error
}

type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that only records the event. The real
// email service sits behind this interface in deployments that have one.
func NewLogNotifier(logger *slog.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) OrderPaid(ctx context.Context, order *domain.Order) error {
	n.logger.InfoContext(ctx, "order paid notification",
		"order_id", order.ID,
		"email", order.Customer.Email,
		"total", order.Total,
	)
	return nil
}
