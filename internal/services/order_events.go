package services

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/shopcore/api/internal/domain"
)

// Order event types published after state changes commit.
const (
	OrderEventCreated       = "order.created"
	OrderEventPaymentFailed = "order.payment_failed"
	OrderEventSettled       = "order.settled"
	OrderEventCancelled     = "order.cancelled"
	OrderEventAdjusted      = "order.adjusted"
)

// OrderEvent is the broker payload describing an order state change.
type OrderEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OrderID    int64             `json:"orderId"`
	UserID     int64             `json:"userId"`
	Status     string            `json:"status"`
	Amount     int64             `json:"amount"`
	Gateway    string            `json:"gateway,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type nopEventPublisher struct{}

func (nopEventPublisher) PublishOrderEvent(context.Context, OrderEvent) (string, error) {
	return "", nil
}

// orderEvents publishes best-effort; a broker outage never fails the business flow.
type orderEvents struct {
	publisher OrderEventPublisher
	logger    EventLogger
	now       func() time.Time
}

func (e orderEvents) emit(ctx context.Context, eventType string, order domain.Order, amount int64, gateway string, attrs map[string]string) {
	if e.publisher == nil {
		return
	}
	event := OrderEvent{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Amount:     amount,
		Gateway:    gateway,
		OccurredAt: e.now(),
		Attributes: attrs,
	}
	if _, err := e.publisher.PublishOrderEvent(ctx, event); err != nil {
		e.logger(ctx, "order_events.publish_failed", map[string]any{
			"orderId": order.ID,
			"type":    eventType,
			"error":   err.Error(),
		})
	}
}
