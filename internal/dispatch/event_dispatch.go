package dispatch

import (
	"context"

	"github.com/example/ride-booking/internal/models"
)

// EventPublisher appends notifications to an event stream.
type EventPublisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// EventChannel mirrors every notification onto the event stream for
// downstream consumers (analytics, SMS relays).
type EventChannel struct {
	Publisher EventPublisher
}

func (e *EventChannel) Name() string { return "events" }

func (e *EventChannel) Deliver(ctx context.Context, d Delivery) error {
	return e.Publisher.PublishNotification(ctx, d.Notification)
}
