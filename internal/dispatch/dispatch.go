// Package dispatch records user-facing booking events and fans them out to
// delivery channels.
//
// Dispatch writes the Notification row first, then hands delivery to a pool
// of workers. Channel failures are logged and counted; they never reach the
// caller, so a push outage cannot fail or stall a booking transition.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// Channel delivers one notification over one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// Delivery is a recorded notification plus its resolved recipient account.
// Recipient is nil when the account could not be resolved.
type Delivery struct {
	Notification models.Notification
	Recipient    *models.Account
}

// Store is the persistence the dispatcher needs.
type Store interface {
	AddNotification(ctx context.Context, n *models.Notification) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

type Options struct {
	Workers   int
	QueueSize int
	// OperatorID receives OPERATOR-role notifications.
	OperatorID string
	// DeliveryTimeout bounds a single delivery across all channels.
	DeliveryTimeout time.Duration
}

type Dispatcher struct {
	store    Store
	channels []Channel
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	queue  chan models.Notification
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, log *slog.Logger, opts Options, channels ...Channel) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		store:    store,
		channels: channels,
		opts:     opts,
		log:      log.With("component", "dispatch"),
		now:      time.Now,
		queue:    make(chan models.Notification, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch records the notification and schedules its delivery. It returns
// the recorded notification and never fails; a failed record write is logged
// and delivery is still attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, bookingID string, typ models.NotificationType, role models.Role, payload map[string]any) models.Notification {
	n := models.Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Role:      role,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	if bookingID != "" {
		id := bookingID
		n.BookingID = &id
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.AddNotification(rctx, &n); err != nil {
		d.log.Error("record notification failed", "booking_id", bookingID, "type", typ, "error", err)
	} else {
		observability.NotificationsTotal.WithLabelValues(string(typ)).Inc()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("dispatcher closed, delivery skipped", "notification_id", n.ID, "type", typ)
		return n
	}
	select {
	case d.queue <- n:
	default:
		// queue full: deliver on a dedicated goroutine instead of blocking
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(n)
		}()
	}
	return n
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliveryTimeout)
	defer cancel()

	del := Delivery{Notification: n, Recipient: d.recipient(ctx, n)}
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, del); err != nil {
			observability.DeliveriesTotal.WithLabelValues(ch.Name(), "error").Inc()
			d.log.Warn("notification delivery failed",
				"channel", ch.Name(), "notification_id", n.ID, "type", n.Type, "error", err)
			continue
		}
		observability.DeliveriesTotal.WithLabelValues(ch.Name(), "ok").Inc()
	}
}

func (d *Dispatcher) recipient(ctx context.Context, n models.Notification) *models.Account {
	var accountID string
	switch {
	case n.Role == models.RoleOperator:
		accountID = d.opts.OperatorID
	case n.BookingID != nil:
		b, err := d.store.GetBooking(ctx, *n.BookingID)
		if err != nil {
			d.log.Warn("resolve recipient booking failed", "booking_id", *n.BookingID, "error", err)
			return nil
		}
		if n.Role == models.RoleDriver {
			accountID = b.DriverID
		} else {
			accountID = b.CustomerID
		}
	}
	if accountID == "" {
		return nil
	}
	a, err := d.store.GetAccount(ctx, accountID)
	if err != nil {
		d.log.Debug("recipient account not found", "account_id", accountID, "error", err)
		return &models.Account{ID: accountID}
	}
	return a
}
