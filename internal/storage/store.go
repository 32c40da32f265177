package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-booking/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("booking status does not match")
	ErrSlotTaken      = errors.New("pickup slot already committed to another booking")
	ErrDuplicateCode  = errors.New("public code already in use")
)

// BookingFilter selects bookings by indexed fields. Zero values match all.
type BookingFilter struct {
	Statuses   []models.Status
	PickupFrom time.Time
	PickupTo   time.Time
	ExcludeID  string
	Limit      int
}

// Store defines persistence for bookings and their audit records.
// Implementations must be safe for concurrent use.
type Store interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingByCode(ctx context.Context, code string) (*models.Booking, error)
	ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error)

	// TransitionBooking applies upd only if the booking is currently in
	// status from. It returns ErrStatusConflict otherwise.
	TransitionBooking(ctx context.Context, id string, from models.Status, upd models.BookingUpdate) (*models.Booking, error)
	// ConfirmBooking is TransitionBooking that additionally fails with
	// ErrSlotTaken when another committed booking has a pickup time within
	// window of this one. The check and the write are one atomic step.
	ConfirmBooking(ctx context.Context, id string, from models.Status, upd models.BookingUpdate, window time.Duration) (*models.Booking, error)

	// RecordRoutePoint stores p only while its booking is IN_PROGRESS and
	// reports whether it did.
	RecordRoutePoint(ctx context.Context, p models.RoutePoint) (bool, error)
	ListRoutePoints(ctx context.Context, bookingID string) ([]models.RoutePoint, error)

	AddNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, bookingID string) ([]models.Notification, error)

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SaveAccount(ctx context.Context, a *models.Account) error
}

// slotBounds returns the open interval of pickup times that collide with at.
// A non-positive window still excludes the identical timestamp.
func slotBounds(at time.Time, window time.Duration) (time.Time, time.Time) {
	if window <= 0 {
		window = time.Microsecond
	}
	return at.Add(-window), at.Add(window)
}

func overlaps(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	if window <= 0 {
		return d == 0
	}
	return d < window
}
