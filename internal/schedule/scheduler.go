// Package schedule computes when the driver has to leave for a confirmed
// booking and arms a one-shot fire at that moment.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// Armer keeps at most one pending fire per booking. Arming again for the
// same booking supersedes the earlier fire. A time in the past fires
// immediately.
type Armer interface {
	Arm(ctx context.Context, bookingID string, at time.Time) error
	Cancel(ctx context.Context, bookingID string) error
}

type Notifier interface {
	Dispatch(ctx context.Context, bookingID string, typ models.NotificationType, role models.Role, payload map[string]any) models.Notification
}

type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
}

type Scheduler struct {
	route    eta.Client
	origin   models.Coord
	buffer   time.Duration
	armer    Armer
	bookings BookingReader
	notifier Notifier
	log      *slog.Logger
}

// New builds a scheduler that plans from the driver's base location. Call
// Use before arming anything.
func New(route eta.Client, origin models.Coord, buffer time.Duration, bookings BookingReader, notifier Notifier, log *slog.Logger) *Scheduler {
	return &Scheduler{
		route:    route,
		origin:   origin,
		buffer:   buffer,
		bookings: bookings,
		notifier: notifier,
		log:      log.With("component", "schedule"),
	}
}

// Use sets the armer. Armers call back into Fire, so they are usually built
// after the scheduler.
func (s *Scheduler) Use(a Armer) { s.armer = a }

// Plan returns pickup time minus travel time from the driver base minus the
// fixed buffer.
func (s *Scheduler) Plan(ctx context.Context, b *models.Booking) (time.Time, error) {
	est, err := s.route.Estimate(ctx, s.origin, b.Pickup.Coord, nil)
	if err != nil {
		return time.Time{}, err
	}
	travel := time.Duration(est.DurationMin * float64(time.Minute))
	return b.PickupTime.Add(-(travel + s.buffer)), nil
}

// Arm replaces any pending fire for bookingID with one at leaveAt.
func (s *Scheduler) Arm(ctx context.Context, bookingID string, leaveAt time.Time) error {
	if s.armer == nil {
		return fmt.Errorf("schedule: no armer configured")
	}
	if err := s.armer.Arm(ctx, bookingID, leaveAt); err != nil {
		return fmt.Errorf("arm leave timer for %s: %w", bookingID, err)
	}
	s.log.Info("leave timer armed", "booking_id", bookingID, "leave_at", leaveAt)
	return nil
}

// ScheduleLeaveNow plans and arms in one step.
func (s *Scheduler) ScheduleLeaveNow(ctx context.Context, b *models.Booking) (time.Time, error) {
	at, err := s.Plan(ctx, b)
	if err != nil {
		return time.Time{}, err
	}
	return at, s.Arm(ctx, b.ID, at)
}

func (s *Scheduler) Cancel(ctx context.Context, bookingID string) error {
	if s.armer == nil {
		return nil
	}
	return s.armer.Cancel(ctx, bookingID)
}

// Rearm restores leave timers for confirmed bookings after a restart and
// returns how many were armed. A booking whose pickup time has passed, or
// whose leave time passed more than grace ago, was already reminded before
// the restart and is skipped.
func (s *Scheduler) Rearm(ctx context.Context, bookings []models.Booking, now time.Time, grace time.Duration) int {
	armed := 0
	for i := range bookings {
		b := &bookings[i]
		if b.Status != models.StatusDriverConfirmed || b.LeaveAt == nil {
			continue
		}
		if !b.PickupTime.After(now) || b.LeaveAt.Before(now.Add(-grace)) {
			s.log.Debug("leave timer not re-armed", "booking_id", b.ID, "leave_at", *b.LeaveAt)
			continue
		}
		if err := s.Arm(ctx, b.ID, *b.LeaveAt); err != nil {
			s.log.Warn("re-arm leave timer failed", "booking_id", b.ID, "error", err)
			continue
		}
		armed++
	}
	return armed
}

// Fire notifies the driver to leave and the customer that the driver is
// departing. Booking state is not changed. A booking that is no longer
// DRIVER_CONFIRMED has moved on and the fire is dropped.
func (s *Scheduler) Fire(ctx context.Context, bookingID string) error {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	if b.Status != models.StatusDriverConfirmed {
		s.log.Info("leave timer dropped", "booking_id", bookingID, "status", b.Status)
		return nil
	}
	observability.LeaveTimersFired.Inc()
	payload := map[string]any{
		"public_code": b.PublicCode,
		"pickup_time": b.PickupTime.UTC().Format(time.RFC3339),
		"pickup":      b.Pickup.Address,
	}
	s.notifier.Dispatch(ctx, b.ID, models.NotifyLeaveNow, models.RoleDriver, payload)
	s.notifier.Dispatch(ctx, b.ID, models.NotifyDriverDeparting, models.RoleCustomer, payload)
	s.log.Info("leave timer fired", "booking_id", bookingID)
	return nil
}
