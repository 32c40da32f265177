// Package booking owns the booking lifecycle: creation from a route estimate
// and every status transition after it.
//
// Transitions for one booking are serialized by a per-booking lock and are
// committed with a compare-and-swap on the stored status, so a second API
// replica can never apply a transition from a stale read. Notifications and
// status listeners run after the lock is released.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

// Gateway is the payment provider as seen by the lifecycle.
type Gateway interface {
	AuthorizeDeposit(ctx context.Context, c payments.Charge) (string, error)
	AuthorizeFinal(ctx context.Context, c payments.Charge) (string, error)
	CaptureDeposit(ctx context.Context, ref string) error
	ReleaseDeposit(ctx context.Context, ref string) error
	CreateSetupIntent(ctx context.Context, customer string) (string, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, bookingID string, typ models.NotificationType, role models.Role, payload map[string]any) models.Notification
}

// LeaveScheduler plans and arms the driver's leave-time reminder.
type LeaveScheduler interface {
	Plan(ctx context.Context, b *models.Booking) (time.Time, error)
	Arm(ctx context.Context, bookingID string, leaveAt time.Time) error
	Cancel(ctx context.Context, bookingID string) error
}

// StatusListener observes committed transitions. It runs on the caller's
// goroutine after the booking lock is released and must not block.
type StatusListener func(ctx context.Context, b *models.Booking)

type Config struct {
	// SlotWindow is how close two committed pickups may be before they
	// collide on the single driver.
	SlotWindow   time.Duration
	DepositCents int64
	Fare         Fare
	// DriverID is the driver every booking is assigned to.
	DriverID string
}

type Service struct {
	store  storage.Store
	route  eta.Client
	pay    Gateway
	notify Notifier
	leave  LeaveScheduler
	cfg    Config
	log    *slog.Logger

	now     func() time.Time
	newCode func() string
	locks   *keyedMutex

	lmu       sync.RWMutex
	listeners []StatusListener
}

func NewService(store storage.Store, route eta.Client, pay Gateway, notify Notifier, leave LeaveScheduler, cfg Config, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		route:   route,
		pay:     pay,
		notify:  notify,
		leave:   leave,
		cfg:     cfg,
		log:     log.With("component", "booking"),
		now:     time.Now,
		newCode: newPublicCode,
		locks:   newKeyedMutex(),
	}
}

// OnStatus registers l for every committed transition.
func (s *Service) OnStatus(l StatusListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// CreateRequest is a customer's ride request.
type CreateRequest struct {
	CustomerID string       `json:"customer_id"`
	Pickup     models.Place `json:"pickup"`
	Dropoff    models.Place `json:"dropoff"`
	PickupTime time.Time    `json:"pickup_time"`
	Passengers int          `json:"passengers"`
	Notes      string       `json:"notes,omitempty"`
}

const (
	maxPassengers   = 8
	maxNotesLength  = 500
	maxCodeAttempts = 5
)

func (r CreateRequest) validate(now time.Time) error {
	var problems []string
	if strings.TrimSpace(r.CustomerID) == "" {
		problems = append(problems, "customer_id is required")
	}
	for name, c := range map[string]models.Coord{"pickup": r.Pickup.Coord, "dropoff": r.Dropoff.Coord} {
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			problems = append(problems, name+" coordinates out of range")
		}
	}
	if r.PickupTime.IsZero() {
		problems = append(problems, "pickup_time is required")
	} else if !r.PickupTime.After(now) {
		problems = append(problems, "pickup_time must be in the future")
	}
	if r.Passengers < 1 || r.Passengers > maxPassengers {
		problems = append(problems, fmt.Sprintf("passengers must be between 1 and %d", maxPassengers))
	}
	if len(r.Notes) > maxNotesLength {
		problems = append(problems, fmt.Sprintf("notes longer than %d characters", maxNotesLength))
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// Create estimates the route, prices it and stores a PENDING booking. A
// route failure leaves nothing behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	now := s.now().UTC()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	at := req.PickupTime.UTC()
	est, err := s.route.Estimate(ctx, req.Pickup.Coord, req.Dropoff.Coord, &at)
	if err != nil {
		return nil, err
	}

	b := &models.Booking{
		ID:               uuid.NewString(),
		CustomerID:       req.CustomerID,
		DriverID:         s.cfg.DriverID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		PickupTime:       at,
		Passengers:       req.Passengers,
		Notes:            req.Notes,
		EstimatedKm:      est.DistanceKm,
		EstimatedMinutes: est.DurationMin,
		EstimatedCents:   s.cfg.Fare.Price(est.DistanceKm, est.DurationMin),
		DepositCents:     s.cfg.DepositCents,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for attempt := 1; ; attempt++ {
		b.PublicCode = s.newCode()
		err = s.store.CreateBooking(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateCode) || attempt == maxCodeAttempts {
			return nil, storeErr(err, "booking")
		}
	}
	s.log.Info("booking created", "booking_id", b.ID, "public_code", b.PublicCode, "estimated_cents", b.EstimatedCents)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	return b, storeErr(err, "booking")
}

func (s *Service) GetByCode(ctx context.Context, code string) (*models.Booking, error) {
	b, err := s.store.GetBookingByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	return b, storeErr(err, "booking")
}

func (s *Service) RoutePoints(ctx context.Context, id string) ([]models.RoutePoint, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	pts, err := s.store.ListRoutePoints(ctx, id)
	return pts, storeErr(err, "route")
}

func (s *Service) Notifications(ctx context.Context, id string) ([]models.Notification, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	ns, err := s.store.ListNotifications(ctx, id)
	return ns, storeErr(err, "notifications")
}

// RecordRoutePoint stores a trip sample while the booking is IN_PROGRESS and
// reports whether it was stored.
func (s *Service) RecordRoutePoint(ctx context.Context, bookingID string, sample models.Sample) (bool, error) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ok, err := s.store.RecordRoutePoint(ctx, models.RoutePoint{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		Timestamp: ts.UTC(),
		Lat:       sample.Lat,
		Lon:       sample.Lon,
		Speed:     sample.Speed,
	})
	return ok, storeErr(err, "booking")
}

// event is a notification to send once a transition has committed.
type event struct {
	typ     models.NotificationType
	role    models.Role
	payload map[string]any
}

// committed runs the post-commit side effects of a transition. It must be
// called without the booking lock held.
func (s *Service) committed(ctx context.Context, prev models.Status, b *models.Booking, events ...event) {
	if prev != b.Status {
		observability.TransitionsTotal.WithLabelValues(string(b.Status)).Inc()
		s.log.Info("booking transitioned", "booking_id", b.ID, "from", prev, "to", b.Status)
	}
	for _, e := range events {
		s.notify.Dispatch(ctx, b.ID, e.typ, e.role, e.payload)
	}
	s.lmu.RLock()
	ls := s.listeners
	s.lmu.RUnlock()
	for _, l := range ls {
		l(ctx, b.Clone())
	}
}

func (s *Service) rejected(err error) error {
	if err != nil {
		observability.TransitionsRejected.WithLabelValues(string(apperr.KindOf(err))).Inc()
	}
	return err
}

// conflict reloads the booking after a lost compare-and-swap and reports the
// status it actually holds.
func (s *Service) conflict(ctx context.Context, id string, attempted models.Status) error {
	cur, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return storeErr(err, "booking")
	}
	return &TransitionError{BookingID: id, Current: cur.Status, Attempted: attempted}
}

func basePayload(b *models.Booking) map[string]any {
	return map[string]any{
		"public_code": b.PublicCode,
		"status":      string(b.Status),
		"pickup_time": b.PickupTime.UTC().Format(time.RFC3339),
	}
}
