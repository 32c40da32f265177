// Package tracking runs the live location channels of active bookings.
//
// The driver is the only writer. Each accepted sample is stored as a route
// point while the trip is in progress, checked against the pickup and
// dropoff radius, and forwarded in order to every observer plus echoed back
// to the driver. Proximity transitions go through the booking service like
// any API call, so they are serialized with explicit transitions.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// Lifecycle is the part of the booking service tracking depends on.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
	RecordRoutePoint(ctx context.Context, bookingID string, s models.Sample) (bool, error)
	ArriveAtPickup(ctx context.Context, id string) (*models.Booking, error)
	ArriveAtDropoff(ctx context.Context, id string) (*models.Booking, error)
}

// SampleSink receives every accepted sample, e.g. a Kafka producer.
type SampleSink interface {
	PublishSample(ctx context.Context, bookingID string, status models.Status, s models.Sample) error
}

type Config struct {
	PickupRadiusM  float64
	DropoffRadiusM float64
	// DriverGap is how long observers stay connected after the driver
	// disconnected.
	DriverGap     time.Duration
	ObserverQueue int
}

type stopper interface {
	Stop() bool
}

type Manager struct {
	life      Lifecycle
	positions geo.Positions
	sink      SampleSink
	cfg       Config
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	afterFunc func(d time.Duration, f func()) stopper
	now       func() time.Time
}

// NewManager builds a manager. positions and sink may be nil.
func NewManager(life Lifecycle, positions geo.Positions, sink SampleSink, cfg Config, log *slog.Logger) *Manager {
	if cfg.ObserverQueue <= 0 {
		cfg.ObserverQueue = 64
	}
	return &Manager{
		life:      life,
		positions: positions,
		sink:      sink,
		cfg:       cfg,
		log:       log.With("component", "tracking"),
		sessions:  make(map[string]*session),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		now:       time.Now,
	}
}

// Authorize loads the booking and checks that id may connect as role. It is
// called before a connection is accepted.
func (m *Manager) Authorize(ctx context.Context, bookingID string, role Role, id auth.Identity) (*models.Booking, error) {
	b, err := m.life.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch role {
	case RoleDriver:
		err = auth.Require(auth.CanDrive(id, b), "drive")
	case RoleWatch:
		err = auth.Require(auth.CanWatch(id, b), "watch")
	default:
		err = apperr.Newf(apperr.KindInvalidInput, "unknown channel role %q", role)
	}
	if err != nil {
		return nil, err
	}
	if !b.Status.Trackable() {
		return nil, apperr.Newf(apperr.KindPrerequisite, "booking is not trackable while %s", b.Status)
	}
	return b, nil
}

// Connect authorizes and registers a participant. A driver connecting while
// another driver connection is open replaces it. Every new participant is
// first sent the booking's current status.
func (m *Manager) Connect(ctx context.Context, bookingID string, role Role, id auth.Identity, peer Peer) (*Participant, error) {
	b, err := m.Authorize(ctx, bookingID, role, id)
	if err != nil {
		return nil, err
	}
	p := &Participant{
		Identity: id,
		Role:     role,
		peer:     peer,
		out:      make(chan models.TrackingMessage, m.cfg.ObserverQueue),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	s, ok := m.sessions[bookingID]
	if !ok {
		s = newSession(b)
		m.sessions[bookingID] = s
		observability.TrackingSessions.Inc()
	}
	p.sess = s
	s.mu.Lock()
	switch role {
	case RoleDriver:
		if s.driver != nil {
			s.closeLocked(s.driver)
		}
		s.driver = p
		if s.gap != nil {
			s.gap.Stop()
			s.gap = nil
		}
	case RoleWatch:
		s.observers[p] = struct{}{}
		observability.TrackingObservers.Inc()
	}
	s.enqueueLocked(p, models.TrackingMessage{Type: models.MessageStatus, BookingID: bookingID, Status: s.status})
	s.mu.Unlock()
	m.mu.Unlock()

	go p.writeLoop(m.Disconnect)
	m.log.Info("tracking participant connected", "booking_id", bookingID, "role", role, "account_id", id.AccountID)
	return p, nil
}

// Disconnect removes p. When the driver leaves, observers are closed after
// the configured gap unless a driver reconnects first.
func (m *Manager) Disconnect(p *Participant) {
	s := p.sess
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closed {
		return
	}
	wasDriver := s.driver == p
	if !wasDriver {
		observability.TrackingObservers.Dec()
	}
	s.closeLocked(p)
	if wasDriver && len(s.observers) > 0 && !s.ended {
		s.gap = m.afterFunc(m.cfg.DriverGap, func() { m.driverGone(s) })
	}
	m.dropIfEmptyLocked(s)
}

func (m *Manager) driverGone(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver != nil || s.ended {
		return
	}
	m.log.Info("driver gone, closing observers", "booking_id", s.bookingID, "observers", len(s.observers))
	m.endLocked(s)
}

// endLocked closes every participant and forgets the session. Callers hold
// m.mu and s.mu.
func (m *Manager) endLocked(s *session) {
	s.ended = true
	if s.gap != nil {
		s.gap.Stop()
		s.gap = nil
	}
	for o := range s.observers {
		s.closeLocked(o)
		observability.TrackingObservers.Dec()
	}
	if s.driver != nil {
		s.closeLocked(s.driver)
	}
	m.dropIfEmptyLocked(s)
}

func (m *Manager) dropIfEmptyLocked(s *session) {
	if !s.emptyLocked() {
		return
	}
	if m.sessions[s.bookingID] == s {
		delete(m.sessions, s.bookingID)
		observability.TrackingSessions.Dec()
	}
}

// HandleSample processes one sample sent by p. Calls for one driver
// connection must be sequential; the transport's read loop guarantees that.
// A sample without a timestamp is stamped with the receive time before it
// is stored or forwarded.
func (m *Manager) HandleSample(ctx context.Context, p *Participant, sample models.Sample) error {
	if p.Role != RoleDriver {
		return apperr.New(apperr.KindUnauthorized, "observers cannot send location samples")
	}
	if err := validSample(sample); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now().UTC()
	}
	s := p.sess
	s.mu.Lock()
	if p.closed {
		s.mu.Unlock()
		return errConnClosed
	}
	s.mu.Unlock()

	persisted, err := m.life.RecordRoutePoint(ctx, s.bookingID, sample)
	if err != nil {
		return fmt.Errorf("record route point: %w", err)
	}
	observability.SamplesTotal.WithLabelValues(fmt.Sprint(persisted)).Inc()

	s.mu.Lock()
	// p may have been replaced or ended while the route point was written.
	if p.closed {
		s.mu.Unlock()
		return errConnClosed
	}
	msg := models.TrackingMessage{Type: models.MessageLocation, BookingID: s.bookingID, Sample: &sample}
	if dropped := s.broadcastLocked(msg, true); dropped > 0 {
		observability.TrackingObservers.Sub(float64(dropped))
		m.log.Warn("slow observers disconnected", "booking_id", s.bookingID, "count", dropped)
	}
	status := s.status
	s.mu.Unlock()

	m.record(ctx, s.bookingID, status, sample)
	m.proximity(ctx, s, status, sample.Coord())
	return nil
}

var errConnClosed = apperr.New(apperr.KindNotFound, "tracking connection closed")

func validSample(s models.Sample) error {
	if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
		return apperr.New(apperr.KindInvalidInput, "sample coordinates out of range")
	}
	if s.Speed != nil && *s.Speed < 0 {
		return apperr.New(apperr.KindInvalidInput, "sample speed must not be negative")
	}
	return nil
}

// record keeps the last known position and mirrors the sample to the sink.
// Both are best effort.
func (m *Manager) record(ctx context.Context, bookingID string, status models.Status, sample models.Sample) {
	if m.positions != nil {
		if err := m.positions.Upsert(ctx, models.Position{BookingID: bookingID, Loc: sample.Coord(), Updated: sample.Timestamp.UTC()}); err != nil {
			m.log.Warn("position update failed", "booking_id", bookingID, "error", err)
		}
	}
	if m.sink != nil {
		if err := m.sink.PublishSample(ctx, bookingID, status, sample); err != nil {
			m.log.Warn("publish sample failed", "booking_id", bookingID, "error", err)
		}
	}
}

func (m *Manager) proximity(ctx context.Context, s *session, status models.Status, at models.Coord) {
	var (
		to   models.Status
		call func(context.Context, string) (*models.Booking, error)
	)
	switch {
	case status == models.StatusOnTheWay && geo.Within(at, s.pickup, m.cfg.PickupRadiusM):
		to, call = models.StatusArrivedPickup, m.life.ArriveAtPickup
	case status == models.StatusInProgress && geo.Within(at, s.dropoff, m.cfg.DropoffRadiusM):
		to, call = models.StatusArrivedDropoff, m.life.ArriveAtDropoff
	default:
		return
	}
	_, err := call(ctx, s.bookingID)
	switch {
	case err == nil:
		observability.AutoTransitionsTotal.WithLabelValues(string(to), "applied").Inc()
	case apperr.Is(err, apperr.KindInvalidTransition):
		// a manual transition or an earlier sample got there first
		observability.AutoTransitionsTotal.WithLabelValues(string(to), "superseded").Inc()
		m.log.Debug("auto transition superseded", "booking_id", s.bookingID, "to", to)
	default:
		observability.AutoTransitionsTotal.WithLabelValues(string(to), "error").Inc()
		m.log.Error("auto transition failed", "booking_id", s.bookingID, "to", to, "error", err)
	}
}

// StatusChanged pushes a status event to everyone on the booking's channel
// and ends the session once the booking is no longer trackable. A finished
// booking's last position is forgotten. It is registered as a booking
// status listener.
func (m *Manager) StatusChanged(ctx context.Context, b *models.Booking) {
	m.publishStatus(b)
	if m.positions == nil || !b.Status.Terminal() {
		return
	}
	if err := m.positions.Remove(context.WithoutCancel(ctx), b.ID); err != nil {
		m.log.Warn("position cleanup failed", "booking_id", b.ID, "error", err)
	}
}

func (m *Manager) publishStatus(b *models.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[b.ID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = b.Status
	if dropped := s.broadcastLocked(models.TrackingMessage{Type: models.MessageStatus, BookingID: b.ID, Status: b.Status}, true); dropped > 0 {
		observability.TrackingObservers.Sub(float64(dropped))
	}
	if !b.Status.Trackable() {
		m.endLocked(s)
	}
}

// LastPosition returns the most recent driver position for a booking.
func (m *Manager) LastPosition(ctx context.Context, bookingID string) (models.Position, bool, error) {
	if m.positions == nil {
		return models.Position{}, false, nil
	}
	return m.positions.Last(ctx, bookingID)
}

// RecentPoints returns up to limit recent samples for a booking, oldest
// first. It is empty unless the position store keeps a trail.
func (m *Manager) RecentPoints(ctx context.Context, bookingID string, limit int) ([]models.Sample, error) {
	t, ok := m.positions.(geo.Trails)
	if !ok || limit <= 0 {
		return nil, nil
	}
	return t.Trail(ctx, bookingID, limit)
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		m.endLocked(s)
		s.mu.Unlock()
	}
}
