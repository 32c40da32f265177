package tracking

import (
	"sync"

	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// Role is the side of a tracking channel a participant connected as.
type Role string

const (
	RoleDriver Role = "driver"
	RoleWatch  Role = "watch"
)

// Peer is the outbound half of one connection. Send is only ever called
// from the participant's writer goroutine.
type Peer interface {
	Send(msg models.TrackingMessage) error
	Close()
}

// Participant is one connection registered with a session. Messages are
// queued and written in order by a dedicated goroutine.
type Participant struct {
	Identity auth.Identity
	Role     Role

	sess   *session
	peer   Peer
	out    chan models.TrackingMessage
	closed bool // guarded by sess.mu
	done   chan struct{}
}

// Done is closed once the participant's connection has been shut down.
func (p *Participant) Done() <-chan struct{} { return p.done }

func (p *Participant) writeLoop(onError func(*Participant)) {
	defer close(p.done)
	defer p.peer.Close()
	for msg := range p.out {
		if err := p.peer.Send(msg); err != nil {
			onError(p)
			for range p.out {
			}
			return
		}
	}
}

// session is the live state of one booking's channel: at most one driver and
// any number of observers.
type session struct {
	bookingID string
	pickup    models.Coord
	dropoff   models.Coord

	mu        sync.Mutex
	status    models.Status
	driver    *Participant
	observers map[*Participant]struct{}
	gap       stopper
	ended     bool
}

func newSession(b *models.Booking) *session {
	return &session{
		bookingID: b.ID,
		pickup:    b.Pickup.Coord,
		dropoff:   b.Dropoff.Coord,
		status:    b.Status,
		observers: make(map[*Participant]struct{}),
	}
}

// enqueueLocked queues msg for p. A participant whose queue is full is shut
// down rather than silently skipping a message.
func (s *session) enqueueLocked(p *Participant, msg models.TrackingMessage) bool {
	if p.closed {
		return false
	}
	select {
	case p.out <- msg:
		return true
	default:
		s.closeLocked(p)
		return false
	}
}

// broadcastLocked queues msg for every observer and, when echo is set, for
// the driver. It returns the number of observers that were dropped. A
// driver that cannot keep up loses the echo but keeps its connection, so
// only Disconnect ever detaches the driver.
func (s *session) broadcastLocked(msg models.TrackingMessage, echo bool) int {
	dropped := 0
	for o := range s.observers {
		if !s.enqueueLocked(o, msg) {
			dropped++
		}
	}
	if echo && s.driver != nil && !s.driver.closed {
		select {
		case s.driver.out <- msg:
		default:
			observability.EchoesSkipped.Inc()
		}
	}
	return dropped
}

// closeLocked detaches p and lets its writer flush what is already queued.
func (s *session) closeLocked(p *Participant) {
	if p.closed {
		return
	}
	p.closed = true
	close(p.out)
	if s.driver == p {
		s.driver = nil
	}
	delete(s.observers, p)
}

func (s *session) emptyLocked() bool {
	return s.driver == nil && len(s.observers) == 0
}
