package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

type MemoryStore struct {
	mu            sync.RWMutex
	bookings      map[string]*models.Booking
	codes         map[string]string
	routePoints   map[string][]models.RoutePoint
	notifications map[string][]models.Notification
	accounts      map[string]*models.Account
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:      make(map[string]*models.Booking),
		codes:         make(map[string]string),
		routePoints:   make(map[string][]models.RoutePoint),
		notifications: make(map[string][]models.Notification),
		accounts:      make(map[string]*models.Account),
		now:           time.Now,
	}
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[b.PublicCode]; ok {
		return ErrDuplicateCode
	}
	m.bookings[b.ID] = b.Clone()
	m.codes[b.PublicCode] = b.ID
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) GetBookingByCode(_ context.Context, code string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return m.bookings[id].Clone(), nil
}

func (m *MemoryStore) ListBookings(_ context.Context, f BookingFilter) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(f), nil
}

func (m *MemoryStore) filterLocked(f BookingFilter) []models.Booking {
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if f.ExcludeID != "" && b.ID == f.ExcludeID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
			continue
		}
		if !f.PickupFrom.IsZero() && b.PickupTime.Before(f.PickupFrom) {
			continue
		}
		if !f.PickupTo.IsZero() && b.PickupTime.After(f.PickupTo) {
			continue
		}
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PickupTime.Before(out[j].PickupTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *MemoryStore) TransitionBooking(_ context.Context, id string, from models.Status, upd models.BookingUpdate) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, from, upd)
}

func (m *MemoryStore) ConfirmBooking(_ context.Context, id string, from models.Status, upd models.BookingUpdate, window time.Duration) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, other := range m.bookings {
		if other.ID == id || !other.Status.Committed() {
			continue
		}
		if overlaps(other.PickupTime, b.PickupTime, window) {
			return nil, ErrSlotTaken
		}
	}
	return m.transitionLocked(id, from, upd)
}

func (m *MemoryStore) transitionLocked(id string, from models.Status, upd models.BookingUpdate) (*models.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != from {
		return nil, ErrStatusConflict
	}
	next := b.Clone()
	upd.Apply(next, m.now())
	m.bookings[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) RecordRoutePoint(_ context.Context, p models.RoutePoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[p.BookingID]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != models.StatusInProgress {
		return false, nil
	}
	m.routePoints[p.BookingID] = append(m.routePoints[p.BookingID], p)
	return true, nil
}

func (m *MemoryStore) ListRoutePoints(_ context.Context, bookingID string) ([]models.RoutePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.routePoints[bookingID]
	out := make([]models.RoutePoint, len(pts))
	copy(out, pts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) AddNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if n.BookingID != nil {
		key = *n.BookingID
	}
	m.notifications[key] = append(m.notifications[key], *n)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, bookingID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns := m.notifications[bookingID]
	out := make([]models.Notification, len(ns))
	copy(out, ns)
	return out, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.accounts[a.ID] = &c
	return nil
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
