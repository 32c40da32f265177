package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-booking/internal/models"
)

var pickupAt = time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)

func newBooking(id, code string, status models.Status, at time.Time) *models.Booking {
	return &models.Booking{ID: id, PublicCode: code, CustomerID: "c-" + id, PickupTime: at, Status: status, DepositCents: 500}
}

func TestMemoryStoreBookings(t *testing.T) {
	ctx := context.Background()

	t.Run("create rejects duplicate public codes", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "ABC123", models.StatusPending, pickupAt)))
		err := s.CreateBooking(ctx, newBooking("b2", "ABC123", models.StatusPending, pickupAt))
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("lookups and not found", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "ABC123", models.StatusPending, pickupAt)))
		b, err := s.GetBookingByCode(ctx, "ABC123")
		require.NoError(t, err)
		assert.Equal(t, "b1", b.ID)
		_, err = s.GetBooking(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returned bookings are copies", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "ABC123", models.StatusPending, pickupAt)))
		b, _ := s.GetBooking(ctx, "b1")
		b.Status = models.StatusCompleted
		again, _ := s.GetBooking(ctx, "b1")
		assert.Equal(t, models.StatusPending, again.Status)
	})

	t.Run("transition is a compare and swap on status", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "ABC123", models.StatusDriverConfirmed, pickupAt)))
		next := models.StatusOnTheWay
		b, err := s.TransitionBooking(ctx, "b1", models.StatusDriverConfirmed, models.BookingUpdate{Status: &next})
		require.NoError(t, err)
		assert.Equal(t, models.StatusOnTheWay, b.Status)

		_, err = s.TransitionBooking(ctx, "b1", models.StatusDriverConfirmed, models.BookingUpdate{Status: &next})
		assert.ErrorIs(t, err, ErrStatusConflict)
		_, err = s.TransitionBooking(ctx, "nope", models.StatusDriverConfirmed, models.BookingUpdate{Status: &next})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters by status and pickup range", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "A", models.StatusPending, pickupAt)))
		require.NoError(t, s.CreateBooking(ctx, newBooking("b2", "B", models.StatusDriverConfirmed, pickupAt.Add(time.Hour))))
		require.NoError(t, s.CreateBooking(ctx, newBooking("b3", "C", models.StatusDriverConfirmed, pickupAt.Add(5*time.Hour))))
		got, err := s.ListBookings(ctx, BookingFilter{
			Statuses:   models.CommittedStatuses,
			PickupFrom: pickupAt,
			PickupTo:   pickupAt.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b2", got[0].ID)
	})
}

func TestMemoryStoreConfirmExclusivity(t *testing.T) {
	ctx := context.Background()
	confirmed := models.StatusDriverConfirmed

	t.Run("second booking in the same slot is rejected", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "A", models.StatusPending, pickupAt)))
		require.NoError(t, s.CreateBooking(ctx, newBooking("b2", "B", models.StatusPending, pickupAt)))
		_, err := s.ConfirmBooking(ctx, "b1", models.StatusPending, models.BookingUpdate{Status: &confirmed}, time.Hour)
		require.NoError(t, err)
		_, err = s.ConfirmBooking(ctx, "b2", models.StatusPending, models.BookingUpdate{Status: &confirmed}, time.Hour)
		assert.ErrorIs(t, err, ErrSlotTaken)
	})

	t.Run("bookings outside the window do not collide", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "A", models.StatusDriverConfirmed, pickupAt)))
		require.NoError(t, s.CreateBooking(ctx, newBooking("b2", "B", models.StatusPending, pickupAt.Add(2*time.Hour))))
		_, err := s.ConfirmBooking(ctx, "b2", models.StatusPending, models.BookingUpdate{Status: &confirmed}, time.Hour)
		assert.NoError(t, err)
	})

	t.Run("terminal bookings release the slot", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "A", models.StatusCompleted, pickupAt)))
		require.NoError(t, s.CreateBooking(ctx, newBooking("b2", "B", models.StatusPending, pickupAt)))
		_, err := s.ConfirmBooking(ctx, "b2", models.StatusPending, models.BookingUpdate{Status: &confirmed}, time.Hour)
		assert.NoError(t, err)
	})

	t.Run("concurrent confirms in one slot admit one winner", func(t *testing.T) {
		s := NewMemoryStore()
		ids := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
		for _, id := range ids {
			require.NoError(t, s.CreateBooking(ctx, newBooking(id, "code-"+id, models.StatusPending, pickupAt)))
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.ConfirmBooking(ctx, id, models.StatusPending, models.BookingUpdate{Status: &confirmed}, time.Hour)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, ErrSlotTaken) {
					t.Errorf("unexpected error %v", err)
				}
			}(id)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestMemoryStoreRoutePointsOnlyInProgress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateBooking(ctx, newBooking("b1", "A", models.StatusOnTheWay, pickupAt)))

	ok, err := s.RecordRoutePoint(ctx, models.RoutePoint{ID: "p1", BookingID: "b1", Timestamp: pickupAt})
	require.NoError(t, err)
	assert.False(t, ok)

	for _, st := range []models.Status{models.StatusArrivedPickup, models.StatusInProgress} {
		from := map[models.Status]models.Status{models.StatusArrivedPickup: models.StatusOnTheWay, models.StatusInProgress: models.StatusArrivedPickup}[st]
		next := st
		_, err := s.TransitionBooking(ctx, "b1", from, models.BookingUpdate{Status: &next})
		require.NoError(t, err)
	}
	ok, err = s.RecordRoutePoint(ctx, models.RoutePoint{ID: "p2", BookingID: "b1", Timestamp: pickupAt.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)

	pts, err := s.ListRoutePoints(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "p2", pts[0].ID)

	_, err = s.RecordRoutePoint(ctx, models.RoutePoint{ID: "p3", BookingID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreNotificationsAndAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := "b1"
	require.NoError(t, s.AddNotification(ctx, &models.Notification{ID: "n1", BookingID: &id, Type: models.NotifyConfirmation, Role: models.RoleCustomer}))
	require.NoError(t, s.AddNotification(ctx, &models.Notification{ID: "n2", Type: models.NotifyLeaveNow, Role: models.RoleDriver}))
	ns, err := s.ListNotifications(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, models.NotifyConfirmation, ns[0].Type)

	_, err = s.GetAccount(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SaveAccount(ctx, &models.Account{ID: "c1", PaymentMethodRef: "pm_1"}))
	a, err := s.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "pm_1", a.PaymentMethodRef)
}
