package booking

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/storage"
)

// Confirm commits the driver to a PENDING or DEPOSIT_FAILED booking by
// authorizing its deposit.
func (s *Service) Confirm(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.commit(ctx, id, models.StatusPending, models.StatusDepositFailed)
	return b, s.rejected(err)
}

// RetryDeposit is Confirm restricted to DEPOSIT_FAILED.
func (s *Service) RetryDeposit(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.commit(ctx, id, models.StatusDepositFailed)
	return b, s.rejected(err)
}

// commit runs the deposit path shared by Confirm and RetryDeposit.
//
// Order matters: every check that can fail without side effects (state,
// payment method, slot, leave-time route lookup) runs before the deposit
// hold is placed. If the slot is lost between the hold and the commit the
// hold is released again.
func (s *Service) commit(ctx context.Context, id string, from ...models.Status) (*models.Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, storeErr(err, "booking")
	}
	if !slices.Contains(from, b.Status) {
		return nil, &TransitionError{BookingID: id, Current: b.Status, Attempted: models.StatusDriverConfirmed}
	}

	acct, err := s.store.GetAccount(ctx, b.CustomerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, storeErr(err, "account")
	}
	if acct == nil || acct.PaymentMethodRef == "" {
		return nil, apperr.New(apperr.KindPrerequisite, "no payment method on file")
	}

	if err := s.slotFree(ctx, b); err != nil {
		return nil, err
	}

	leaveAt, err := s.leave.Plan(ctx, b)
	if err != nil {
		return nil, err
	}

	var ref string
	if b.DepositCents > 0 {
		ref, err = s.pay.AuthorizeDeposit(ctx, payments.Charge{
			AmountCents:   b.DepositCents,
			BookingID:     b.ID,
			Customer:      acct.PaymentCustomer,
			PaymentMethod: acct.PaymentMethodRef,
		})
		if apperr.Is(err, apperr.KindPaymentDeclined) {
			return nil, s.depositDeclined(ctx, unlock, b, err)
		}
		if err != nil {
			// unavailable or misconfigured: state is unchanged
			return nil, err
		}
	}

	status := models.StatusDriverConfirmed
	upd := models.BookingUpdate{Status: &status, LeaveAt: &leaveAt}
	if ref != "" {
		upd.DepositRef = &ref
	}
	nb, err := s.store.ConfirmBooking(ctx, id, b.Status, upd, s.cfg.SlotWindow)
	if err != nil {
		s.releaseHold(ctx, ref)
		if errors.Is(err, storage.ErrStatusConflict) {
			return nil, s.conflict(ctx, id, status)
		}
		return nil, storeErr(err, "booking")
	}

	if err := s.leave.Arm(ctx, id, leaveAt); err != nil {
		// the booking is confirmed either way; the reminder is best effort
		s.log.Error("arm leave timer failed", "booking_id", id, "error", err)
	}
	unlock()

	payload := basePayload(nb)
	payload["deposit_cents"] = nb.DepositCents
	payload["leave_at"] = leaveAt.UTC().Format(time.RFC3339)
	s.committed(ctx, b.Status, nb, event{models.NotifyConfirmation, models.RoleCustomer, payload})
	return nb, nil
}

// slotFree fails fast when another committed booking already holds the
// pickup slot. The authoritative check is repeated atomically on commit.
func (s *Service) slotFree(ctx context.Context, b *models.Booking) error {
	// the filter bounds are inclusive, the collision window is open
	reach := s.cfg.SlotWindow - time.Microsecond
	if reach < 0 {
		reach = 0
	}
	held, err := s.store.ListBookings(ctx, storage.BookingFilter{
		Statuses:   models.CommittedStatuses,
		PickupFrom: b.PickupTime.Add(-reach),
		PickupTo:   b.PickupTime.Add(reach),
		ExcludeID:  b.ID,
		Limit:      1,
	})
	if err != nil {
		return storeErr(err, "bookings")
	}
	if len(held) > 0 {
		return apperr.New(apperr.KindSlotUnavailable, "the driver is already committed to a booking at that time")
	}
	return nil
}

func (s *Service) depositDeclined(ctx context.Context, unlock func(), b *models.Booking, cause error) error {
	status := models.StatusDepositFailed
	nb, err := s.store.TransitionBooking(ctx, b.ID, b.Status, models.BookingUpdate{Status: &status, ClearDepositRef: true})
	if err != nil {
		s.log.Error("record declined deposit failed", "booking_id", b.ID, "error", err)
		return cause
	}
	unlock()
	payload := basePayload(nb)
	payload["reason"] = apperr.Message(cause)
	s.committed(ctx, b.Status, nb, event{models.NotifyDepositFailed, models.RoleCustomer, payload})
	return cause
}

func (s *Service) releaseHold(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.pay.ReleaseDeposit(context.WithoutCancel(ctx), ref); err != nil {
		s.log.Error("release deposit hold failed", "payment_ref", ref, "error", err)
	}
}

// Decline rejects a PENDING booking. No payment is involved.
func (s *Service) Decline(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.advance(ctx, id, models.StatusDeclined, models.NotifyDeclined, nil)
	return b, s.rejected(err)
}

// Leave marks the driver as on the way and cancels the leave reminder.
func (s *Service) Leave(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.advance(ctx, id, models.StatusOnTheWay, models.NotifyOnTheWay, func(ctx context.Context, b *models.Booking) {
		if err := s.leave.Cancel(ctx, b.ID); err != nil {
			s.log.Warn("cancel leave timer failed", "booking_id", b.ID, "error", err)
		}
	})
	return b, s.rejected(err)
}

func (s *Service) ArriveAtPickup(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.advance(ctx, id, models.StatusArrivedPickup, models.NotifyArrivedPickup, nil)
	return b, s.rejected(err)
}

func (s *Service) StartTrip(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.advance(ctx, id, models.StatusInProgress, models.NotifyTripStarted, nil)
	return b, s.rejected(err)
}

func (s *Service) ArriveAtDropoff(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.advance(ctx, id, models.StatusArrivedDropoff, models.NotifyArrivedDropoff, nil)
	return b, s.rejected(err)
}

// advance applies a transition that involves no payment. after runs under
// the booking lock once the new status is stored.
func (s *Service) advance(ctx context.Context, id string, to models.Status, typ models.NotificationType, after func(context.Context, *models.Booking)) (*models.Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, storeErr(err, "booking")
	}
	if !b.Status.CanTransition(to) {
		return nil, &TransitionError{BookingID: id, Current: b.Status, Attempted: to}
	}
	nb, err := s.store.TransitionBooking(ctx, id, b.Status, models.BookingUpdate{Status: &to})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, s.conflict(ctx, id, to)
	}
	if err != nil {
		return nil, storeErr(err, "booking")
	}
	if after != nil {
		after(ctx, nb)
	}
	unlock()

	s.committed(ctx, b.Status, nb, event{typ, models.RoleCustomer, basePayload(nb)})
	return nb, nil
}

// Complete prices the trip from its recorded route, captures the deposit,
// charges the remainder and moves the booking to COMPLETED. When a charge
// fails the booking stays in ARRIVED_DROPOFF and Complete can be retried.
func (s *Service) Complete(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.complete(ctx, id)
	return b, s.rejected(err)
}

func (s *Service) complete(ctx context.Context, id string) (*models.Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, storeErr(err, "booking")
	}
	if b.Status != models.StatusArrivedDropoff {
		return nil, &TransitionError{BookingID: id, Current: b.Status, Attempted: models.StatusCompleted}
	}

	final, err := s.finalPrice(ctx, b)
	if err != nil {
		return nil, err
	}
	remainder := final - b.DepositCents

	if b.DepositRef != nil {
		if err := s.pay.CaptureDeposit(ctx, *b.DepositRef); err != nil {
			return nil, s.chargeFailed(ctx, unlock, b, final, err)
		}
	}
	var finalRef *string
	if remainder > 0 {
		acct, err := s.store.GetAccount(ctx, b.CustomerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, storeErr(err, "account")
		}
		if acct == nil || acct.PaymentMethodRef == "" {
			return nil, apperr.New(apperr.KindPrerequisite, "no payment method on file")
		}
		ref, err := s.pay.AuthorizeFinal(ctx, payments.Charge{
			AmountCents:   remainder,
			BookingID:     b.ID,
			Customer:      acct.PaymentCustomer,
			PaymentMethod: acct.PaymentMethodRef,
		})
		if err != nil {
			return nil, s.chargeFailed(ctx, unlock, b, final, err)
		}
		finalRef = &ref
	}

	status := models.StatusCompleted
	nb, err := s.store.TransitionBooking(ctx, id, b.Status, models.BookingUpdate{Status: &status, FinalCents: &final, FinalRef: finalRef})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, s.conflict(ctx, id, status)
	}
	if err != nil {
		return nil, storeErr(err, "booking")
	}
	unlock()

	payload := basePayload(nb)
	payload["final_cents"] = final
	s.committed(ctx, b.Status, nb, event{models.NotifyCompleted, models.RoleCustomer, payload})
	return nb, nil
}

// finalPrice prices the recorded route. A trip with fewer than two recorded
// points falls back to the estimate. The deposit is the minimum charge.
func (s *Service) finalPrice(ctx context.Context, b *models.Booking) (int64, error) {
	pts, err := s.store.ListRoutePoints(ctx, b.ID)
	if err != nil {
		return 0, storeErr(err, "route")
	}
	km, minutes := b.EstimatedKm, b.EstimatedMinutes
	if len(pts) >= 2 {
		km, minutes = geo.RouteMetrics(pts)
	}
	final := s.cfg.Fare.Price(km, minutes)
	if final < b.DepositCents {
		final = b.DepositCents
	}
	return final, nil
}

func (s *Service) chargeFailed(ctx context.Context, unlock func(), b *models.Booking, final int64, cause error) error {
	unlock()
	payload := basePayload(b)
	payload["final_cents"] = final
	payload["reason"] = apperr.Message(cause)
	s.notify.Dispatch(ctx, b.ID, models.NotifyPaymentFailed, models.RoleCustomer, payload)
	s.log.Warn("final charge failed", "booking_id", b.ID, "final_cents", final, "error", cause)
	return cause
}
