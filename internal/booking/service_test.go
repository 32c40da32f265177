package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/schedule"
	"github.com/example/ride-booking/internal/storage"
)

var (
	pickupAt = time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	clock    = pickupAt.Add(-24 * time.Hour)
)

type fakeRoute struct {
	mu    sync.Mutex
	est   eta.Estimate
	err   error
	calls int
}

func (f *fakeRoute) Estimate(ctx context.Context, from, to models.Coord, _ *time.Time) (eta.Estimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.est, f.err
}

type fakeGateway struct {
	mu          sync.Mutex
	depositErrs []error
	finalErr    error
	captureErr  error
	deposits    []payments.Charge
	finals      []payments.Charge
	captured    []string
	released    []string
}

func (g *fakeGateway) AuthorizeDeposit(ctx context.Context, c payments.Charge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deposits = append(g.deposits, c)
	if n := len(g.deposits); n <= len(g.depositErrs) && g.depositErrs[n-1] != nil {
		return "", g.depositErrs[n-1]
	}
	return "pi_deposit_" + c.BookingID + "_" + c.PaymentMethod, nil
}

func (g *fakeGateway) AuthorizeFinal(ctx context.Context, c payments.Charge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finals = append(g.finals, c)
	if g.finalErr != nil {
		return "", g.finalErr
	}
	return "pi_final_" + c.BookingID, nil
}

func (g *fakeGateway) CaptureDeposit(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured = append(g.captured, ref)
	return g.captureErr
}

func (g *fakeGateway) ReleaseDeposit(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, ref)
	return nil
}

func (g *fakeGateway) CreateSetupIntent(ctx context.Context, customer string) (string, error) {
	if customer == "" {
		return "", apperr.New(apperr.KindPrerequisite, "account has no payment customer")
	}
	return "seti_secret_" + customer, nil
}

type recordingArmer struct {
	mu       sync.Mutex
	armed    map[string]time.Time
	canceled []string
}

func (r *recordingArmer) Arm(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed[id] = at
	return nil
}

func (r *recordingArmer) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, id)
	delete(r.armed, id)
	return nil
}

type harness struct {
	svc   *Service
	store *storage.MemoryStore
	route *fakeRoute
	gw    *fakeGateway
	armer *recordingArmer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.Discard()
	st := storage.NewMemoryStore()
	route := &fakeRoute{est: eta.Estimate{DistanceKm: 10, DurationMin: 20}}
	gw := &fakeGateway{}
	disp := dispatch.New(st, log, dispatch.Options{Workers: 1, QueueSize: 16})
	t.Cleanup(disp.Close)

	sched := schedule.New(route, models.Coord{Lat: 52.5, Lon: 13.4}, 10*time.Minute, st, disp, log)
	armer := &recordingArmer{armed: map[string]time.Time{}}
	sched.Use(armer)

	svc := NewService(st, route, gw, disp, sched, Config{
		SlotWindow:   time.Hour,
		DepositCents: 500,
		Fare:         Fare{BaseCents: 300, PerKmCents: 150, PerMinCents: 30},
		DriverID:     "driver-1",
	}, log)
	svc.now = func() time.Time { return clock }

	ctx := context.Background()
	require.NoError(t, st.SaveAccount(ctx, &models.Account{ID: "cust-1", PaymentCustomer: "cus_1", PaymentMethodRef: "pm_ok"}))
	require.NoError(t, st.SaveAccount(ctx, &models.Account{ID: "cust-2", PaymentCustomer: "cus_2", PaymentMethodRef: "pm_ok"}))
	return &harness{svc: svc, store: st, route: route, gw: gw, armer: armer}
}

func (h *harness) create(t *testing.T, customer string, at time.Time) *models.Booking {
	t.Helper()
	b, err := h.svc.Create(context.Background(), CreateRequest{
		CustomerID: customer,
		Pickup:     models.Place{Address: "Alexanderplatz 1", Coord: models.Coord{Lat: 52.5219, Lon: 13.4132}},
		Dropoff:    models.Place{Address: "Flughafen BER", Coord: models.Coord{Lat: 52.3667, Lon: 13.5033}},
		PickupTime: at,
		Passengers: 2,
	})
	require.NoError(t, err)
	return b
}

func (h *harness) notificationTypes(t *testing.T, id string) []models.NotificationType {
	t.Helper()
	ns, err := h.store.ListNotifications(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.NotificationType, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Type)
	}
	return out
}

func declinedErr() error {
	return apperr.New(apperr.KindPaymentDeclined, "Your card has insufficient funds.")
}

func TestCreate(t *testing.T) {
	t.Run("prices the estimate and stores a pending booking", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-1", pickupAt)
		assert.Equal(t, models.StatusPending, b.Status)
		assert.Len(t, b.PublicCode, codeLength)
		assert.Equal(t, "driver-1", b.DriverID)
		assert.Equal(t, int64(300+1500+600), b.EstimatedCents)
		assert.Equal(t, int64(500), b.DepositCents)

		got, err := h.svc.GetByCode(context.Background(), b.PublicCode)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})

	t.Run("route failure leaves nothing behind", func(t *testing.T) {
		h := newHarness(t)
		h.route.err = apperr.New(apperr.KindRouteUnavailable, "route provider unavailable")
		_, err := h.svc.Create(context.Background(), CreateRequest{
			CustomerID: "cust-1", PickupTime: pickupAt, Passengers: 1,
		})
		assert.True(t, apperr.Is(err, apperr.KindRouteUnavailable))
		all, _ := h.store.ListBookings(context.Background(), storage.BookingFilter{})
		assert.Empty(t, all)
	})

	t.Run("rejects invalid requests before the route lookup", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), CreateRequest{PickupTime: clock.Add(-time.Minute), Passengers: 0})
		assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
		assert.Contains(t, err.Error(), "customer_id is required")
		assert.Zero(t, h.route.calls)
	})

	t.Run("retries on public code collisions", func(t *testing.T) {
		h := newHarness(t)
		codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
		h.svc.newCode = func() string { c := codes[0]; codes = codes[1:]; return c }
		first := h.create(t, "cust-1", pickupAt)
		second := h.create(t, "cust-2", pickupAt.Add(3*time.Hour))
		assert.Equal(t, "AAAAAA", first.PublicCode)
		assert.Equal(t, "BBBBBB", second.PublicCode)
	})
}

func TestConfirmExampleScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)

	got, err := h.svc.Confirm(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverConfirmed, got.Status)
	require.NotNil(t, got.DepositRef)
	require.Len(t, h.gw.deposits, 1)
	assert.Equal(t, int64(500), h.gw.deposits[0].AmountCents)
	assert.Equal(t, "pm_ok", h.gw.deposits[0].PaymentMethod)

	ns, err := h.svc.Notifications(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, models.NotifyConfirmation, ns[0].Type)
	assert.Equal(t, models.RoleCustomer, ns[0].Role)

	// 20 minutes of travel plus the 10 minute buffer
	want := pickupAt.Add(-30 * time.Minute)
	assert.Equal(t, want, h.armer.armed[b.ID])
	require.NotNil(t, got.LeaveAt)
	assert.Equal(t, want, *got.LeaveAt)
}

func TestDeclinedDepositThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)
	h.gw.depositErrs = []error{declinedErr()}

	_, err := h.svc.Confirm(ctx, b.ID)
	require.True(t, apperr.Is(err, apperr.KindPaymentDeclined))
	assert.Equal(t, "Your card has insufficient funds.", apperr.Message(err))

	failed, _ := h.svc.Get(ctx, b.ID)
	assert.Equal(t, models.StatusDepositFailed, failed.Status)
	assert.Nil(t, failed.DepositRef)
	assert.Empty(t, h.armer.armed)

	require.NoError(t, h.store.SaveAccount(ctx, &models.Account{ID: "cust-1", PaymentCustomer: "cus_1", PaymentMethodRef: "pm_new"}))
	ok, err := h.svc.RetryDeposit(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverConfirmed, ok.Status)
	require.NotNil(t, ok.DepositRef)
	assert.Equal(t, "pi_deposit_"+b.ID+"_pm_new", *ok.DepositRef)

	types := h.notificationTypes(t, b.ID)
	assert.Equal(t, []models.NotificationType{models.NotifyDepositFailed, models.NotifyConfirmation}, types)
}

func TestDeclineLoopStaysInDepositFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)
	h.gw.depositErrs = []error{declinedErr(), declinedErr()}

	_, err := h.svc.Confirm(ctx, b.ID)
	require.Error(t, err)
	_, err = h.svc.RetryDeposit(ctx, b.ID)
	require.True(t, apperr.Is(err, apperr.KindPaymentDeclined))
	got, _ := h.svc.Get(ctx, b.ID)
	assert.Equal(t, models.StatusDepositFailed, got.Status)
}

func TestConfirmFailuresWithoutSideEffects(t *testing.T) {
	ctx := context.Background()

	t.Run("gateway unavailable keeps the state", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-1", pickupAt)
		h.gw.depositErrs = []error{apperr.New(apperr.KindPaymentUnavailable, "payment gateway unavailable")}
		_, err := h.svc.Confirm(ctx, b.ID)
		assert.True(t, apperr.Is(err, apperr.KindPaymentUnavailable))
		got, _ := h.svc.Get(ctx, b.ID)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Empty(t, h.notificationTypes(t, b.ID))
	})

	t.Run("missing payment method is a prerequisite failure", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-new", pickupAt)
		_, err := h.svc.Confirm(ctx, b.ID)
		assert.True(t, apperr.Is(err, apperr.KindPrerequisite))
		assert.Empty(t, h.gw.deposits)
	})

	t.Run("route failure while planning the leave time", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-1", pickupAt)
		h.route.err = apperr.New(apperr.KindRouteUnavailable, "route provider unavailable")
		_, err := h.svc.Confirm(ctx, b.ID)
		assert.True(t, apperr.Is(err, apperr.KindRouteUnavailable))
		assert.Empty(t, h.gw.deposits)
		got, _ := h.svc.Get(ctx, b.ID)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("unknown booking", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Confirm(ctx, "missing")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestSlotExclusivity(t *testing.T) {
	ctx := context.Background()

	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		h := newHarness(t)
		bs := []*models.Booking{h.create(t, "cust-1", pickupAt), h.create(t, "cust-2", pickupAt)}

		_, err := h.svc.Confirm(ctx, bs[order[0]].ID)
		require.NoError(t, err)
		_, err = h.svc.Confirm(ctx, bs[order[1]].ID)
		require.True(t, apperr.Is(err, apperr.KindSlotUnavailable), "got %v", err)

		loser, _ := h.svc.Get(ctx, bs[order[1]].ID)
		assert.Equal(t, models.StatusPending, loser.Status)
		assert.Len(t, h.gw.deposits, 1, "the loser must not be charged")
	}

	t.Run("concurrent confirms", func(t *testing.T) {
		h := newHarness(t)
		const n = 6
		ids := make([]string, n)
		for i := range ids {
			ids[i] = h.create(t, "cust-1", pickupAt.Add(time.Duration(i)*time.Minute)).ID
		}
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = h.svc.Confirm(ctx, id)
			}(i, id)
		}
		wg.Wait()

		confirmed := 0
		for _, err := range errs {
			if err == nil {
				confirmed++
				continue
			}
			assert.True(t, apperr.Is(err, apperr.KindSlotUnavailable), "got %v", err)
		}
		assert.Equal(t, 1, confirmed)
		assert.Equal(t, len(h.gw.deposits)-1, len(h.gw.released), "every losing hold is released")
	})

	t.Run("slots outside the window do not collide", func(t *testing.T) {
		h := newHarness(t)
		a := h.create(t, "cust-1", pickupAt)
		b := h.create(t, "cust-2", pickupAt.Add(time.Hour))
		_, err := h.svc.Confirm(ctx, a.ID)
		require.NoError(t, err)
		_, err = h.svc.Confirm(ctx, b.ID)
		require.NoError(t, err)
	})
}

func TestTransitionsFollowTheGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)

	var seen []models.Status
	var mu sync.Mutex
	h.svc.OnStatus(func(_ context.Context, b *models.Booking) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, b.Status)
	})

	_, err := h.svc.Leave(ctx, b.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusPending, te.Current)
	assert.Equal(t, models.StatusOnTheWay, te.Attempted)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))

	_, err = h.svc.RetryDeposit(ctx, b.ID)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusDriverConfirmed, te.Attempted)

	steps := []func(context.Context, string) (*models.Booking, error){
		h.svc.Confirm, h.svc.Leave, h.svc.ArriveAtPickup, h.svc.StartTrip, h.svc.ArriveAtDropoff, h.svc.Complete,
	}
	for _, step := range steps {
		_, err := step(ctx, b.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, []models.Status{
		models.StatusDriverConfirmed, models.StatusOnTheWay, models.StatusArrivedPickup,
		models.StatusInProgress, models.StatusArrivedDropoff, models.StatusCompleted,
	}, seen)
	assert.Contains(t, h.armer.canceled, b.ID, "leaving cancels the reminder")

	_, err = h.svc.Decline(ctx, b.ID)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusCompleted, te.Current)
}

func TestDecline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)
	got, err := h.svc.Decline(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, got.Status)
	assert.Equal(t, []models.NotificationType{models.NotifyDeclined}, h.notificationTypes(t, b.ID))
	assert.Empty(t, h.gw.deposits)
}

func driveToDropoff(t *testing.T, h *harness, b *models.Booking, samples []models.Sample) {
	t.Helper()
	ctx := context.Background()
	for _, step := range []func(context.Context, string) (*models.Booking, error){
		h.svc.Confirm, h.svc.Leave, h.svc.ArriveAtPickup, h.svc.StartTrip,
	} {
		_, err := step(ctx, b.ID)
		require.NoError(t, err)
	}
	for _, s := range samples {
		ok, err := h.svc.RecordRoutePoint(ctx, b.ID, s)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := h.svc.ArriveAtDropoff(ctx, b.ID)
	require.NoError(t, err)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	start := pickupAt.Add(5 * time.Minute)
	// about 2.224 km over 12 minutes
	trip := []models.Sample{
		{Lat: 0, Lon: 0, Timestamp: start},
		{Lat: 0.01, Lon: 0, Timestamp: start.Add(6 * time.Minute)},
		{Lat: 0.02, Lon: 0, Timestamp: start.Add(12 * time.Minute)},
	}

	t.Run("prices the recorded route and charges the remainder", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-1", pickupAt)
		driveToDropoff(t, h, b, trip)

		got, err := h.svc.Complete(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		want := int64(300 + 334 + 360)
		require.NotNil(t, got.FinalCents)
		assert.Equal(t, want, *got.FinalCents)
		assert.Equal(t, []string{*got.DepositRef}, h.gw.captured)
		require.Len(t, h.gw.finals, 1)
		assert.Equal(t, want-500, h.gw.finals[0].AmountCents)
		require.NotNil(t, got.FinalRef)
	})

	t.Run("final charge failure keeps the trip at the dropoff", func(t *testing.T) {
		h := newHarness(t)
		b := h.create(t, "cust-1", pickupAt)
		driveToDropoff(t, h, b, trip)
		h.gw.finalErr = apperr.New(apperr.KindPaymentDeclined, "card declined")

		_, err := h.svc.Complete(ctx, b.ID)
		require.True(t, apperr.Is(err, apperr.KindPaymentDeclined))
		got, _ := h.svc.Get(ctx, b.ID)
		assert.Equal(t, models.StatusArrivedDropoff, got.Status)
		assert.Contains(t, h.notificationTypes(t, b.ID), models.NotifyPaymentFailed)

		h.gw.finalErr = nil
		done, err := h.svc.Complete(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, done.Status)
	})

	t.Run("short trips cost at least the deposit", func(t *testing.T) {
		h := newHarness(t)
		h.svc.cfg.DepositCents = 5000
		b := h.create(t, "cust-1", pickupAt)
		driveToDropoff(t, h, b, trip)
		got, err := h.svc.Complete(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), *got.FinalCents)
		assert.Empty(t, h.gw.finals)
	})
}

func TestRouteSamplesOnlyWhileInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t, "cust-1", pickupAt)
	_, err := h.svc.Confirm(ctx, b.ID)
	require.NoError(t, err)
	_, err = h.svc.Leave(ctx, b.ID)
	require.NoError(t, err)

	ok, err := h.svc.RecordRoutePoint(ctx, b.ID, models.Sample{Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	pts, _ := h.svc.RoutePoints(ctx, b.ID)
	assert.Empty(t, pts)
}

func TestAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateSetupIntent(ctx, "fresh")
	assert.True(t, apperr.Is(err, apperr.KindPrerequisite))

	a, err := h.svc.AttachPaymentMethod(ctx, "fresh", PaymentSetup{PaymentCustomer: "cus_9"})
	require.NoError(t, err)
	assert.Equal(t, "cus_9", a.PaymentCustomer)
	secret, err := h.svc.CreateSetupIntent(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "seti_secret_cus_9", secret)

	a, err = h.svc.AttachPaymentMethod(ctx, "fresh", PaymentSetup{PaymentMethod: "pm_9"})
	require.NoError(t, err)
	assert.Equal(t, "cus_9", a.PaymentCustomer)
	assert.Equal(t, "pm_9", a.PaymentMethodRef)

	require.NoError(t, h.svc.RegisterPushToken(ctx, "fresh", " tok "))
	stored, _ := h.store.GetAccount(ctx, "fresh")
	assert.Equal(t, "tok", stored.PushToken)
	assert.Equal(t, "pm_9", stored.PaymentMethodRef)

	_, err = h.svc.AttachPaymentMethod(ctx, "fresh", PaymentSetup{})
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func TestFarePrice(t *testing.T) {
	f := Fare{BaseCents: 300, PerKmCents: 150, PerMinCents: 30}
	assert.Equal(t, int64(300), f.Price(0, 0))
	assert.Equal(t, int64(300), f.Price(-1, -5))
	assert.Equal(t, int64(300+150+30), f.Price(1, 1))
	assert.Equal(t, int64(300+334+360), f.Price(2.224, 12))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	other := k.Lock("b") // different keys never block each other
	other()

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock() // idempotent
	<-acquired
}

func TestStoreErrMapping(t *testing.T) {
	assert.True(t, apperr.Is(storeErr(storage.ErrNotFound, "booking"), apperr.KindNotFound))
	assert.True(t, apperr.Is(storeErr(storage.ErrSlotTaken, "booking"), apperr.KindSlotUnavailable))
	assert.True(t, apperr.Is(storeErr(errors.New("boom"), "booking"), apperr.KindInternal))
	assert.NoError(t, storeErr(nil, "booking"))
}
