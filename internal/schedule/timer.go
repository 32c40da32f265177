package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/observability"
)

type stopper interface {
	Stop() bool
}

// FireFunc is invoked when a leave timer elapses.
type FireFunc func(ctx context.Context, bookingID string) error

// TimerArmer holds leave timers in process memory. Pending timers are lost
// on restart; use AsynqArmer when that matters.
type TimerArmer struct {
	mu     sync.Mutex
	timers map[string]armed
	seq    uint64
	fire   FireFunc
	log    *slog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

type armed struct {
	t   stopper
	gen uint64
}

func NewTimerArmer(fire FireFunc, log *slog.Logger) *TimerArmer {
	return &TimerArmer{
		timers: make(map[string]armed),
		fire:   fire,
		log:    log.With("component", "leave_timer"),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

func (a *TimerArmer) Arm(_ context.Context, bookingID string, at time.Time) error {
	d := at.Sub(a.now())
	if d < 0 {
		d = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.timers[bookingID]; ok {
		prev.t.Stop()
	}
	a.seq++
	gen := a.seq
	a.timers[bookingID] = armed{gen: gen, t: a.afterFunc(d, func() { a.elapsed(bookingID, gen) })}
	observability.LeaveTimersArmed.Set(float64(len(a.timers)))
	return nil
}

func (a *TimerArmer) Cancel(_ context.Context, bookingID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.timers[bookingID]; ok {
		prev.t.Stop()
		delete(a.timers, bookingID)
		observability.LeaveTimersArmed.Set(float64(len(a.timers)))
	}
	return nil
}

// Stop cancels every pending timer.
func (a *TimerArmer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.t.Stop()
		delete(a.timers, id)
	}
	observability.LeaveTimersArmed.Set(0)
}

func (a *TimerArmer) elapsed(bookingID string, gen uint64) {
	a.mu.Lock()
	cur, ok := a.timers[bookingID]
	if !ok || cur.gen != gen {
		// superseded or cancelled after the timer had already started
		a.mu.Unlock()
		return
	}
	delete(a.timers, bookingID)
	observability.LeaveTimersArmed.Set(float64(len(a.timers)))
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.fire(ctx, bookingID); err != nil {
		a.log.Error("leave timer fire failed", "booking_id", bookingID, "error", err)
	}
}
