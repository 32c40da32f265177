package eta

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// RetryingClient retries transient lookup failures with doubling backoff.
// Failures the provider marks as permanent surface on the first attempt as
// ROUTE_PROVIDER_REJECTED; exhausting the attempts yields
// ROUTE_PROVIDER_UNAVAILABLE. It keeps no per-call state.
type RetryingClient struct {
	Next     Client
	Attempts int
	Backoff  time.Duration
}

func NewRetryingClient(next Client, attempts int, backoff time.Duration) *RetryingClient {
	if attempts <= 0 {
		attempts = 3
	}
	return &RetryingClient{Next: next, Attempts: attempts, Backoff: backoff}
}

func (r *RetryingClient) Estimate(ctx context.Context, from, to models.Coord, departAt *time.Time) (Estimate, error) {
	delay := r.Backoff
	var lastErr error
	for i := 0; i < r.Attempts; i++ {
		est, err := r.Next.Estimate(ctx, from, to, departAt)
		if err == nil {
			observability.RouteLookupsTotal.WithLabelValues("ok").Inc()
			return est, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Estimate{}, apperr.Wrap(apperr.KindRouteUnavailable, "route lookup cancelled", ctx.Err())
		}
		if !transient(err) {
			observability.RouteLookupsTotal.WithLabelValues("rejected").Inc()
			return Estimate{}, apperr.Wrap(apperr.KindRouteRejected, "route provider rejected the lookup", err)
		}
		if i == r.Attempts-1 {
			break
		}
		observability.RouteLookupsTotal.WithLabelValues("retry").Inc()
		select {
		case <-ctx.Done():
			return Estimate{}, apperr.Wrap(apperr.KindRouteUnavailable, "route lookup cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.RouteLookupsTotal.WithLabelValues("exhausted").Inc()
	return Estimate{}, apperr.Wrap(apperr.KindRouteUnavailable, "route provider unavailable", lastErr)
}

func transient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
