package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-booking/internal/models"
)

// ProviderError is a failed lookup classified for the retry policy.
type ProviderError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("route provider status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("route provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Limiter  *rate.Limiter
}

// NewOSRMClient builds a client issuing at most perSec requests per second;
// perSec <= 0 disables limiting.
func NewOSRMClient(endpoint string, perSec float64) *OSRMClient {
	c := &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
	if perSec > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(perSec), int(perSec)+1)
	}
	return c
}

// Estimate queries OSRM /route between points. OSRM has no traffic model, so
// departAt is accepted for interface compatibility and ignored.
func (o *OSRMClient) Estimate(ctx context.Context, from, to models.Coord, _ *time.Time) (Estimate, error) {
	if o.Limiter != nil {
		if err := o.Limiter.Wait(ctx); err != nil {
			return Estimate{}, &ProviderError{Transient: true, Err: err}
		}
	}
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Estimate{}, &ProviderError{Err: err}
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Estimate{}, &ProviderError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		return Estimate{}, &ProviderError{Status: resp.StatusCode, Err: fmt.Errorf("rejected: %s", resp.Status)}
	case resp.StatusCode >= 500:
		return Estimate{}, &ProviderError{Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("server error: %s", resp.Status)}
	}

	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Estimate{}, &ProviderError{Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("decode: %w", err)}
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Estimate{}, &ProviderError{Status: resp.StatusCode, Err: fmt.Errorf("osrm no route: %s %s", out.Code, out.Message)}
	}
	return Estimate{DistanceKm: out.Routes[0].Distance / 1000, DurationMin: out.Routes[0].Duration / 60}, nil
}
