package booking

import "math"

// Fare prices a trip from its distance and duration.
type Fare struct {
	BaseCents   int64
	PerKmCents  int64
	PerMinCents int64
}

// Price rounds to the nearest cent and never goes below the base fare.
func (f Fare) Price(km, minutes float64) int64 {
	if km < 0 {
		km = 0
	}
	if minutes < 0 {
		minutes = 0
	}
	variable := km*float64(f.PerKmCents) + minutes*float64(f.PerMinCents)
	return f.BaseCents + int64(math.Round(variable))
}
