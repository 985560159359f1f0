package workingmemory

import (
	"math"
	"time"
)

// DurationPolicy maps a content category onto a trial length.
type DurationPolicy struct {
	tables *Tables
}

// Hours returns the trial length for category scaled by the clamped multiplier.
// Unknown categories use the default category's duration.
func (p DurationPolicy) Hours(category string, multiplier float64) float64 {
	base, ok := p.tables.CategoryHours[category]
	if !ok {
		base = p.tables.CategoryHours[p.tables.DefaultCategory]
	}
	return base * p.ClampMultiplier(multiplier)
}

// ClampMultiplier forces m into the configured range. Zero and NaN mean "no scaling".
func (p DurationPolicy) ClampMultiplier(m float64) float64 {
	if m == 0 || math.IsNaN(m) {
		m = 1
	}
	return min(max(m, p.tables.MinMultiplier), p.tables.MaxMultiplier)
}

// Expiry returns enteredAt plus the trial length.
func (p DurationPolicy) Expiry(enteredAt time.Time, category string, multiplier float64) time.Time {
	hours := p.Hours(category, multiplier)
	return enteredAt.Add(time.Duration(hours * float64(time.Hour)))
}
