// Package expiry computes token and session expiry instants, optionally
// rounding long sessions to a quiet-hours boundary so they end during the
// subject's likely idle window instead of mid-use.
package expiry

import (
	"time"

	"github.com/idport/idport/internal/core"
)

// Policy describes how an expiry instant is derived from a requested
// lifetime.
type Policy struct {
	// RoundEnabled turns boundary rounding on. When off, Compute is a
	// plain addition.
	RoundEnabled bool

	// BoundaryHour/BoundaryMinute give the local time of day to round to.
	BoundaryHour   int
	BoundaryMinute int

	// Location is the timezone the boundary is interpreted in.
	Location *time.Location

	// MinimumDuration guarantees a usable session length: the boundary
	// chosen lies at or after the naive expiry plus this padding.
	MinimumDuration time.Duration
}

// FromSettings builds a Policy from tenant expiry settings. An unknown
// timezone is a configuration error.
func FromSettings(s core.ExpirySettings) (Policy, error) {
	p := Policy{
		RoundEnabled:    s.RoundEnabled,
		BoundaryHour:    s.BoundaryHour,
		BoundaryMinute:  s.BoundaryMinute,
		MinimumDuration: s.MinimumDuration,
	}
	if !s.RoundEnabled {
		return p, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return Policy{}, core.NewConfigError("invalid expiry timezone %q: %v", s.Timezone, err)
	}
	p.Location = loc
	return p, nil
}

// Compute returns the expiry instant for a session starting at now with
// the given requested lifetime. A non-positive lifetime is a configuration
// error, not a policy decision.
func Compute(now time.Time, lifetime time.Duration, p Policy) (time.Time, error) {
	if lifetime <= 0 {
		return time.Time{}, core.NewConfigError("requested lifetime must be positive, got %s", lifetime)
	}

	naive := now.Add(lifetime)
	if !p.RoundEnabled {
		return naive, nil
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	// The earliest acceptable end: the naive expiry padded by the minimum
	// duration. Rounding picks the first boundary occurrence at or after
	// this instant.
	candidate := naive.Add(p.MinimumDuration).In(loc)

	y, m, d := candidate.Date()
	boundary := time.Date(y, m, d, p.BoundaryHour, p.BoundaryMinute, 0, 0, loc)
	if boundary.Before(candidate) {
		boundary = time.Date(y, m, d+1, p.BoundaryHour, p.BoundaryMinute, 0, 0, loc)
	}

	if !boundary.After(now) {
		return naive, nil
	}
	return boundary, nil
}
