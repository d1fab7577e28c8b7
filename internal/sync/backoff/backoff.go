// Package backoff computes per-record retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 5 * time.Minute
	DefaultJitter = 0.1

	// maxExponent caps the doubling so base<<attempt cannot overflow.
	maxExponent = 10
)

// Source yields uniform values in [0, 1).
type Source interface {
	Float64() float64
}

// SourceFunc adapts a function to Source.
type SourceFunc func() float64

// Float64 implements Source.
func (f SourceFunc) Float64() float64 { return f() }

// Fixed returns a Source that always yields v. Used to pin jitter in tests.
func Fixed(v float64) Source {
	return SourceFunc(func() float64 { return v })
}

// Calculator computes exponential delays with bounded random jitter.
type Calculator struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Source Source
}

// NewCalculator creates a calculator. A nil src uses math/rand.
func NewCalculator(base, max time.Duration, jitter float64, src Source) *Calculator {
	if src == nil {
		src = SourceFunc(rand.Float64)
	}
	return &Calculator{Base: base, Max: max, Jitter: jitter, Source: src}
}

// Default returns a calculator with base 1s, max 5m and 10% jitter.
func Default() *Calculator {
	return NewCalculator(DefaultBase, DefaultMax, DefaultJitter, nil)
}

// Delay returns the wait before retry number attempt (0-based).
func (c *Calculator) Delay(attempt int) time.Duration {
	return Delay(attempt, c.Base, c.Max, c.Jitter, c.Source)
}

// Delay computes min(base * 2^min(attempt, 10), max) + U[0, capped*jitter].
// The result is never negative. A nil src disables jitter.
func Delay(attempt int, base, max time.Duration, jitter float64, src Source) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponent {
		attempt = maxExponent
	}

	capped := base << attempt
	if capped <= 0 || (max > 0 && capped > max) {
		capped = max
	}
	if capped <= 0 {
		return 0
	}

	if jitter <= 0 || src == nil {
		return capped
	}
	return capped + time.Duration(src.Float64()*jitter*float64(capped))
}
