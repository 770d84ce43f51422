package executor

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy is the retry policy for failed tasks. Attempt numbers passed to its
// methods count failures so far: the first retry is attempt 1.
type Policy struct {
	MaxAttempts     int           // executions before a retryable failure becomes permanent
	BaseDelay       time.Duration // delay before attempt 1
	Multiplier      float64       // growth per attempt
	MaxDelay        time.Duration // cap before jitter
	Jitter          float64       // fraction, e.g. 0.25 is +/-25%
	ClaimRetryDelay time.Duration // redelivery delay while another worker holds the claim
}

// DefaultPolicy approximates a 1s, 4s, 16s, 1m, 4m, 10m schedule
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     6,
		BaseDelay:       time.Second,
		Multiplier:      4,
		MaxDelay:        10 * time.Minute,
		Jitter:          0.25,
		ClaimRetryDelay: 5 * time.Second,
	}
}

// Validate rejects policies that would never retry sensibly
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.ClaimRetryDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("max delay must be >= base delay"))
	}
	if p.Multiplier < 1 {
		errs = append(errs, errors.New("multiplier must be >= 1"))
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		errs = append(errs, errors.New("jitter must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

// Exhausted reports whether a task that has failed attempt times may not run again
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the jittered wait before the given attempt
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

// delay is Delay with the random draw r in [0, 1) supplied by the caller
func (p Policy) delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) || math.IsInf(base, 0) || math.IsNaN(base) {
		base = float64(p.MaxDelay)
	}
	// jitter: +/- Jitter
	j := 1 + (r*2-1)*p.Jitter
	if j < 0 {
		j = 0
	}
	return time.Duration(base * j)
}
