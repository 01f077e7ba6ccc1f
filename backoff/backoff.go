// Package backoff provides pluggable retry-delay strategies for the
// runtime's reconnect paths.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed) and the
// maximum number of attempts to make.
type Strategy interface {
	NextDelay(attempt int) time.Duration
	MaxAttempts() int
}

// Exponential implements base*2^(n-1) with symmetric jitter, capped at
// MaxDelay. The first retry waits Base.
type Exponential struct {
	Base     time.Duration
	MaxDelay time.Duration
	Factor   float64
	Jitter   float64
	Attempts int
	rand     *rand.Rand
}

// NewExponential builds an Exponential backoff with factor 2.0 and jitter
// 0.2. Each instance gets its own jitter source so concurrent reconnecting
// sessions desynchronize.
func NewExponential(base, maxDelay time.Duration, maxAttempts int) *Exponential {
	return &Exponential{
		Base:     base,
		MaxDelay: maxDelay,
		Factor:   2.0,
		Jitter:   0.2,
		Attempts: maxAttempts,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
	}
	if b.Jitter > 0 {
		delta := (b.rand.Float64() - 0.5) * delay * b.Jitter
		delay += delta
	}
	d := time.Duration(delay)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *Exponential) MaxAttempts() int { return b.Attempts }

// Constant always waits the same delay.
type Constant struct {
	Delay    time.Duration
	Attempts int
}

func NewConstant(delay time.Duration, maxAttempts int) *Constant {
	return &Constant{Delay: delay, Attempts: maxAttempts}
}

func (b *Constant) NextDelay(int) time.Duration { return b.Delay }
func (b *Constant) MaxAttempts() int            { return b.Attempts }

// None never retries.
type None struct{}

func (None) NextDelay(int) time.Duration { return 0 }
func (None) MaxAttempts() int            { return 0 }
