// Package retry runs network operations under one shared exponential
// backoff policy.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second

	// Each delay is stretched by up to this fraction, never shortened.
	jitterFraction = 0.1
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether a failure deserves another attempt.
	// A nil classifier retries every failure.
	Retryable func(error) bool

	timer backoff.Timer
	rand  func() float64
}

// Default returns the policy shared by every network operation: five
// attempts starting at one second, capped at ten seconds.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// WithClassifier returns a copy of p that only retries failures accepted
// by retryable.
func (p Policy) WithClassifier(retryable func(error) bool) Policy {
	p.Retryable = retryable
	return p
}

// jittered yields base * 2^k * (1 + U[0, jitterFraction]) for the k-th retry.
type jittered struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rand    func() float64
}

func (b *jittered) NextBackOff() time.Duration {
	d := float64(b.base) * math.Pow(2, float64(b.attempt)) * (1 + jitterFraction*b.rand())
	b.attempt++
	if b.max > 0 && d > float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}

func (b *jittered) Reset() {
	b.attempt = 0
}

// Do runs op until it succeeds, fails with an error the policy does not
// retry, the context ends, or the attempts are exhausted. A non-retryable
// error is returned unchanged; exhaustion wraps the last error.
func Do[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	random := p.rand
	if random == nil {
		random = rand.Float64
	}

	policy := &jittered{base: p.BaseDelay, max: p.MaxDelay, rand: random}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	attempt := 0
	permanent := false
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || (p.Retryable != nil && !p.Retryable(err)) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		log.Warn().
			Str("module", "retry").
			Str("op", label).
			Int("attempt", attempt).
			Dur("delay", next).
			Err(err).
			Msg("attempt failed, retrying")
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, p.timer)
	if err == nil {
		if attempt > 1 {
			log.Info().Str("module", "retry").Str("op", label).Int("attempts", attempt).Msg("succeeded after retry")
		}
		return v, nil
	}
	if permanent || ctx.Err() != nil {
		return v, err
	}
	log.Error().Str("module", "retry").Str("op", label).Int("attempts", attempt).Err(err).Msg("giving up")
	return v, fmt.Errorf("%s: giving up after %d attempts: %w", label, attempt, err)
}
