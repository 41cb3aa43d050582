// Package resilience bounds calls to external collaborators with a per-call
// timeout, a bounded exponential retry and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Options configures a Guard. Zero values fall back to the defaults below.
type Options struct {
	Name            string
	Timeout         time.Duration
	Attempts        int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// OnResult, if set, is called once per Do with the final outcome:
	// success, error or rejected (breaker open).
	OnResult func(name, outcome string)
}

const (
	DefaultTimeout         = 10 * time.Second
	DefaultAttempts        = 3
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = DefaultBreakerCooldown
	}
	return o
}

// Guard wraps calls to one external collaborator.
type Guard struct {
	opts Options
	cb   *gobreaker.CircuitBreaker
}

// NewGuard creates a Guard.
func NewGuard(opts Options) *Guard {
	opts = opts.withDefaults()
	st := gobreaker.Settings{
		Name:     opts.Name,
		Interval: 60 * time.Second,
		Timeout:  opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Permanent errors are answers from a healthy upstream.
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Guard{opts: opts, cb: gobreaker.NewCircuitBreaker(st)}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Each attempt gets its own timeout.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialBackoff
	b.MaxInterval = g.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.Attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		_, err := g.cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("client", g.opts.Name).Int("attempt", attempt).
			Int("max_attempts", g.opts.Attempts).Dur("retry_in", wait).Msg("external call failed")
	}
	err := backoff.RetryNotify(op, policy, notify)
	if g.opts.OnResult != nil {
		g.opts.OnResult(g.opts.Name, outcome(err))
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}

// State returns the breaker state name: closed, half-open or open.
func (g *Guard) State() string {
	return g.cb.State().String()
}

// Name returns the guarded collaborator name.
func (g *Guard) Name() string {
	return g.opts.Name
}
