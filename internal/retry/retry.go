// Package retry provides the single retry helper used around vendor and
// database I/O: bounded exponential backoff with a retryable-error
// predicate and Retry-After awareness.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Policy bounds a retry loop. The zero value is not usable; start from
// DefaultPolicy and override per job config.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// DefaultPolicy matches the documented defaults: 3 attempts, 4s initial
// wait, doubling, capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitialWait: 4 * time.Second,
		Multiplier:  2,
		MaxWait:     60 * time.Second,
	}
}

// UnmarshalYAML accepts Go duration strings for the wait bounds and
// rejects unknown keys, matching the strict decoding of the other config
// blocks.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for key, node := range raw {
		var err error
		switch key {
		case "max_attempts":
			err = node.Decode(&p.MaxAttempts)
		case "initial_wait":
			p.InitialWait, err = decodeDuration(node)
		case "multiplier":
			err = node.Decode(&p.Multiplier)
		case "max_wait":
			p.MaxWait, err = decodeDuration(node)
		default:
			return fmt.Errorf("retry: unknown key %q", key)
		}
		if err != nil {
			return fmt.Errorf("retry: %s: %w", key, err)
		}
	}
	return nil
}

func decodeDuration(node yaml.Node) (time.Duration, error) {
	var s string
	if err := node.Decode(&s); err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Validate rejects policies that would spin or never retry.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialWait <= 0 {
		return fmt.Errorf("retry: initial_wait must be positive, got %s", p.InitialWait)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.MaxWait < p.InitialWait {
		return fmt.Errorf("retry: max_wait %s below initial_wait %s", p.MaxWait, p.InitialWait)
	}
	return nil
}

// RetryAfter is implemented by errors that carry a server-mandated wait
// (HTTP 429 with a Retry-After header). The loop honors it when it exceeds
// the computed backoff.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// Do runs op until it succeeds, the policy is exhausted, the error is not
// retryable, or ctx is cancelled. Non-retryable errors return immediately
// without consuming further attempts.
func Do(ctx context.Context, log zerolog.Logger, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	wait := p.InitialWait
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := wait
		var ra RetryAfter
		if errors.As(lastErr, &ra) && ra.RetryAfter() > sleep {
			sleep = ra.RetryAfter()
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Dur("wait", sleep).
			Msg("transient failure, backing off")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
