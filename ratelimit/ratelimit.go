/*
ratelimit.go - Keyed sliding-window request limiting

PURPOSE:
  Throttles callers of the mutating ledger routes. A Limiter admits at most
  Limit requests per key in any trailing Window.

IMPLEMENTATIONS:
  Memory  single instance; per-key hit timestamps with an explicit
          expiry, evicted when touched (no background sweeper)
  Redis   multi-instance; one sorted set per key, trimmed and counted
          atomically by a Lua script, expired with PEXPIRE
*/
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest hit leaves the window. Zero
	// when Allowed.
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Policy is the window every key is measured against.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 {
		return errors.New("ratelimit: limit must be positive")
	}
	if p.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	return nil
}
