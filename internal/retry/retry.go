// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

// Package retry wraps fallible operations (almost always an RPC call) in exponential
// backoff. Every extractor and the contract registry issue RPC calls exclusively through
// a Policy; no other code in the tree retries on its own.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dojoengine/torii-go/internal/log"
)

// Policy configures exponential backoff around an operation.
type Policy struct {
	MaxRetries      uint32
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
}

// Default mirrors the reference implementation's default: 5 retries, 1s initial backoff
// doubling up to a 60s ceiling.
func Default() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// NoRetry fails immediately on the first error, with no backoff wait; tests use it so
// a failing fake call returns at once.
func NoRetry() Policy {
	return Policy{MaxRetries: 0, InitialBackoff: 0, MaxBackoff: 0, Multiplier: 1.0}
}

// Aggressive retries more often with a shorter, gentler backoff curve, suited to
// flaky-but-fast RPC endpoints.
func Aggressive() Policy {
	return Policy{
		MaxRetries:     10,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     1.5,
	}
}

// Execute runs op, retrying on error with exponential backoff up to MaxRetries times.
// The last error is returned once retries are exhausted. Execute honors ctx
// cancellation between attempts.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = p.InitialBackoff
	boff.MaxInterval = p.MaxBackoff
	boff.Multiplier = p.Multiplier
	boff.MaxElapsedTime = 0 // bounded by MaxRetries, not by wall clock
	bounded := backoff.WithMaxRetries(boff, uint64(p.MaxRetries))

	var attempts uint32
	var result T
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		r, err := op(ctx)
		if err != nil {
			log.Warn("operation failed, will retry", "attempt", attempts, "max_attempts", p.MaxRetries+1, "err", err)
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(bounded, ctx))

	if err != nil {
		log.Error("operation failed after exhausting retries", "attempts", attempts, "err", err)
		return zero, err
	}
	if attempts > 1 {
		log.Info("operation succeeded after retry", "attempts", attempts)
	}
	return result, nil
}

// ExecuteVoid is Execute for operations with no return value.
func ExecuteVoid(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
