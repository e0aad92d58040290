package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all endpoints failed")

// fallbackEntry pairs a value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback values of the same
// type, each behind its own [CircuitBreaker]. Entries are tried in
// registration order; open entries are skipped.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// cfg is the template for every entry's breaker; its Name is replaced by the
// entry name.
func NewFallbackGroup[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.Add(primaryName, primary)
	return fg
}

// Add appends a fallback entry.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States reports the breaker state of every entry by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// AllOpen reports whether every entry's breaker is open.
func (fg *FallbackGroup[T]) AllOpen() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return false
		}
	}
	return len(fg.entries) > 0
}

// Execute tries fn against each entry in order until one succeeds and
// returns its result together with the entry name. Cancellation of ctx stops
// the walk immediately. If every entry fails, the returned error wraps
// [ErrAllFailed] and the last failure.
func Execute[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Do(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, entry.name, nil
		}
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint (circuit open)", "endpoint", entry.name)
		} else {
			slog.Warn("endpoint failed, trying next", "endpoint", entry.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
