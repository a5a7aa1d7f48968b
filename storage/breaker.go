// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
)

// StorageBreaker wraps calls to the primary storage in a circuit breaker so
// a dead InfluxDB fails fast instead of stalling every write on a timeout.
type StorageBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewStorageBreaker creates a breaker that opens after failureThreshold
// consecutive failures, stays open for resetTimeout, and then admits up to
// halfOpenMaxRequests trial calls before closing again.
func NewStorageBreaker(name string, failureThreshold uint32, resetTimeout time.Duration, halfOpenMaxRequests uint32) *StorageBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenMaxRequests,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A missing device is a data answer, not a backend failure
			return err == nil || errors.Is(err, apperrors.ErrDeviceNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
			event := logger.Info()
			if to == gobreaker.StateOpen {
				event = logger.Warn()
			}
			event.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Storage circuit breaker state changed")
		},
	}

	return &StorageBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs f under the breaker. While the breaker is open, calls are
// rejected immediately with ErrCircuitBreakerOpen instead of reaching f.
func (b *StorageBreaker) Execute(f func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", apperrors.ErrCircuitBreakerOpen, err)
	}
	return err
}

// State returns the current breaker state.
func (b *StorageBreaker) State() gobreaker.State {
	return b.cb.State()
}

// breakerStateValue maps a breaker state onto the metric encoding
// (0=closed, 1=half-open, 2=open).
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
