// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"

	"github.com/soothill/twinkly-bridge/monitoring"
)

// StateStorage defines the interface for light state persistence.
// Implementations should handle state readings and provide health checks.
type StateStorage interface {
	// WriteReading writes a single state reading to storage
	WriteReading(reading *monitoring.StateReading) error

	// WriteBatch writes multiple readings to storage efficiently
	WriteBatch(readings []*monitoring.StateReading) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the storage connection
	Close()

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// QueryLatestReading retrieves the most recent reading for a device
	QueryLatestReading(ctx context.Context, deviceID string) (*monitoring.StateReading, error)
}
