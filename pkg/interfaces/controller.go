// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// DeviceController defines the interface for routing commands to lights.
type DeviceController interface {
	// TurnOnDevice switches a light on. brightnessPercent is optional:
	// nil switches on without touching brightness, zero is treated as
	// switching off.
	TurnOnDevice(ctx context.Context, deviceID string, brightnessPercent *int) error

	// TurnOffDevice switches a light off.
	TurnOffDevice(ctx context.Context, deviceID string) error
}
