// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package registry tracks the set of configured lights and routes
// commands to them.
//
// Devices come from the configuration file only; there is no network
// discovery. Each registered device owns a twinkly.Client, and all
// clients share one HTTP client so connections are pooled.
//
// # Thread Safety
//
// All registry operations are safe for concurrent use. The device map
// is protected by a read-write lock so lookups from the poller and the
// MQTT command handler never contend with each other.
package registry

import (
	"context"
	"net/http"
	"sync"

	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
	"github.com/soothill/twinkly-bridge/twinkly"
)

// Device is a registered light.
type Device struct {
	ID     string
	Host   string
	Name   string
	Client *twinkly.Client
}

// Registry holds the configured devices.
type Registry struct {
	httpClient *http.Client

	mu      sync.RWMutex // Protects devices map and order
	devices map[string]*Device
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		httpClient: twinkly.NewHTTPClient(),
		devices:    make(map[string]*Device),
	}
}

// Add registers a light. An empty id defaults to the host. The id must
// be unique across the registry.
func (r *Registry) Add(id, host, name string) (*Device, error) {
	if host == "" {
		return nil, apperrors.NewConfigError("devices.host", "", apperrors.ErrInvalidConfig)
	}
	if id == "" {
		id = host
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; exists {
		return nil, apperrors.NewConfigError("devices.id", id, apperrors.ErrDuplicateDevice)
	}

	device := &Device{
		ID:     id,
		Host:   host,
		Name:   name,
		Client: twinkly.NewClient(host, name, r.httpClient),
	}
	r.devices[id] = device
	r.order = append(r.order, id)
	metrics.DevicesConfigured.Set(float64(len(r.devices)))

	logger.Info().
		Str("device_id", id).
		Str("host", host).
		Msg("Registered light")

	return device, nil
}

// GetDeviceByID returns a device by its ID, or nil if not found
func (r *Registry) GetDeviceByID(deviceID string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[deviceID]
}

// Devices returns all registered devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, r.devices[id])
	}
	return devices
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// TurnOnDevice switches a light on. brightnessPercent is optional; see
// twinkly.Client.TurnOn for how zero and nil differ.
func (r *Registry) TurnOnDevice(ctx context.Context, deviceID string, brightnessPercent *int) error {
	device := r.GetDeviceByID(deviceID)
	if device == nil {
		metrics.CommandErrors.Inc()
		return apperrors.NewCommandError("turn_on", deviceID, apperrors.ErrDeviceNotFound)
	}

	metrics.CommandsTotal.WithLabelValues("turn_on").Inc()
	if err := device.Client.TurnOn(ctx, brightnessPercent); err != nil {
		metrics.CommandErrors.Inc()
		return apperrors.NewCommandError("turn_on", deviceID, err)
	}

	logger.Debug().Str("device_id", deviceID).Msg("Turn on command delivered")
	return nil
}

// TurnOffDevice switches a light off.
func (r *Registry) TurnOffDevice(ctx context.Context, deviceID string) error {
	device := r.GetDeviceByID(deviceID)
	if device == nil {
		metrics.CommandErrors.Inc()
		return apperrors.NewCommandError("turn_off", deviceID, apperrors.ErrDeviceNotFound)
	}

	metrics.CommandsTotal.WithLabelValues("turn_off").Inc()
	if err := device.Client.TurnOff(ctx); err != nil {
		metrics.CommandErrors.Inc()
		return apperrors.NewCommandError("turn_off", deviceID, err)
	}

	logger.Debug().Str("device_id", deviceID).Msg("Turn off command delivered")
	return nil
}
