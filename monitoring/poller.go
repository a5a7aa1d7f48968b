// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring polls registered lights for their current state.
//
// Each monitored device gets its own goroutine that refreshes the
// device and publishes a snapshot on a shared readings channel. The
// channel never blocks a poller: when the consumer falls behind,
// readings are dropped with a warning rather than stalling the polls.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
	"github.com/soothill/twinkly-bridge/registry"
)

const defaultReadingsChannelSize = 100

// StateReading is a snapshot of one light's state at poll time.
// Available is false when the poll failed; the remaining fields then
// carry the last known values.
type StateReading struct {
	DeviceID          string
	DeviceName        string
	Timestamp         time.Time
	On                bool
	BrightnessPercent int
	Available         bool
	Attributes        map[string]any
}

// StatePoller handles periodic state polling of lights.
type StatePoller struct {
	pollInterval     time.Duration
	readings         chan *StateReading
	monitoredDevices map[string]context.CancelFunc
	deviceMutex      sync.RWMutex // Protects monitoredDevices, pollInterval and stopped
	wg               sync.WaitGroup
	stopped          bool
}

// NewStatePoller creates a new state poller. channelSize bounds the
// readings channel; values below one fall back to a default.
func NewStatePoller(pollInterval time.Duration, channelSize int) *StatePoller {
	if channelSize < 1 {
		channelSize = defaultReadingsChannelSize
	}
	return &StatePoller{
		pollInterval:     pollInterval,
		readings:         make(chan *StateReading, channelSize),
		monitoredDevices: make(map[string]context.CancelFunc),
	}
}

// Start begins polling the given devices
func (sp *StatePoller) Start(ctx context.Context, devices []*registry.Device) {
	logger.Info().Msgf("Starting state polling for %d devices", len(devices))

	for _, device := range devices {
		sp.StartMonitoringDevice(ctx, device)
	}
}

// StartMonitoringDevice starts polling a single device if not already monitored
func (sp *StatePoller) StartMonitoringDevice(ctx context.Context, device *registry.Device) bool {
	sp.deviceMutex.Lock()
	defer sp.deviceMutex.Unlock()

	if sp.stopped {
		logger.Warn().Str("device_id", device.ID).Msg("Poller already stopped, not starting device")
		return false
	}

	// Check if device is already being monitored
	if _, exists := sp.monitoredDevices[device.ID]; exists {
		logger.Debug().Str("device_id", device.ID).Str("host", device.Host).
			Msg("Device already being polled, skipping")
		return false
	}

	// Create a cancelable context for this device
	deviceCtx, cancel := context.WithCancel(ctx)
	sp.monitoredDevices[device.ID] = cancel
	metrics.DevicesMonitored.Set(float64(len(sp.monitoredDevices)))

	logger.Info().Str("device_id", device.ID).Str("host", device.Host).
		Msg("Starting state polling for device")

	sp.wg.Add(1)
	go sp.monitorDevice(deviceCtx, device)
	return true
}

// StopMonitoringDevice stops polling a specific device
func (sp *StatePoller) StopMonitoringDevice(deviceID string) {
	sp.deviceMutex.Lock()
	defer sp.deviceMutex.Unlock()

	if cancel, exists := sp.monitoredDevices[deviceID]; exists {
		cancel()
		delete(sp.monitoredDevices, deviceID)
		metrics.DevicesMonitored.Set(float64(len(sp.monitoredDevices)))
		logger.Info().Str("device_id", deviceID).Msg("Stopped polling device")
	}
}

// IsMonitoring checks if a device is currently being polled
func (sp *StatePoller) IsMonitoring(deviceID string) bool {
	sp.deviceMutex.RLock()
	defer sp.deviceMutex.RUnlock()
	_, exists := sp.monitoredDevices[deviceID]
	return exists
}

// GetMonitoredDeviceCount returns the number of devices being polled
func (sp *StatePoller) GetMonitoredDeviceCount() int {
	sp.deviceMutex.RLock()
	defer sp.deviceMutex.RUnlock()
	return len(sp.monitoredDevices)
}

// UpdatePollInterval changes the polling cadence for all devices.
// Running device loops pick up the new interval after their next tick.
func (sp *StatePoller) UpdatePollInterval(interval time.Duration) {
	if interval <= 0 {
		logger.Warn().Dur("poll_interval", interval).Msg("Ignoring non-positive poll interval")
		return
	}

	sp.deviceMutex.Lock()
	sp.pollInterval = interval
	sp.deviceMutex.Unlock()

	logger.Info().Dur("poll_interval", interval).Msg("Poll interval updated")
}

// PollInterval returns the current polling cadence.
func (sp *StatePoller) PollInterval() time.Duration {
	sp.deviceMutex.RLock()
	defer sp.deviceMutex.RUnlock()
	return sp.pollInterval
}

// monitorDevice continuously polls a single device for its state
func (sp *StatePoller) monitorDevice(ctx context.Context, device *registry.Device) {
	defer sp.wg.Done()

	interval := sp.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Clean up when done
	defer func() {
		sp.deviceMutex.Lock()
		delete(sp.monitoredDevices, device.ID)
		metrics.DevicesMonitored.Set(float64(len(sp.monitoredDevices)))
		sp.deviceMutex.Unlock()
		logger.Info().Str("device_id", device.ID).Msg("Stopped polling device")
	}()

	// First poll runs immediately so state is fresh right after startup
	// instead of one interval later.
	sp.pollDevice(ctx, device)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Check context before the network round trips
			if ctx.Err() != nil {
				return
			}
			sp.pollDevice(ctx, device)

			if current := sp.PollInterval(); current != interval {
				interval = current
				ticker.Reset(interval)
			}
		}
	}
}

// pollDevice refreshes one device and publishes the resulting snapshot.
// A failed refresh still produces a reading: it carries the last known
// values with Available set to false so consumers see the outage.
func (sp *StatePoller) pollDevice(ctx context.Context, device *registry.Device) {
	device.Client.Refresh(ctx)

	state := device.Client.State()
	reading := &StateReading{
		DeviceID:          device.ID,
		DeviceName:        state.Name,
		Timestamp:         time.Now(),
		On:                state.On,
		BrightnessPercent: state.BrightnessPercent,
		Available:         state.Available,
		Attributes:        state.Attributes,
	}

	logger.Debug().
		Str("device_id", reading.DeviceID).
		Str("device_name", reading.DeviceName).
		Bool("on", reading.On).
		Int("brightness_percent", reading.BrightnessPercent).
		Bool("available", reading.Available).
		Msg("State reading")

	select {
	case sp.readings <- reading:
	default:
		logger.Warn().Str("device_id", device.ID).Str("device_name", reading.DeviceName).
			Msg("Readings channel full, dropping reading")
		metrics.ReadingsDropped.Inc()
	}
}

// Readings returns the channel for receiving state readings
func (sp *StatePoller) Readings() <-chan *StateReading {
	return sp.readings
}

// Stop stops all device polling and closes the readings channel
func (sp *StatePoller) Stop() {
	sp.deviceMutex.Lock()
	if sp.stopped {
		sp.deviceMutex.Unlock()
		return
	}
	sp.stopped = true

	// Cancel all device polling goroutines
	for deviceID, cancel := range sp.monitoredDevices {
		logger.Info().Str("device_id", deviceID).Msg("Stopping device polling")
		cancel()
	}
	sp.deviceMutex.Unlock()

	// Wait for all polling goroutines to finish
	sp.wg.Wait()

	// Close the readings channel
	close(sp.readings)
	logger.Info().Msg("State poller stopped, readings channel closed")
}
