// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soothill/twinkly-bridge/registry"
	"github.com/soothill/twinkly-bridge/twinkly"
)

// fakeLight serves the device HTTP API with a fixed healthy state.
func fakeLight(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/xled/v1/") {
		case "login":
			_ = json.NewEncoder(w).Encode(map[string]any{"authentication_token": "tok", "code": 1000})
		case "verify":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1000})
		case "led/mode":
			_ = json.NewEncoder(w).Encode(map[string]any{"mode": "movie", "code": 1000})
		case "led/out/brightness":
			_ = json.NewEncoder(w).Encode(map[string]any{"value": 42, "mode": "enabled", "code": 1000})
		case "gestalt":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"device_name":  "Tree",
				"product_name": "Twinkly",
				"code":         1000,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// reachableDevice builds a registry device backed by a fake light.
func reachableDevice(t *testing.T, id string) *registry.Device {
	host := strings.TrimPrefix(fakeLight(t).URL, "http://")
	return &registry.Device{
		ID:     id,
		Host:   host,
		Client: twinkly.NewClient(host, "", nil),
	}
}

// unreachableDevice builds a registry device whose host refuses
// connections immediately.
func unreachableDevice(id string) *registry.Device {
	host := "127.0.0.1:1"
	return &registry.Device{
		ID:     id,
		Host:   host,
		Client: twinkly.NewClient(host, "", nil),
	}
}

func TestNewStatePoller(t *testing.T) {
	pollInterval := 30 * time.Second
	poller := NewStatePoller(pollInterval, 100)

	if poller.pollInterval != pollInterval {
		t.Errorf("pollInterval = %v, want %v", poller.pollInterval, pollInterval)
	}

	if poller.readings == nil {
		t.Error("readings channel is nil")
	}
	if cap(poller.readings) != 100 {
		t.Errorf("cap(readings) = %d, want 100", cap(poller.readings))
	}

	if poller.monitoredDevices == nil {
		t.Error("monitoredDevices map is nil")
	}
}

func TestNewStatePoller_DefaultChannelSize(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 0)
	if cap(poller.readings) != defaultReadingsChannelSize {
		t.Errorf("cap(readings) = %d, want the default %d", cap(poller.readings), defaultReadingsChannelSize)
	}
}

func TestUpdatePollInterval(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 10)

	poller.UpdatePollInterval(5 * time.Second)
	if got := poller.PollInterval(); got != 5*time.Second {
		t.Errorf("PollInterval() = %v, want %v", got, 5*time.Second)
	}

	// Non-positive intervals are ignored
	poller.UpdatePollInterval(0)
	if got := poller.PollInterval(); got != 5*time.Second {
		t.Errorf("PollInterval() after zero update = %v, want %v", got, 5*time.Second)
	}

	poller.UpdatePollInterval(-time.Second)
	if got := poller.PollInterval(); got != 5*time.Second {
		t.Errorf("PollInterval() after negative update = %v, want %v", got, 5*time.Second)
	}
}

func TestUpdatePollInterval_RunningDevice(t *testing.T) {
	device := reachableDevice(t, "tree")
	poller := NewStatePoller(50*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.StartMonitoringDevice(ctx, device)

	// The immediate first poll delivers a reading
	select {
	case <-poller.Readings():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial reading")
	}

	poller.UpdatePollInterval(10 * time.Millisecond)

	// Readings keep flowing after the cadence change
	for i := 0; i < 3; i++ {
		select {
		case <-poller.Readings():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for reading after interval update")
		}
	}

	cancel()
	poller.Stop()
}

func TestStartMonitoringDevice(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := unreachableDevice("test-device-1")

	// First start should succeed
	started := poller.StartMonitoringDevice(ctx, device)
	if !started {
		t.Error("StartMonitoringDevice() should return true for new device")
	}

	// Second start should fail (duplicate)
	started = poller.StartMonitoringDevice(ctx, device)
	if started {
		t.Error("StartMonitoringDevice() should return false for already monitored device")
	}

	// Check if device is being monitored
	if !poller.IsMonitoring(device.ID) {
		t.Error("Device should be monitored")
	}

	// Check monitored device count
	count := poller.GetMonitoredDeviceCount()
	if count != 1 {
		t.Errorf("GetMonitoredDeviceCount() = %d, want 1", count)
	}
}

func TestStopMonitoringDevice(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := unreachableDevice("test-device-2")

	// Start monitoring
	poller.StartMonitoringDevice(ctx, device)

	// Stop monitoring
	poller.StopMonitoringDevice(device.ID)

	// Check if device is no longer monitored
	if poller.IsMonitoring(device.ID) {
		t.Error("Device should not be monitored after stop")
	}

	// Check monitored device count
	count := poller.GetMonitoredDeviceCount()
	if count != 0 {
		t.Errorf("GetMonitoredDeviceCount() = %d, want 0", count)
	}
}

func TestStartMultipleDevices(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := []*registry.Device{
		unreachableDevice("device-1"),
		unreachableDevice("device-2"),
		unreachableDevice("device-3"),
	}

	poller.Start(ctx, devices)

	// Give goroutines time to start
	time.Sleep(100 * time.Millisecond)

	count := poller.GetMonitoredDeviceCount()
	if count != 3 {
		t.Errorf("GetMonitoredDeviceCount() = %d, want 3", count)
	}

	// Verify all devices are being monitored
	for _, device := range devices {
		if !poller.IsMonitoring(device.ID) {
			t.Errorf("Device %s should be monitored", device.ID)
		}
	}
}

func TestReadingsChannel(t *testing.T) {
	poller := NewStatePoller(100*time.Millisecond, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	device := reachableDevice(t, "test-device")

	poller.StartMonitoringDevice(ctx, device)

	// The first poll is immediate, so a reading arrives well before the
	// first tick.
	select {
	case reading := <-poller.Readings():
		if reading == nil {
			t.Fatal("Received nil reading from channel")
		}
		if reading.DeviceID != device.ID {
			t.Errorf("Reading DeviceID = %v, want %v", reading.DeviceID, device.ID)
		}
		if !reading.Available {
			t.Error("Reading from a healthy device should be available")
		}
		if !reading.On {
			t.Error("Reading.On = false, want true for movie mode")
		}
		if reading.BrightnessPercent != 42 {
			t.Errorf("Reading.BrightnessPercent = %d, want 42", reading.BrightnessPercent)
		}
		if reading.DeviceName != "Tree" {
			t.Errorf("Reading.DeviceName = %v, want Tree", reading.DeviceName)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for reading from channel")
	}
}

func TestReadingsChannel_UnavailableDevice(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := unreachableDevice("dark-device")

	poller.StartMonitoringDevice(ctx, device)

	// A failed poll still produces a reading so consumers observe the
	// outage.
	select {
	case reading := <-poller.Readings():
		if reading == nil {
			t.Fatal("Received nil reading from channel")
		}
		if reading.Available {
			t.Error("Reading from an unreachable device should not be available")
		}
		if reading.DeviceID != device.ID {
			t.Errorf("Reading DeviceID = %v, want %v", reading.DeviceID, device.ID)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for reading from channel")
	}
}

func TestPollDevice_AttributesCarried(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 10)
	device := reachableDevice(t, "attr-device")

	poller.pollDevice(context.Background(), device)

	select {
	case reading := <-poller.Readings():
		if reading.Attributes["product_name"] != "Twinkly" {
			t.Errorf("Attributes[product_name] = %v, want Twinkly", reading.Attributes["product_name"])
		}
		if reading.Attributes["host"] != device.Host {
			t.Errorf("Attributes[host] = %v, want %v", reading.Attributes["host"], device.Host)
		}
		if _, hidden := reading.Attributes["device_name"]; hidden {
			t.Error("device_name must not leak into attributes")
		}
	default:
		t.Fatal("pollDevice() should publish a reading")
	}
}

func TestContextCancellation(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())

	device := unreachableDevice("test-device")

	poller.StartMonitoringDevice(ctx, device)

	// Give goroutine time to start
	time.Sleep(50 * time.Millisecond)

	if !poller.IsMonitoring(device.ID) {
		t.Error("Device should be monitored")
	}

	// Cancel context
	cancel()

	// Wait for cleanup
	time.Sleep(100 * time.Millisecond)

	// Device should no longer be monitored after context cancellation
	if poller.IsMonitoring(device.ID) {
		t.Error("Device should not be monitored after context cancellation")
	}
}

func TestConcurrentMonitoring(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start multiple devices concurrently
	numDevices := 10
	done := make(chan bool, numDevices)

	for i := 0; i < numDevices; i++ {
		go func(id int) {
			poller.StartMonitoringDevice(ctx, unreachableDevice(fmt.Sprintf("device-%d", id)))
			done <- true
		}(i)
	}

	// Wait for all goroutines to complete
	for i := 0; i < numDevices; i++ {
		<-done
	}

	// Give time for all monitors to start
	time.Sleep(100 * time.Millisecond)

	count := poller.GetMonitoredDeviceCount()
	if count != numDevices {
		t.Errorf("GetMonitoredDeviceCount() = %d, want %d", count, numDevices)
	}
}

func TestStopNonExistentDevice(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)

	// Stopping a device that doesn't exist should not panic
	poller.StopMonitoringDevice("nonexistent-device")

	// Should still be safe to check
	if poller.IsMonitoring("nonexistent-device") {
		t.Error("Nonexistent device should not be monitored")
	}
}

func TestStop_ClosesReadingsChannel(t *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.StartMonitoringDevice(ctx, unreachableDevice("test-device"))

	poller.Stop()

	// Drain until closed; Stop must have closed the channel.
	for {
		if _, ok := <-poller.Readings(); !ok {
			break
		}
	}

	// Stopping twice must be safe.
	poller.Stop()

	// Starting after stop is refused.
	if poller.StartMonitoringDevice(ctx, unreachableDevice("late-device")) {
		t.Error("StartMonitoringDevice() after Stop() should return false")
	}
}

func TestReadingsChannelFull(_ *testing.T) {
	// Create poller with a one-slot buffer and fill it directly; the
	// second publish must be dropped without blocking or panicking.
	poller := &StatePoller{
		pollInterval:     time.Second,
		readings:         make(chan *StateReading, 1),
		monitoredDevices: make(map[string]context.CancelFunc),
	}

	device := unreachableDevice("test-device")

	poller.pollDevice(context.Background(), device)
	poller.pollDevice(context.Background(), device)
}

func TestIsMonitoring_ThreadSafety(_ *testing.T) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := unreachableDevice("test-device")
	poller.StartMonitoringDevice(ctx, device)

	// Check IsMonitoring from multiple goroutines concurrently
	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = poller.IsMonitoring(device.ID)
				_ = poller.GetMonitoredDeviceCount()
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}
}

// Benchmark tests

func BenchmarkPollDevice(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/xled/v1/") {
		case "login":
			_ = json.NewEncoder(w).Encode(map[string]any{"authentication_token": "tok", "code": 1000})
		case "verify":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1000})
		case "led/mode":
			_ = json.NewEncoder(w).Encode(map[string]any{"mode": "movie", "code": 1000})
		case "led/out/brightness":
			_ = json.NewEncoder(w).Encode(map[string]any{"value": 42, "mode": "enabled", "code": 1000})
		case "gestalt":
			_ = json.NewEncoder(w).Encode(map[string]any{"device_name": "Tree", "code": 1000})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	device := &registry.Device{ID: "bench", Host: host, Client: twinkly.NewClient(host, "", nil)}
	poller := NewStatePoller(30*time.Second, 1)
	ctx := context.Background()

	// Keep the channel drained.
	go func() {
		for range poller.readings {
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		poller.pollDevice(ctx, device)
	}
}

func BenchmarkIsMonitoring(b *testing.B) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		poller.StartMonitoringDevice(ctx, unreachableDevice(fmt.Sprintf("device-%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = poller.IsMonitoring("device-0")
	}
}

func BenchmarkGetMonitoredDeviceCount(b *testing.B) {
	poller := NewStatePoller(30*time.Second, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 100; i++ {
		poller.StartMonitoringDevice(ctx, unreachableDevice(fmt.Sprintf("device-%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = poller.GetMonitoredDeviceCount()
	}
}
