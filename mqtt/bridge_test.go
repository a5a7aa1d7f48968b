// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/soothill/twinkly-bridge/config"
	"github.com/soothill/twinkly-bridge/monitoring"
)

// fakeController records dispatched commands.
type fakeController struct {
	mu       sync.Mutex
	onCalls  []onCall
	offCalls []string
	err      error
}

type onCall struct {
	deviceID string
	percent  *int
}

func (f *fakeController) TurnOnDevice(_ context.Context, deviceID string, brightnessPercent *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCalls = append(f.onCalls, onCall{deviceID: deviceID, percent: brightnessPercent})
	return f.err
}

func (f *fakeController) TurnOffDevice(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offCalls = append(f.offCalls, deviceID)
	return f.err
}

// fakeMessage satisfies the paho Message interface for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// newTestBridge builds a bridge for handler and payload tests. It has
// no client, so only the non-publishing paths may be exercised.
func newTestBridge(controller *fakeController) *Bridge {
	return &Bridge{
		controller:      controller,
		topicPrefix:     "twinkly",
		discoveryPrefix: "homeassistant",
		enabled:         true,
	}
}

func intPtr(n int) *int {
	return &n
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name           string
		payload        string
		wantState      string
		wantBrightness *int
		wantErr        bool
	}{
		{
			name:           "on with brightness",
			payload:        `{"state":"ON","brightness":127}`,
			wantState:      "ON",
			wantBrightness: intPtr(127),
		},
		{
			name:      "on without brightness",
			payload:   `{"state":"ON"}`,
			wantState: "ON",
		},
		{
			name:      "off",
			payload:   `{"state":"OFF"}`,
			wantState: "OFF",
		},
		{
			name:      "lowercase state",
			payload:   `{"state":"on"}`,
			wantState: "ON",
		},
		{
			name:      "state with surrounding spaces",
			payload:   `{"state":" off "}`,
			wantState: "OFF",
		},
		{
			name:           "brightness zero is preserved",
			payload:        `{"state":"ON","brightness":0}`,
			wantState:      "ON",
			wantBrightness: intPtr(0),
		},
		{
			name:           "brightness at scale limit",
			payload:        `{"state":"ON","brightness":255}`,
			wantState:      "ON",
			wantBrightness: intPtr(255),
		},
		{
			name:    "brightness above limit",
			payload: `{"state":"ON","brightness":256}`,
			wantErr: true,
		},
		{
			name:    "negative brightness",
			payload: `{"state":"ON","brightness":-1}`,
			wantErr: true,
		},
		{
			name:    "unknown state",
			payload: `{"state":"TOGGLE"}`,
			wantErr: true,
		},
		{
			name:    "missing state",
			payload: `{"brightness":100}`,
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			payload: `{"state":`,
			wantErr: true,
		},
		{
			name:    "empty payload",
			payload: ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCommand(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cmd.State != tt.wantState {
				t.Errorf("State = %q, want %q", cmd.State, tt.wantState)
			}
			if (cmd.Brightness == nil) != (tt.wantBrightness == nil) {
				t.Fatalf("Brightness = %v, want %v", cmd.Brightness, tt.wantBrightness)
			}
			if cmd.Brightness != nil && *cmd.Brightness != *tt.wantBrightness {
				t.Errorf("Brightness = %d, want %d", *cmd.Brightness, *tt.wantBrightness)
			}
		})
	}
}

func TestBrightnessToPercent(t *testing.T) {
	tests := []struct {
		brightness int
		want       int
	}{
		{brightness: 255, want: 100},
		{brightness: 128, want: 50},
		{brightness: 127, want: 49},
		{brightness: 64, want: 25},
		{brightness: 3, want: 1},
		{brightness: 2, want: 0},
		{brightness: 1, want: 0},
		{brightness: 0, want: 0},
	}

	for _, tt := range tests {
		if got := brightnessToPercent(tt.brightness); got != tt.want {
			t.Errorf("brightnessToPercent(%d) = %d, want %d", tt.brightness, got, tt.want)
		}
	}
}

func TestPercentToBrightness(t *testing.T) {
	tests := []struct {
		percent int
		want    int
	}{
		{percent: 100, want: 255},
		{percent: 50, want: 127},
		{percent: 49, want: 124},
		{percent: 25, want: 63},
		{percent: 1, want: 2},
		{percent: 0, want: 0},
	}

	for _, tt := range tests {
		if got := percentToBrightness(tt.percent); got != tt.want {
			t.Errorf("percentToBrightness(%d) = %d, want %d", tt.percent, got, tt.want)
		}
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		wantID string
		wantOK bool
	}{
		{
			name:   "simple id",
			topic:  "twinkly/tree/set",
			wantID: "tree",
			wantOK: true,
		},
		{
			name:   "ip-derived id",
			topic:  "twinkly/192.168.1.50/set",
			wantID: "192.168.1.50",
			wantOK: true,
		},
		{
			name:   "wrong prefix",
			topic:  "other/tree/set",
			wantOK: false,
		},
		{
			name:   "wrong suffix",
			topic:  "twinkly/tree/state",
			wantOK: false,
		},
		{
			name:   "empty id",
			topic:  "twinkly//set",
			wantOK: false,
		},
		{
			name:   "nested id",
			topic:  "twinkly/a/b/set",
			wantOK: false,
		},
		{
			name:   "missing id segment",
			topic:  "twinkly/set",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := deviceIDFromTopic("twinkly", tt.topic)
			if ok != tt.wantOK {
				t.Fatalf("deviceIDFromTopic(%q) ok = %v, want %v", tt.topic, ok, tt.wantOK)
			}
			if ok && id != tt.wantID {
				t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tt.topic, id, tt.wantID)
			}
		})
	}
}

func TestDiscoveryObjectID(t *testing.T) {
	tests := []struct {
		deviceID string
		want     string
	}{
		{deviceID: "tree", want: "twinkly_tree"},
		{deviceID: "192.168.1.50", want: "twinkly_192_168_1_50"},
		{deviceID: "Living Room", want: "twinkly_Living_Room"},
		{deviceID: "wreath-2_front", want: "twinkly_wreath-2_front"},
		{deviceID: "twinkly.local", want: "twinkly_twinkly_local"},
	}

	for _, tt := range tests {
		if got := discoveryObjectID(tt.deviceID); got != tt.want {
			t.Errorf("discoveryObjectID(%q) = %q, want %q", tt.deviceID, got, tt.want)
		}
	}
}

func TestDiscoveryConfig(t *testing.T) {
	b := newTestBridge(nil)
	cfg := b.discoveryConfig(DeviceInfo{
		ID:   "192.168.1.50",
		Name: "Living Room Tree",
		Host: "192.168.1.50",
	})

	if cfg.Schema != "json" {
		t.Errorf("Schema = %q, want %q", cfg.Schema, "json")
	}
	if cfg.UniqueID != "twinkly_192_168_1_50" {
		t.Errorf("UniqueID = %q, want %q", cfg.UniqueID, "twinkly_192_168_1_50")
	}
	if cfg.Name != "Living Room Tree" {
		t.Errorf("Name = %q, want %q", cfg.Name, "Living Room Tree")
	}
	if cfg.StateTopic != "twinkly/192.168.1.50/state" {
		t.Errorf("StateTopic = %q", cfg.StateTopic)
	}
	if cfg.CommandTopic != "twinkly/192.168.1.50/set" {
		t.Errorf("CommandTopic = %q", cfg.CommandTopic)
	}
	if cfg.JSONAttributesTopic != "twinkly/192.168.1.50/attributes" {
		t.Errorf("JSONAttributesTopic = %q", cfg.JSONAttributesTopic)
	}
	if !cfg.Brightness {
		t.Error("Brightness should be enabled")
	}
	if cfg.BrightnessScale != 255 {
		t.Errorf("BrightnessScale = %d, want 255", cfg.BrightnessScale)
	}

	if len(cfg.Availability) != 2 {
		t.Fatalf("Availability entries = %d, want 2", len(cfg.Availability))
	}
	if cfg.Availability[0].Topic != "twinkly/192.168.1.50/availability" {
		t.Errorf("device availability topic = %q", cfg.Availability[0].Topic)
	}
	if cfg.Availability[1].Topic != "twinkly/bridge/availability" {
		t.Errorf("bridge availability topic = %q", cfg.Availability[1].Topic)
	}
	if cfg.AvailabilityMode != "all" {
		t.Errorf("AvailabilityMode = %q, want %q", cfg.AvailabilityMode, "all")
	}

	if cfg.Device.Manufacturer != "LEDWORKS" {
		t.Errorf("Manufacturer = %q, want %q", cfg.Device.Manufacturer, "LEDWORKS")
	}
	if cfg.Device.Model != "Twinkly" {
		t.Errorf("Model = %q, want %q", cfg.Device.Model, "Twinkly")
	}
	if cfg.Device.ConfigurationURL != "http://192.168.1.50/" {
		t.Errorf("ConfigurationURL = %q", cfg.Device.ConfigurationURL)
	}

	if got := b.discoveryTopic(cfg.UniqueID); got != "homeassistant/light/twinkly_192_168_1_50/config" {
		t.Errorf("discoveryTopic = %q", got)
	}
}

func TestDiscoveryConfigJSON(t *testing.T) {
	b := newTestBridge(nil)
	cfg := b.discoveryConfig(DeviceInfo{ID: "tree", Name: "Tree"})

	payload, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal discovery config: %v", err)
	}

	for _, key := range []string{
		`"schema":"json"`,
		`"unique_id":"twinkly_tree"`,
		`"command_topic":"twinkly/tree/set"`,
		`"json_attributes_topic":"twinkly/tree/attributes"`,
		`"availability_mode":"all"`,
		`"brightness":true`,
	} {
		if !strings.Contains(string(payload), key) {
			t.Errorf("discovery JSON missing %s:\n%s", key, payload)
		}
	}
	if strings.Contains(string(payload), "configuration_url") {
		t.Errorf("discovery JSON should omit configuration_url without a host:\n%s", payload)
	}
}

func TestStateForReading(t *testing.T) {
	tests := []struct {
		name    string
		reading *monitoring.StateReading
		want    statePayload
	}{
		{
			name:    "on at full brightness",
			reading: &monitoring.StateReading{On: true, BrightnessPercent: 100},
			want:    statePayload{State: "ON", Brightness: 255},
		},
		{
			name:    "on at partial brightness",
			reading: &monitoring.StateReading{On: true, BrightnessPercent: 49},
			want:    statePayload{State: "ON", Brightness: 124},
		},
		{
			name:    "off keeps last brightness",
			reading: &monitoring.StateReading{On: false, BrightnessPercent: 60},
			want:    statePayload{State: "OFF", Brightness: 153},
		},
		{
			name:    "on at zero brightness",
			reading: &monitoring.StateReading{On: true, BrightnessPercent: 0},
			want:    statePayload{State: "ON", Brightness: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateForReading(tt.reading); got != tt.want {
				t.Errorf("stateForReading() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStatePayloadWireFormat(t *testing.T) {
	payload, err := json.Marshal(statePayload{State: "ON", Brightness: 255})
	if err != nil {
		t.Fatalf("marshal state payload: %v", err)
	}
	want := `{"state":"ON","brightness":255}`
	if string(payload) != want {
		t.Errorf("state payload = %s, want %s", payload, want)
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name        string
		topic       string
		payload     string
		wantOn      bool
		wantOff     bool
		wantPercent *int
	}{
		{
			name:        "on with brightness",
			topic:       "twinkly/tree/set",
			payload:     `{"state":"ON","brightness":127}`,
			wantOn:      true,
			wantPercent: intPtr(49),
		},
		{
			name:        "on at full brightness",
			topic:       "twinkly/tree/set",
			payload:     `{"state":"ON","brightness":255}`,
			wantOn:      true,
			wantPercent: intPtr(100),
		},
		{
			name:        "on at zero brightness",
			topic:       "twinkly/tree/set",
			payload:     `{"state":"ON","brightness":0}`,
			wantOn:      true,
			wantPercent: intPtr(0),
		},
		{
			name:    "on without brightness",
			topic:   "twinkly/tree/set",
			payload: `{"state":"ON"}`,
			wantOn:  true,
		},
		{
			name:    "off",
			topic:   "twinkly/tree/set",
			payload: `{"state":"OFF"}`,
			wantOff: true,
		},
		{
			name:    "off ignores brightness",
			topic:   "twinkly/tree/set",
			payload: `{"state":"OFF","brightness":200}`,
			wantOff: true,
		},
		{
			name:    "malformed payload dropped",
			topic:   "twinkly/tree/set",
			payload: `{"state":`,
		},
		{
			name:    "out of range brightness dropped",
			topic:   "twinkly/tree/set",
			payload: `{"state":"ON","brightness":300}`,
		},
		{
			name:    "unexpected topic dropped",
			topic:   "twinkly/tree/state",
			payload: `{"state":"ON"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeController{}
			b := newTestBridge(fc)

			b.handleCommand(nil, &fakeMessage{topic: tt.topic, payload: []byte(tt.payload)})

			if tt.wantOn {
				if len(fc.onCalls) != 1 {
					t.Fatalf("TurnOnDevice calls = %d, want 1", len(fc.onCalls))
				}
				call := fc.onCalls[0]
				if call.deviceID != "tree" {
					t.Errorf("deviceID = %q, want %q", call.deviceID, "tree")
				}
				if (call.percent == nil) != (tt.wantPercent == nil) {
					t.Fatalf("percent = %v, want %v", call.percent, tt.wantPercent)
				}
				if call.percent != nil && *call.percent != *tt.wantPercent {
					t.Errorf("percent = %d, want %d", *call.percent, *tt.wantPercent)
				}
				return
			}

			if tt.wantOff {
				if len(fc.offCalls) != 1 {
					t.Fatalf("TurnOffDevice calls = %d, want 1", len(fc.offCalls))
				}
				if fc.offCalls[0] != "tree" {
					t.Errorf("deviceID = %q, want %q", fc.offCalls[0], "tree")
				}
				return
			}

			if len(fc.onCalls) != 0 || len(fc.offCalls) != 0 {
				t.Errorf("expected no dispatch, got on=%d off=%d", len(fc.onCalls), len(fc.offCalls))
			}
		})
	}
}

func TestHandleCommand_ControllerError(t *testing.T) {
	fc := &fakeController{err: context.DeadlineExceeded}
	b := newTestBridge(fc)

	// A failing controller is logged, never propagated or panicked.
	b.handleCommand(nil, &fakeMessage{
		topic:   "twinkly/tree/set",
		payload: []byte(`{"state":"OFF"}`),
	})

	if len(fc.offCalls) != 1 {
		t.Fatalf("TurnOffDevice calls = %d, want 1", len(fc.offCalls))
	}
}

func TestNewBridge_Disabled(t *testing.T) {
	b, err := NewBridge(config.MQTTConfig{}, nil)
	if err != nil {
		t.Fatalf("NewBridge with empty broker: %v", err)
	}

	if b.IsEnabled() {
		t.Error("bridge with no broker should be disabled")
	}
	if !b.Ready() {
		t.Error("disabled bridge should report ready")
	}

	reading := &monitoring.StateReading{DeviceID: "tree", On: true, BrightnessPercent: 50, Available: true}
	if err := b.PublishState(reading); err != nil {
		t.Errorf("PublishState on disabled bridge: %v", err)
	}
	if err := b.PublishDiscovery([]DeviceInfo{{ID: "tree", Name: "Tree"}}); err != nil {
		t.Errorf("PublishDiscovery on disabled bridge: %v", err)
	}

	// Close on a disabled bridge must not touch the nil client.
	b.Close()
}
