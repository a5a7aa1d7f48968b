// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mqtt mirrors light state onto an MQTT broker and accepts
// commands back from it, speaking the Home Assistant discovery
// convention so lights appear in Home Assistant automatically.
//
// Topics live under a configurable prefix (default "twinkly"):
//
//	twinkly/<id>/state          retained JSON {"state":"ON","brightness":0-255}
//	twinkly/<id>/availability   retained online/offline
//	twinkly/<id>/attributes     retained JSON of device metadata
//	twinkly/<id>/set            commands {"state":"ON"|"OFF","brightness":0-255}
//	twinkly/bridge/availability retained online/offline, also the last will
//
// Brightness crosses the bus on Home Assistant's 0-255 scale and is
// converted to the device's 0-100 percent scale at this boundary only.
//
// The bridge is optional. With no broker configured every method is a
// no-op, so callers never need to check whether MQTT is enabled.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/soothill/twinkly-bridge/config"
	"github.com/soothill/twinkly-bridge/monitoring"
	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/interfaces"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
)

const (
	// connectTimeout bounds the first connection attempt; after that the
	// paho client keeps retrying in the background.
	connectTimeout = 10 * time.Second

	// publishTimeout bounds how long a publish waits for its token.
	publishTimeout = 5 * time.Second

	// commandTimeout covers the device round-trips for one command,
	// including a possible re-authentication.
	commandTimeout = 10 * time.Second

	// State updates are QoS 0; the next poll refreshes them anyway.
	// Commands, discovery and availability are QoS 1 so they survive a
	// flaky link.
	qosAtMostOnce  = 0
	qosAtLeastOnce = 1

	// brightnessScale is the Home Assistant brightness range.
	brightnessScale = 255

	payloadOnline  = "online"
	payloadOffline = "offline"

	stateOn  = "ON"
	stateOff = "OFF"
)

// DeviceInfo describes one light for discovery announcements.
type DeviceInfo struct {
	ID   string
	Name string
	Host string
}

// statePayload is the JSON document published on the state topic.
type statePayload struct {
	State      string `json:"state"`
	Brightness int    `json:"brightness"`
}

// commandPayload is the JSON body accepted on the command topic.
// Brightness is a pointer so "turn on without touching brightness" and
// "set brightness 0" stay distinguishable.
type commandPayload struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

// discoveryPayload is the Home Assistant MQTT discovery config for one
// light, using the JSON schema so state and brightness travel in a
// single document.
type discoveryPayload struct {
	Schema              string            `json:"schema"`
	Name                string            `json:"name"`
	UniqueID            string            `json:"unique_id"`
	StateTopic          string            `json:"state_topic"`
	CommandTopic        string            `json:"command_topic"`
	JSONAttributesTopic string            `json:"json_attributes_topic"`
	Availability        []availabilityRef `json:"availability"`
	AvailabilityMode    string            `json:"availability_mode"`
	Brightness          bool              `json:"brightness"`
	BrightnessScale     int               `json:"brightness_scale"`
	Device              discoveryDevice   `json:"device"`
}

type availabilityRef struct {
	Topic string `json:"topic"`
}

type discoveryDevice struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Bridge connects the light registry to an MQTT broker.
type Bridge struct {
	client          pahomqtt.Client
	controller      interfaces.DeviceController
	broker          string
	topicPrefix     string
	discoveryPrefix string
	enabled         bool

	mu        sync.RWMutex // Protects announced
	announced []DeviceInfo
}

// NewBridge connects to the broker in cfg and routes incoming commands
// to the controller. An empty broker yields a disabled bridge whose
// methods all succeed as no-ops.
//
// A broker that is down at startup does not fail construction; the
// client retries in the background and the connect handler finishes the
// setup once it gets through.
func NewBridge(cfg config.MQTTConfig, controller interfaces.DeviceController) (*Bridge, error) {
	if cfg.Broker == "" {
		logger.Info().Msg("No MQTT broker configured, bridge disabled")
		return &Bridge{}, nil
	}

	b := &Bridge{
		controller:      controller,
		broker:          cfg.Broker,
		topicPrefix:     cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		enabled:         true,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("twinkly-bridge-" + uuid.NewString()[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(b.bridgeAvailabilityTopic(), payloadOffline, qosAtLeastOnce, true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", b.broker).Msg("MQTT connection lost, reconnecting")
	})

	b.client = pahomqtt.NewClient(opts)

	// With connect retry enabled the token only completes once the
	// connection succeeds, so an unreachable broker shows up here as a
	// timeout rather than an error.
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn().Str("broker", cfg.Broker).
			Msg("MQTT broker not reachable yet, connecting in the background")
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	return b, nil
}

// IsEnabled reports whether a broker is configured.
func (b *Bridge) IsEnabled() bool {
	return b.enabled
}

// Ready reports whether state can currently be published. A disabled
// bridge is always ready.
func (b *Bridge) Ready() bool {
	if !b.enabled {
		return true
	}
	return b.client.IsConnectionOpen()
}

// onConnect runs on every connect and reconnect. Subscriptions do not
// survive a reconnect with a clean session, so everything retained and
// subscribed is re-established here.
func (b *Bridge) onConnect(_ pahomqtt.Client) {
	logger.Info().Str("broker", b.broker).Msg("Connected to MQTT broker")

	if err := b.publish(b.bridgeAvailabilityTopic(), []byte(payloadOnline), qosAtLeastOnce, true); err != nil {
		logger.Error().Err(err).Msg("Failed to publish bridge availability")
	}

	b.mu.RLock()
	devices := make([]DeviceInfo, len(b.announced))
	copy(devices, b.announced)
	b.mu.RUnlock()

	for _, device := range devices {
		if err := b.publishDiscovery(device); err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).
				Msg("Failed to publish discovery config")
		}
	}

	filter := b.topicPrefix + "/+/set"
	if token := b.client.Subscribe(filter, qosAtLeastOnce, b.handleCommand); token.Wait() && token.Error() != nil {
		logger.Error().Err(token.Error()).Str("topic", filter).
			Msg("Failed to subscribe to command topic")
		return
	}
	logger.Info().Str("topic", filter).Msg("Subscribed to command topic")
}

// PublishDiscovery announces the given lights to Home Assistant with
// retained discovery configs and remembers them so every reconnect
// re-announces automatically.
func (b *Bridge) PublishDiscovery(devices []DeviceInfo) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	b.announced = make([]DeviceInfo, len(devices))
	copy(b.announced, devices)
	b.mu.Unlock()

	for _, device := range devices {
		if err := b.publishDiscovery(device); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) publishDiscovery(device DeviceInfo) error {
	cfg := b.discoveryConfig(device)

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode discovery config for %s: %w", device.ID, err)
	}
	return b.publish(b.discoveryTopic(cfg.UniqueID), payload, qosAtLeastOnce, true)
}

// discoveryConfig builds the discovery document for one light. The
// entity goes unavailable when either the device misses a poll or the
// bridge itself drops off the broker.
func (b *Bridge) discoveryConfig(device DeviceInfo) discoveryPayload {
	objectID := discoveryObjectID(device.ID)

	cfg := discoveryPayload{
		Schema:              "json",
		Name:                device.Name,
		UniqueID:            objectID,
		StateTopic:          b.stateTopic(device.ID),
		CommandTopic:        b.commandTopic(device.ID),
		JSONAttributesTopic: b.attributesTopic(device.ID),
		Availability: []availabilityRef{
			{Topic: b.availabilityTopic(device.ID)},
			{Topic: b.bridgeAvailabilityTopic()},
		},
		AvailabilityMode: "all",
		Brightness:       true,
		BrightnessScale:  brightnessScale,
		Device: discoveryDevice{
			Identifiers:  []string{objectID},
			Name:         device.Name,
			Manufacturer: "LEDWORKS",
			Model:        "Twinkly",
		},
	}
	if device.Host != "" {
		cfg.Device.ConfigurationURL = "http://" + device.Host + "/"
	}
	return cfg
}

// PublishState mirrors one reading onto the bus: availability, then
// state, then attributes, all retained so a Home Assistant restart
// sees the last known values immediately.
func (b *Bridge) PublishState(reading *monitoring.StateReading) error {
	if !b.enabled {
		return nil
	}
	if reading == nil {
		return fmt.Errorf("reading cannot be nil")
	}

	availability := payloadOffline
	if reading.Available {
		availability = payloadOnline
	}
	if err := b.publish(b.availabilityTopic(reading.DeviceID), []byte(availability), qosAtMostOnce, true); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(stateForReading(reading))
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", reading.DeviceID, err)
	}
	if err := b.publish(b.stateTopic(reading.DeviceID), stateJSON, qosAtMostOnce, true); err != nil {
		return err
	}

	attrs := reading.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrPayload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes for %s: %w", reading.DeviceID, err)
	}
	return b.publish(b.attributesTopic(reading.DeviceID), attrPayload, qosAtMostOnce, true)
}

// Close publishes the offline payload and disconnects. The explicit
// publish matters because a clean disconnect suppresses the last will.
func (b *Bridge) Close() {
	if !b.enabled {
		return
	}
	if err := b.publish(b.bridgeAvailabilityTopic(), []byte(payloadOffline), qosAtLeastOnce, true); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish offline status")
	}
	b.client.Disconnect(250)
	logger.Info().Msg("Disconnected from MQTT broker")
}

// handleCommand dispatches one message from <prefix>/<id>/set. Errors
// are logged and counted; a bad payload must never take down the
// subscription.
func (b *Bridge) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	metrics.MQTTCommandsTotal.Inc()

	deviceID, ok := deviceIDFromTopic(b.topicPrefix, msg.Topic())
	if !ok {
		logger.Warn().Str("topic", msg.Topic()).Msg("Ignoring command on unexpected topic")
		return
	}

	cmd, err := parseCommand(msg.Payload())
	if err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Msg("Ignoring malformed command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch {
	case cmd.State == stateOff:
		err = b.controller.TurnOffDevice(ctx, deviceID)
	case cmd.Brightness != nil:
		percent := brightnessToPercent(*cmd.Brightness)
		err = b.controller.TurnOnDevice(ctx, deviceID, &percent)
	default:
		err = b.controller.TurnOnDevice(ctx, deviceID, nil)
	}
	if err != nil {
		logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("state", cmd.State).
			Msg("Command failed")
		return
	}

	logger.Debug().Str("device_id", deviceID).Str("state", cmd.State).Msg("Command dispatched")
}

// publish sends one message and waits for the broker to take it.
func (b *Bridge) publish(topic string, payload []byte, qos byte, retain bool) error {
	if !b.enabled {
		return nil
	}

	token := b.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.MQTTPublishErrors.Inc()
		return fmt.Errorf("publish to %s: %w", topic, apperrors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		metrics.MQTTPublishErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.MQTTPublishesTotal.Inc()
	return nil
}

func (b *Bridge) stateTopic(deviceID string) string {
	return b.topicPrefix + "/" + deviceID + "/state"
}

func (b *Bridge) commandTopic(deviceID string) string {
	return b.topicPrefix + "/" + deviceID + "/set"
}

func (b *Bridge) availabilityTopic(deviceID string) string {
	return b.topicPrefix + "/" + deviceID + "/availability"
}

func (b *Bridge) attributesTopic(deviceID string) string {
	return b.topicPrefix + "/" + deviceID + "/attributes"
}

func (b *Bridge) bridgeAvailabilityTopic() string {
	return b.topicPrefix + "/bridge/availability"
}

// discoveryTopic builds the Home Assistant discovery topic for one
// object ID, e.g. homeassistant/light/twinkly_tree/config.
func (b *Bridge) discoveryTopic(objectID string) string {
	return b.discoveryPrefix + "/light/" + objectID + "/config"
}

// discoveryObjectID derives the Home Assistant object ID for a device.
// Discovery topic segments only allow [a-zA-Z0-9_-], so anything else
// (the dots of an IP-derived ID, say) becomes an underscore.
func discoveryObjectID(deviceID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, deviceID)
	return "twinkly_" + mapped
}

// deviceIDFromTopic extracts the device ID from <prefix>/<id>/set.
// Only a non-empty, single-level id is accepted.
func deviceIDFromTopic(prefix, topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", false
	}
	id, found := strings.CutSuffix(rest, "/set")
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// parseCommand validates a raw command payload. State is matched
// case-insensitively; hand-typed mosquitto_pub commands are a fact of
// life.
func parseCommand(payload []byte) (commandPayload, error) {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return commandPayload{}, fmt.Errorf("invalid command JSON: %w", err)
	}

	state := strings.ToUpper(strings.TrimSpace(cmd.State))
	if state != stateOn && state != stateOff {
		return commandPayload{}, fmt.Errorf("invalid state %q, expected %q or %q", cmd.State, stateOn, stateOff)
	}
	cmd.State = state

	if cmd.Brightness != nil && (*cmd.Brightness < 0 || *cmd.Brightness > brightnessScale) {
		return commandPayload{}, fmt.Errorf("brightness %d out of range 0-%d", *cmd.Brightness, brightnessScale)
	}
	return cmd, nil
}

// stateForReading converts one reading into its bus representation.
func stateForReading(reading *monitoring.StateReading) statePayload {
	state := statePayload{
		State:      stateOff,
		Brightness: percentToBrightness(reading.BrightnessPercent),
	}
	if reading.On {
		state.State = stateOn
	}
	return state
}

// brightnessToPercent converts the bus scale (0-255) to the device
// scale (0-100) with truncating division, so 127 maps to 49 and
// anything below 3 maps to 0.
func brightnessToPercent(brightness int) int {
	return brightness * 100 / 255
}

// percentToBrightness is the inverse; 100 percent maps to exactly 255.
func percentToBrightness(percent int) int {
	return percent * 255 / 100
}
