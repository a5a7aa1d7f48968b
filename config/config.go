// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Twinkly bridge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	LogLevel    string         `yaml:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	MetricsPort int            `yaml:"metrics_port" validate:"min=1,max=65535"`
	Devices     []DeviceConfig `yaml:"devices" validate:"required,min=1,dive"`
	Polling     PollingConfig  `yaml:"polling"`
	InfluxDB    InfluxDBConfig `yaml:"influxdb"`
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Cache       CacheConfig    `yaml:"cache"`
	Slack       SlackConfig    `yaml:"slack"`
}

// DeviceConfig identifies a single light on the local network.
// ID defaults to the host when omitted; Name is left empty so the
// device-reported name can take over.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host" validate:"required"`
	Name string `yaml:"name"`
}

// PollingConfig holds state polling settings
type PollingConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ReadingsChannelSize int           `yaml:"readings_channel_size" validate:"min=10,max=100000"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token" validate:"required,min=8"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}

// MQTTConfig holds MQTT broker settings. An empty Broker disables
// MQTT publishing entirely.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// CacheConfig holds local disk cache settings for buffered readings
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// validate is shared across Load calls; the validator is safe for
// concurrent use.
var validate = newValidator()

// newValidator builds a validator that reports field names by their
// yaml tag so messages match the file the user actually edits.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Org = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if username := os.Getenv("MQTT_USERNAME"); username != "" {
		c.MQTT.Username = username
	}
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		c.MQTT.Password = password
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Slack.WebhookURL = webhook
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if interval := os.Getenv("TWINKLY_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Polling.Interval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse TWINKLY_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 30 * time.Second
	}
	if c.Polling.ReadingsChannelSize == 0 {
		c.Polling.ReadingsChannelSize = 1000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "twinkly"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./cache"
	}
	if c.Cache.MaxSizeBytes == 0 {
		c.Cache.MaxSizeBytes = 100 * 1024 * 1024
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 24 * time.Hour
	}
	for i := range c.Devices {
		if c.Devices[i].ID == "" {
			c.Devices[i].ID = c.Devices[i].Host
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if validateErr := c.validateStruct(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDevices(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validatePolling(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateCache(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateSlack(); validateErr != nil {
		return validateErr
	}

	return nil
}

// validateStruct runs the tag-based field constraints and converts the
// first failure into a ConfigError keyed by the yaml field path.
func (c *Config) validateStruct() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		return apperrors.NewConfigError(field, "", fmt.Errorf("failed %q constraint: %w", fe.Tag(), apperrors.ErrInvalidConfig))
	}

	return err
}

// validateDevices checks per-device fields the struct tags cannot express
func (c *Config) validateDevices() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, device := range c.Devices {
		host := strings.TrimSpace(device.Host)
		if host == "" {
			return fmt.Errorf("devices[%d].host is required", i)
		}
		if strings.ContainsAny(host, "/ ") || strings.Contains(host, "://") {
			return fmt.Errorf("devices[%d].host must be a bare hostname or IP address, got %q", i, device.Host)
		}

		id := device.ID
		if id == "" {
			id = host
		}
		if seen[id] {
			return fmt.Errorf("devices[%d].id %q is already used by another device", i, id)
		}
		seen[id] = true
	}

	return nil
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateMQTT validates the MQTT configuration. MQTT is optional; an
// empty broker means the bridge runs without publishing.
func (c *Config) validateMQTT() error {
	if c.MQTT.Broker == "" {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.MQTT.Broker)
	if parseErr != nil {
		return fmt.Errorf("mqtt.broker is not a valid URL: %w", parseErr)
	}

	switch parsedURL.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker scheme must be one of tcp, ssl, ws, wss (got %q)", parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("mqtt.broker is missing a host")
	}

	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		return fmt.Errorf("mqtt.username is required when mqtt.password is set")
	}

	return nil
}

// validatePolling validates the polling configuration
func (c *Config) validatePolling() error {
	if c.Polling.Interval < 5*time.Second {
		return fmt.Errorf("polling.interval must be at least 5 seconds")
	}
	if c.Polling.Interval > 1*time.Hour {
		return fmt.Errorf("polling.interval must not exceed 1 hour")
	}

	return nil
}

// validateCache validates the local cache configuration
func (c *Config) validateCache() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxSizeBytes < 1024*1024 {
		return fmt.Errorf("cache.max_size_bytes must be at least 1 MiB")
	}
	if c.Cache.MaxAge < time.Minute {
		return fmt.Errorf("cache.max_age must be at least 1 minute")
	}

	return nil
}

// validateSlack validates the Slack notification configuration
func (c *Config) validateSlack() error {
	if c.Slack.WebhookURL == "" {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.Slack.WebhookURL)
	if parseErr != nil {
		return fmt.Errorf("slack.webhook_url is not a valid URL: %w", parseErr)
	}
	if parsedURL.Scheme != "https" {
		return fmt.Errorf("slack.webhook_url must use HTTPS")
	}

	return nil
}
