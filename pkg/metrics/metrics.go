// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the Twinkly bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesConfigured tracks the number of devices in the registry
	DevicesConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinkly_devices_configured",
		Help: "Number of Twinkly devices configured in the registry",
	})

	// DevicesMonitored tracks the number of devices currently being polled
	DevicesMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinkly_devices_monitored",
		Help: "Number of devices currently being polled for state",
	})

	// DevicesAvailable tracks the number of devices that answered their last poll
	DevicesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinkly_devices_available",
		Help: "Number of devices whose last refresh succeeded",
	})

	// RefreshesTotal tracks the total number of state refreshes attempted
	RefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_refreshes_total",
		Help: "Total number of device state refreshes attempted",
	})

	// RefreshErrors tracks the number of failed state refreshes
	RefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_refresh_errors_total",
		Help: "Total number of failed device state refreshes",
	})

	// RefreshDuration tracks how long a full refresh cycle takes
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "twinkly_refresh_duration_seconds",
		Help:    "Duration of a full device state refresh in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AuthenticationsTotal tracks the number of authentication attempts
	AuthenticationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_authentications_total",
		Help: "Total number of device authentication attempts",
	})

	// AuthenticationErrors tracks the number of failed authentications
	AuthenticationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_authentication_errors_total",
		Help: "Total number of failed device authentications",
	})

	// CommandsTotal tracks device commands by kind
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinkly_commands_total",
		Help: "Total number of device commands dispatched",
	}, []string{"command"})

	// CommandErrors tracks the number of failed device commands
	CommandErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_command_errors_total",
		Help: "Total number of failed device commands",
	})

	// ReadingsDropped tracks snapshots dropped because the readings channel was full
	ReadingsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_readings_dropped_total",
		Help: "Total number of state readings dropped due to a full channel",
	})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// CachedReadings tracks the number of readings currently spooled on disk
	CachedReadings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinkly_cached_readings",
		Help: "Number of state readings spooled locally awaiting replay",
	})

	// CacheReplaysTotal tracks readings replayed from the spool into storage
	CacheReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_cache_replays_total",
		Help: "Total number of spooled readings replayed into storage",
	})

	// CircuitBreakerState tracks the storage circuit breaker state
	// (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinkly_storage_circuit_breaker_state",
		Help: "Storage circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// MQTTPublishesTotal tracks successful MQTT publishes
	MQTTPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_mqtt_publishes_total",
		Help: "Total number of MQTT messages published",
	})

	// MQTTPublishErrors tracks failed MQTT publishes
	MQTTPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_mqtt_publish_errors_total",
		Help: "Total number of failed MQTT publishes",
	})

	// MQTTCommandsTotal tracks commands received over MQTT
	MQTTCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinkly_mqtt_commands_total",
		Help: "Total number of commands received over MQTT",
	})

	// DeviceOn tracks the last polled power state per device
	DeviceOn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twinkly_device_on",
		Help: "Last polled power state (1=on, 0=off)",
	}, []string{"device_id", "device_name"})

	// DeviceBrightness tracks the last polled brightness per device
	DeviceBrightness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twinkly_device_brightness_percent",
		Help: "Last polled brightness percentage",
	}, []string{"device_id", "device_name"})

	// DeviceAvailable tracks per-device availability
	DeviceAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twinkly_device_available",
		Help: "Whether the last refresh of the device succeeded (1=yes, 0=no)",
	}, []string{"device_id", "device_name"})
)
