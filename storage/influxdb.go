// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides InfluxDB persistence for light state readings,
// with a disk spool and circuit breaker for outages.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/soothill/twinkly-bridge/monitoring"
	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
)

// measurementLightState is the measurement all light readings are written under.
const measurementLightState = "light_state"

// maxFluxStringLen bounds the length of any value interpolated into a Flux
// query. Device IDs come from config and device responses, so they are
// untrusted from the query's point of view.
const maxFluxStringLen = 1000

// fluxEscaper escapes the metacharacters of a Flux string literal. The four
// patterns are distinct single bytes, so replacement order does not matter.
var fluxEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
)

// sanitizeFluxString makes a string safe to embed inside a double-quoted
// Flux string literal. Null bytes are stripped, quotes and backslashes are
// escaped, and newlines become their escape sequences. Input is truncated
// to maxFluxStringLen bytes before escaping, so the result is never longer
// than twice that.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLen {
		s = s[:maxFluxStringLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return fluxEscaper.Replace(s)
}

// boolToInt converts a bool to the 0/1 integer form used for InfluxDB fields.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InfluxDBStorage writes light state readings to InfluxDB
type InfluxDBStorage struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPI
	bucket    string
	org       string
	closeOnce sync.Once
}

// NewInfluxDBStorage creates a new InfluxDB storage client
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(url, token)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	writeAPI := client.WriteAPI(org, bucket)

	// Handle async write errors
	go func() {
		for err := range writeAPI.Errors() {
			metrics.InfluxDBWriteErrors.Inc()
			logger.Error().Err(err).Msg("InfluxDB write error")
		}
	}()

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		bucket:   bucket,
		org:      org,
	}, nil
}

// validateReading checks the fields every reading must carry before it can
// be written anywhere.
func validateReading(reading *monitoring.StateReading) error {
	if reading == nil {
		return fmt.Errorf("reading cannot be nil")
	}
	if reading.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	return nil
}

// WriteReading writes a light state reading to InfluxDB. On and Available
// are stored as 0/1 integer fields so they can be graphed and aggregated.
func (s *InfluxDBStorage) WriteReading(reading *monitoring.StateReading) error {
	if err := validateReading(reading); err != nil {
		return err
	}

	p := influxdb2.NewPoint(
		measurementLightState,
		map[string]string{
			"device_id":   reading.DeviceID,
			"device_name": reading.DeviceName,
		},
		map[string]interface{}{
			"on":                 boolToInt(reading.On),
			"brightness_percent": reading.BrightnessPercent,
			"available":          boolToInt(reading.Available),
		},
		reading.Timestamp,
	)

	s.writeAPI.WritePoint(p)
	metrics.InfluxDBWritesTotal.Inc()
	return nil
}

// WriteBatch writes multiple readings efficiently
func (s *InfluxDBStorage) WriteBatch(readings []*monitoring.StateReading) error {
	if readings == nil {
		return fmt.Errorf("readings slice cannot be nil")
	}

	for i, reading := range readings {
		if err := s.WriteReading(reading); err != nil {
			return fmt.Errorf("failed to write reading at index %d: %w", i, err)
		}
	}
	return nil
}

// Flush forces all pending writes to complete
func (s *InfluxDBStorage) Flush() {
	s.writeAPI.Flush()
}

// Close closes the InfluxDB client and flushes pending writes. Flushing a
// closed write API panics, so Close is guarded against repeat calls.
func (s *InfluxDBStorage) Close() {
	s.closeOnce.Do(func() {
		logger.Info().Msg("Closing InfluxDB connection")
		s.writeAPI.Flush()
		s.client.Close()
	})
}

// Health reports whether InfluxDB is reachable and passing its health check.
// The spool replay loop uses this to decide when the outage is over.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return fmt.Errorf("InfluxDB unhealthy: %s", message)
	}
	return nil
}

// QueryLatestReading retrieves the most recent state reading for a device
// from the last hour. Returns ErrDeviceNotFound if the device has no
// readings in that window.
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context, deviceID string) (*monitoring.StateReading, error) {
	// Validate input
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}

	queryAPI := s.client.QueryAPI(s.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, sanitizeFluxString(s.bucket), measurementLightState, sanitizeFluxString(deviceID))

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	reading := &monitoring.StateReading{
		DeviceID: deviceID,
	}

	found := false
	for result.Next() {
		record := result.Record()
		found = true

		if name, ok := record.ValueByKey("device_name").(string); ok {
			reading.DeviceName = name
		}

		reading.Timestamp = record.Time()

		// Integer fields come back from the client as int64.
		switch record.Field() {
		case "on":
			if val, ok := record.Value().(int64); ok {
				reading.On = val != 0
			}
		case "brightness_percent":
			if val, ok := record.Value().(int64); ok {
				reading.BrightnessPercent = int(val)
			}
		case "available":
			if val, ok := record.Value().(int64); ok {
				reading.Available = val != 0
			}
		}
	}

	if result.Err() != nil {
		return nil, apperrors.NewStorageError("query", deviceID, result.Err())
	}

	if !found {
		return nil, apperrors.NewStorageError("query", deviceID, apperrors.ErrDeviceNotFound)
	}

	return reading, nil
}
