// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the bridge together and owns its lifecycle.
//
// An App connects the device registry, the state poller, the storage
// stack, the MQTT bridge and the Slack notifier, exposes the metrics
// and health endpoints, and coordinates startup, configuration reloads
// and graceful shutdown between them.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/twinkly-bridge/config"
	"github.com/soothill/twinkly-bridge/monitoring"
	"github.com/soothill/twinkly-bridge/mqtt"
	"github.com/soothill/twinkly-bridge/pkg/interfaces"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
	"github.com/soothill/twinkly-bridge/pkg/notifications"
	"github.com/soothill/twinkly-bridge/registry"
	"github.com/soothill/twinkly-bridge/storage"
)

const (
	// signalChannelSize is the buffer size for OS signal channels
	signalChannelSize = 1

	// alertTimeout bounds a single Slack notification
	alertTimeout = 5 * time.Second

	// readinessCheckTimeout bounds the storage probe behind /ready
	readinessCheckTimeout = 2 * time.Second

	// shutdownTimeout bounds the HTTP server drain during shutdown
	shutdownTimeout = 5 * time.Second

	// flushTimeout bounds the final storage flush during shutdown
	flushTimeout = 10 * time.Second
)

// App owns every long lived component of the bridge.
type App struct {
	cfg        *config.Config
	configPath string

	server   *http.Server
	registry *registry.Registry
	poller   *monitoring.StatePoller
	db       *storage.CachingStorage
	bridge   *mqtt.Bridge
	notifier *notifications.SlackNotifier

	configChan    chan *config.Config
	configWatcher *config.Watcher

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a fully wired application from the configuration. On
// error, every component that had already been created is shut down
// again before returning.
func New(cfg *config.Config, configPath string) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		configChan: make(chan *config.Config, 1),
	}

	if err := a.initializeComponents(); err != nil {
		return nil, err
	}
	return a, nil
}

// initializeComponents creates the notifier, storage stack, registry,
// MQTT bridge, poller, config watcher and HTTP server, in dependency
// order.
func (a *App) initializeComponents() error {
	a.notifier = notifications.NewSlackNotifier(a.cfg.Slack.WebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	influx, err := storage.NewInfluxDBStorage(
		a.cfg.InfluxDB.URL,
		a.cfg.InfluxDB.Token,
		a.cfg.InfluxDB.Org,
		a.cfg.InfluxDB.Bucket,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize InfluxDB storage: %w", err)
	}

	cache, err := storage.NewLocalCache(a.cfg.Cache.Dir, a.cfg.Cache.MaxSizeBytes, a.cfg.Cache.MaxAge)
	if err != nil {
		influx.Close()
		return fmt.Errorf("failed to initialize local spool: %w", err)
	}

	a.db = storage.NewCachingStorage(influx, cache, a.notifier)

	a.registry = registry.New()
	for _, device := range a.cfg.Devices {
		if _, err := a.registry.Add(device.ID, device.Host, device.Name); err != nil {
			a.db.Close()
			return fmt.Errorf("failed to register device %q: %w", device.Host, err)
		}
	}

	bridge, err := mqtt.NewBridge(a.cfg.MQTT, a.registry)
	if err != nil {
		a.db.Close()
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	a.bridge = bridge

	a.poller = monitoring.NewStatePoller(a.cfg.Polling.Interval, a.cfg.Polling.ReadingsChannelSize)
	a.configWatcher = config.NewWatcher(a.configPath, a.configChan)
	a.server = a.newMetricsServer()

	return nil
}

// newMetricsServer builds the HTTP server exposing /metrics, /health
// and /ready on localhost. The health endpoints are rate limited
// independently so a scrape storm on one cannot starve the other.
func (a *App) newMetricsServer() *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", rateLimitMiddleware(healthLimiter, http.HandlerFunc(healthCheckHandler)))
	mux.Handle("/ready", rateLimitMiddleware(readyLimiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, a.db, a.bridge.Ready)
	})))

	return &http.Server{
		Addr:    "localhost:" + strconv.Itoa(a.cfg.MetricsPort),
		Handler: mux,
	}
}

// Run starts every component and blocks until a shutdown signal
// arrives. It returns once cleanup has finished.
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.configWatcher.Start(ctx)
	a.startConfigReloader()
	a.startReadingsConsumer()
	a.announceDevices()
	a.poller.Start(ctx, a.registry.Devices())

	logger.Info().
		Int("devices", a.registry.Count()).
		Dur("poll_interval", a.poller.PollInterval()).
		Str("metrics_addr", a.server.Addr).
		Msg("Twinkly bridge running")

	<-ctx.Done()

	a.performCleanup()
	logger.Info().Msg("Shutdown complete")
}

// startMetricsServer runs the HTTP server in the background
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

// setupSignalHandler triggers a graceful shutdown on SIGINT or SIGTERM
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// performGracefulShutdown stops the inbound surfaces first so no new
// work arrives, then stops the pollers. Stopping the poller closes the
// readings channel, which lets the consumer drain whatever is still
// buffered before the final flush in performCleanup.
func (a *App) performGracefulShutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	}

	a.poller.Stop()
	a.configWatcher.Stop()
	a.cancel()
}

// performCleanup waits for the background goroutines to finish, flushes
// the storage stack and releases the remaining connections. The MQTT
// bridge closes after the consumer has drained so the final readings
// still reach their state topics.
func (a *App) performCleanup() {
	a.wg.Wait()

	flushDone := make(chan struct{})
	go func() {
		a.db.Flush()
		close(flushDone)
	}()
	select {
	case <-flushDone:
		logger.Info().Msg("Storage flushed")
	case <-time.After(flushTimeout):
		logger.Warn().Msg("Storage flush timed out, some readings may be lost")
	}

	a.bridge.Close()
	a.db.Close()
}

// startReadingsConsumer drains the readings channel, fanning each
// snapshot out to metrics, storage, MQTT and the availability alerter.
// It exits when the poller closes the channel, which guarantees
// buffered readings are handled before shutdown proceeds.
func (a *App) startReadingsConsumer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		// Last known availability per device. Devices start presumed
		// available so a healthy first poll stays quiet.
		lastAvailability := make(map[string]bool)

		for reading := range a.poller.Readings() {
			a.handleReading(reading, lastAvailability)
		}
		logger.Info().Msg("Readings channel closed, consumer exiting")
	}()
}

// handleReading processes a single state snapshot.
func (a *App) handleReading(reading *monitoring.StateReading, lastAvailability map[string]bool) {
	metrics.DeviceOn.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(boolToGauge(reading.On))
	metrics.DeviceBrightness.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(float64(reading.BrightnessPercent))
	metrics.DeviceAvailable.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(boolToGauge(reading.Available))

	if err := a.db.WriteReading(reading); err != nil {
		logger.Error().Err(err).Str("device_id", reading.DeviceID).Msg("Failed to store reading")
	}

	if err := a.bridge.PublishState(reading); err != nil {
		logger.Warn().Err(err).Str("device_id", reading.DeviceID).Msg("Failed to publish state over MQTT")
	}

	prev, seen := lastAvailability[reading.DeviceID]
	if !seen {
		prev = true
	}
	lastAvailability[reading.DeviceID] = reading.Available
	updateAvailableGauge(lastAvailability)

	// Alert once per transition, not on every failed poll
	if reading.Available == prev {
		return
	}
	if reading.Available {
		logger.Info().Str("device_id", reading.DeviceID).Str("device_name", reading.DeviceName).
			Msg("Light back online")
	} else {
		logger.Warn().Str("device_id", reading.DeviceID).Str("device_name", reading.DeviceName).
			Msg("Light went offline")
	}
	a.sendAvailabilityAlert(reading)
}

// sendAvailabilityAlert notifies Slack about an availability transition
func (a *App) sendAvailabilityAlert(reading *monitoring.StateReading) {
	if !a.notifier.IsEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	var err error
	if reading.Available {
		err = a.notifier.SendDeviceRecovered(ctx, reading.DeviceID, reading.DeviceName)
	} else {
		err = a.notifier.SendDeviceOffline(ctx, reading.DeviceID, reading.DeviceName)
	}
	if err != nil {
		logger.Error().Err(err).Str("device_id", reading.DeviceID).Msg("Failed to send availability alert")
	}
}

// announceDevices publishes Home Assistant discovery configs for every
// registered light.
func (a *App) announceDevices() {
	devices := a.registry.Devices()
	infos := make([]mqtt.DeviceInfo, 0, len(devices))
	for _, device := range devices {
		infos = append(infos, mqtt.DeviceInfo{
			ID:   device.ID,
			Name: device.Client.DisplayName(),
			Host: device.Host,
		})
	}

	if err := a.bridge.PublishDiscovery(infos); err != nil {
		logger.Error().Err(err).Msg("Failed to publish discovery configs")
	}
}

// startConfigReloader applies configurations pushed by the SIGHUP
// watcher.
func (a *App) startConfigReloader() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case newCfg := <-a.configChan:
				a.applyConfig(newCfg)
			}
		}
	}()
}

// applyConfig applies the reloadable subset of a new configuration:
// log level, poll interval and Slack webhook. Everything else logs a
// restart hint instead of being half applied.
func (a *App) applyConfig(newCfg *config.Config) {
	old := a.cfg
	a.cfg = newCfg

	if newCfg.LogLevel != old.LogLevel {
		logger.SetLevel(newCfg.LogLevel)
	}
	if newCfg.Polling.Interval != old.Polling.Interval {
		a.poller.UpdatePollInterval(newCfg.Polling.Interval)
	}
	if newCfg.Slack.WebhookURL != old.Slack.WebhookURL {
		a.notifier.UpdateWebhookURL(newCfg.Slack.WebhookURL)
	}

	if !devicesEqual(old.Devices, newCfg.Devices) {
		logger.Warn().Msg("Device list changed, restart to apply")
	}
	if old.InfluxDB != newCfg.InfluxDB || old.Cache != newCfg.Cache {
		logger.Warn().Msg("Storage settings changed, restart to apply")
	}
	if old.MQTT != newCfg.MQTT {
		logger.Warn().Msg("MQTT settings changed, restart to apply")
	}
	if old.MetricsPort != newCfg.MetricsPort {
		logger.Warn().Msg("Metrics port changed, restart to apply")
	}
	if old.Polling.ReadingsChannelSize != newCfg.Polling.ReadingsChannelSize {
		logger.Warn().Msg("Readings channel size changed, restart to apply")
	}

	logger.Info().Msg("Configuration reloaded")
}

// DumpApplicationState logs a snapshot of the bridge's runtime state.
// Wired to SIGUSR1 for live debugging.
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.registry.Devices()
	logger.Info().
		Int("configured_devices", len(devices)).
		Int("monitored_devices", a.poller.GetMonitoredDeviceCount()).
		Dur("poll_interval", a.poller.PollInterval()).
		Msg("Polling state")

	for _, device := range devices {
		state := device.Client.State()
		logger.Info().
			Str("device_id", device.ID).
			Str("host", device.Host).
			Str("device_name", state.Name).
			Bool("on", state.On).
			Int("brightness_percent", state.BrightnessPercent).
			Bool("available", state.Available).
			Bool("monitoring", a.poller.IsMonitoring(device.ID)).
			Msg("Light state")
	}

	logger.Info().
		Bool("mqtt_enabled", a.bridge.IsEnabled()).
		Bool("mqtt_connected", a.bridge.Ready()).
		Msg("MQTT state")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Int("goroutines", runtime.NumGoroutine()).
		Uint64("heap_alloc_bytes", m.HeapAlloc).
		Uint64("total_alloc_bytes", m.TotalAlloc).
		Uint32("num_gc", m.NumGC).
		Msg("Runtime state")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces logs the stack of every goroutine. Wired to
// SIGUSR2 for diagnosing stuck shutdowns.
func DumpGoroutineStackTraces() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	logger.Info().Msgf("=== GOROUTINE STACK TRACES (SIGUSR2) ===\n%s\n=== END STACK TRACES ===", buf[:n])
}

// rateLimitMiddleware rejects requests above the limiter's rate with
// 429 Too Many Requests.
func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthCheckHandler reports liveness. It succeeds whenever the process
// is up; readiness is the deeper probe.
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readinessCheckHandler reports whether the bridge can do useful work:
// storage reachable and the MQTT session up when a broker is
// configured.
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, db interfaces.StateStorage, mqttReady func() bool) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := db.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: storage unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "NOT READY: storage unhealthy")
		return
	}

	if !mqttReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "NOT READY: MQTT disconnected")
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

// updateAvailableGauge recomputes the aggregate availability gauge from
// the per-device map.
func updateAvailableGauge(lastAvailability map[string]bool) {
	available := 0
	for _, ok := range lastAvailability {
		if ok {
			available++
		}
	}
	metrics.DevicesAvailable.Set(float64(available))
}

func boolToGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// devicesEqual reports whether two device lists are identical.
func devicesEqual(a, b []config.DeviceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
