// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Twinkly bridge polls Twinkly decorative lights for their state,
// records it in InfluxDB and exposes the lights to Home Assistant over
// MQTT.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/soothill/twinkly-bridge/app"
	"github.com/soothill/twinkly-bridge/config"
	"github.com/soothill/twinkly-bridge/pkg/logger"
)

// healthCheckTimeout bounds the -health-check probe
const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.Int("metrics-port", 0, "Override the metrics port from the configuration")
	healthCheck := flag.Bool("health-check", false, "Probe the running bridge's health endpoint and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	// Environment overrides may live in a .env file; a missing file is
	// not an error.
	_ = godotenv.Load()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath, *metricsPort))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}

	logger.Initialize(cfg.LogLevel)

	logger.Info().Msg("Starting Twinkly bridge")
	logger.Info().
		Int("devices", len(cfg.Devices)).
		Dur("poll_interval", cfg.Polling.Interval).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run()
}

// performHealthCheck probes the running bridge's health endpoint. It is
// meant as a container health check, so it asks the already running
// process instead of duplicating its storage probes.
func performHealthCheck(configPath string, portOverride int) int {
	port := portOverride
	if port == 0 {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
			return 1
		}
		port = cfg.MetricsPort
	}

	client := &http.Client{Timeout: healthCheckTimeout}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed")
	return 0
}

// performConfigValidation checks the configuration file against the
// JSON schema and the loader's validators, then prints a summary.
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Devices: %d\n", len(cfg.Devices))
	for _, device := range cfg.Devices {
		name := device.Name
		if name == "" {
			name = "(name from device)"
		}
		fmt.Printf("    - %s at %s (%s)\n", device.ID, device.Host, name)
	}
	fmt.Printf("  Log Level: %s\n", cfg.LogLevel)
	fmt.Printf("  Metrics Port: %d\n", cfg.MetricsPort)
	fmt.Printf("  Poll Interval: %s\n", cfg.Polling.Interval)
	fmt.Printf("  Readings Channel Size: %d\n", cfg.Polling.ReadingsChannelSize)
	fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Org)
	fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Printf("  Spool Directory: %s\n", cfg.Cache.Dir)
	fmt.Printf("  Spool Max Size: %d MB\n", cfg.Cache.MaxSizeBytes/(1024*1024))
	fmt.Printf("  Spool Max Age: %s\n", cfg.Cache.MaxAge)

	if cfg.MQTT.Broker != "" {
		fmt.Printf("  MQTT Broker: %s\n", cfg.MQTT.Broker)
		fmt.Printf("  MQTT Topic Prefix: %s\n", cfg.MQTT.TopicPrefix)
		fmt.Printf("  MQTT Discovery Prefix: %s\n", cfg.MQTT.DiscoveryPrefix)
	} else {
		fmt.Println("  MQTT: Disabled")
	}

	if cfg.Slack.WebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
