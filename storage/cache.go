// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soothill/twinkly-bridge/monitoring"
	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/interfaces"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
	"github.com/soothill/twinkly-bridge/pkg/util"
)

const (
	defaultCacheDir = "./cache"
	cacheFilePrefix = "cache_"
	cacheFileExt    = ".json"
	defaultMaxSize  = 100 * 1024 * 1024 // 100 MB
	defaultMaxAge   = 24 * time.Hour

	replayBatchSize     = 100
	healthCheckInterval = 30 * time.Second

	breakerFailureThreshold = 3
	breakerResetTimeout     = 30 * time.Second
	breakerHalfOpenMax      = 1

	// cacheWarningRatio is the fill level above which a capacity alert is sent
	cacheWarningRatio = 0.8
)

// LocalCache spools state readings to disk while InfluxDB is unavailable
type LocalCache struct {
	cacheDir     string
	maxSize      int64
	maxAge       time.Duration
	mu           sync.Mutex
	currentSize  int64
	currentCount int
}

// CachedReading is a state reading spooled on disk awaiting replay
type CachedReading struct {
	Reading   *monitoring.StateReading `json:"reading"`
	CachedAt  time.Time                `json:"cached_at"`
	AttemptID string                   `json:"attempt_id"`
}

// NewLocalCache creates a new local spool directory
func NewLocalCache(cacheDir string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &LocalCache{
		cacheDir: cacheDir,
		maxSize:  maxSize,
		maxAge:   maxAge,
	}

	// Pick up whatever a previous run left behind
	if err := cache.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial cache size")
	}
	if err := cache.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old cache files")
	}

	return cache, nil
}

// Write spools a reading to disk
func (lc *LocalCache) Write(reading *monitoring.StateReading) error {
	if reading == nil {
		return fmt.Errorf("reading cannot be nil")
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.currentSize >= lc.maxSize {
		return fmt.Errorf("%w (%d >= %d bytes)", apperrors.ErrCacheFull, lc.currentSize, lc.maxSize)
	}

	cached := &CachedReading{
		Reading:   reading,
		CachedAt:  time.Now(),
		AttemptID: uuid.NewString(),
	}

	filename := lc.generateFilename(cached.AttemptID)
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	// Atomic write so the replay loop never sees a torn file
	if err := util.WriteFileAtomic(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	lc.currentSize += int64(len(data))
	lc.currentCount++
	metrics.CachedReadings.Set(float64(lc.currentCount))

	logger.Debug().
		Str("device_id", reading.DeviceID).
		Str("filename", filepath.Base(filename)).
		Int64("cache_size", lc.currentSize).
		Msg("Spooled reading to cache")

	return nil
}

// ListCachedReadings returns all spooled readings, oldest first
func (lc *LocalCache) ListCachedReadings() ([]*CachedReading, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}

	var readings []*CachedReading
	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read cache file")
			continue
		}

		var cached CachedReading
		if err := json.Unmarshal(data, &cached); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to unmarshal cache file")
			continue
		}

		readings = append(readings, &cached)
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].CachedAt.Before(readings[j].CachedAt)
	})

	return readings, nil
}

// DeleteCached removes a spooled reading after a successful replay
func (lc *LocalCache) DeleteCached(attemptID string) error {
	// Attempt IDs are generated UUIDs; anything else could escape the dir
	if attemptID == "" || strings.ContainsAny(attemptID, `/\`) {
		return fmt.Errorf("invalid attempt ID %q", attemptID)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	filename := lc.generateFilename(attemptID)

	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}

	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}

	lc.currentSize -= info.Size()
	if lc.currentCount > 0 {
		lc.currentCount--
	}
	metrics.CachedReadings.Set(float64(lc.currentCount))

	logger.Debug().Str("attempt_id", attemptID).Msg("Deleted spooled reading")

	return nil
}

// CleanupOld removes spooled readings older than maxAge
func (lc *LocalCache) CleanupOld() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	cutoff := time.Now().Add(-lc.maxAge)
	deletedCount := 0

	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			continue
		}

		var cached CachedReading
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}

		if cached.CachedAt.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old cache file")
				continue
			}
			deletedCount++
			lc.currentSize -= int64(len(data))
			if lc.currentCount > 0 {
				lc.currentCount--
			}
		}
	}

	metrics.CachedReadings.Set(float64(lc.currentCount))

	if deletedCount > 0 {
		logger.Info().Int("count", deletedCount).Msg("Cleaned up old cache files")
	}

	return nil
}

// Count returns the number of readings currently spooled
func (lc *LocalCache) Count() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.currentCount
}

// GetCacheSize returns the current spool size in bytes
func (lc *LocalCache) GetCacheSize() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.currentSize
}

// GetMaxSize returns the maximum spool size
func (lc *LocalCache) GetMaxSize() int64 {
	return lc.maxSize
}

// updateCurrentSize recalculates spool size and count from disk
func (lc *LocalCache) updateCurrentSize() error {
	files, err := filepath.Glob(filepath.Join(lc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	var totalSize int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		totalSize += info.Size()
	}

	lc.currentSize = totalSize
	lc.currentCount = len(files)
	metrics.CachedReadings.Set(float64(lc.currentCount))
	return nil
}

// generateFilename builds the spool path for an attempt ID
func (lc *LocalCache) generateFilename(attemptID string) string {
	return filepath.Join(lc.cacheDir, cacheFilePrefix+attemptID+cacheFileExt)
}

// Notifier receives storage outage and recovery notifications.
type Notifier interface {
	SendStorageFailure(ctx context.Context, err error) error
	SendStorageRecovered(ctx context.Context, replayed int) error
	SendCacheWarning(ctx context.Context, cacheSize, maxSize int64) error
	IsEnabled() bool
}

// CachingStorage wraps the primary storage with a circuit breaker and a disk
// spool. Health probes feed the breaker; while it is open, writes go to the
// spool, and once InfluxDB recovers the spool is replayed in order.
type CachingStorage struct {
	primary  interfaces.StateStorage
	cache    *LocalCache
	breaker  *StorageBreaker
	notifier Notifier
	ctx      context.Context
	cancel   context.CancelFunc
	replayWg sync.WaitGroup

	mu          sync.RWMutex
	spooling    bool
	warningSent bool
}

// NewCachingStorage creates the caching wrapper and starts its health
// monitoring goroutine.
func NewCachingStorage(primary interfaces.StateStorage, cache *LocalCache, notifier Notifier) *CachingStorage {
	ctx, cancel := context.WithCancel(context.Background())

	cs := &CachingStorage{
		primary:  primary,
		cache:    cache,
		breaker:  NewStorageBreaker("influxdb", breakerFailureThreshold, breakerResetTimeout, breakerHalfOpenMax),
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}

	cs.replayWg.Add(1)
	go cs.monitorAndReplay()

	return cs
}

// WriteReading writes a reading to the primary storage, spooling it locally
// while the breaker reports the primary as down.
func (cs *CachingStorage) WriteReading(reading *monitoring.StateReading) error {
	// Validation failures are permanent; spooling them would poison the replay
	if err := validateReading(reading); err != nil {
		return err
	}

	err := cs.breaker.Execute(func() error {
		return cs.primary.WriteReading(reading)
	})
	if err == nil {
		return nil
	}

	// A synchronous write error and an open breaker both mean the primary
	// is not accepting data right now
	return cs.spool(reading, err)
}

// WriteBatch writes multiple readings through the spool-aware path
func (cs *CachingStorage) WriteBatch(readings []*monitoring.StateReading) error {
	if readings == nil {
		return fmt.Errorf("readings slice cannot be nil")
	}

	for i, reading := range readings {
		if err := cs.WriteReading(reading); err != nil {
			return fmt.Errorf("failed to write reading %d/%d: %w", i+1, len(readings), err)
		}
	}
	return nil
}

// Flush flushes pending writes on the primary storage
func (cs *CachingStorage) Flush() {
	cs.primary.Flush()
}

// Close stops the replay goroutine and closes the primary storage
func (cs *CachingStorage) Close() {
	logger.Info().Msg("Closing caching storage")
	cs.cancel()
	cs.replayWg.Wait()
	cs.primary.Close()
}

// Health reports the health of the primary storage
func (cs *CachingStorage) Health(ctx context.Context) error {
	return cs.primary.Health(ctx)
}

// QueryLatestReading queries the primary storage through the breaker
func (cs *CachingStorage) QueryLatestReading(ctx context.Context, deviceID string) (*monitoring.StateReading, error) {
	var reading *monitoring.StateReading
	err := cs.breaker.Execute(func() error {
		var queryErr error
		reading, queryErr = cs.primary.QueryLatestReading(ctx, deviceID)
		return queryErr
	})
	if err != nil {
		return nil, err
	}
	return reading, nil
}

// spool stores a reading locally and raises the outage alert on the first
// spooled reading of an outage.
func (cs *CachingStorage) spool(reading *monitoring.StateReading, cause error) error {
	cs.mu.Lock()
	first := !cs.spooling
	cs.spooling = true
	cs.mu.Unlock()

	if first {
		logger.Warn().Err(cause).Msg("InfluxDB unavailable, spooling readings to disk")
		cs.notifyStorageFailure(cause)
	}

	if cacheErr := cs.cache.Write(reading); cacheErr != nil {
		return fmt.Errorf("influxdb write rejected and spool failed: %w", cacheErr)
	}

	cs.checkCapacityWarning()
	return nil
}

// checkCapacityWarning alerts once per outage when the spool passes the
// warning fill level.
func (cs *CachingStorage) checkCapacityWarning() {
	cacheSize := cs.cache.GetCacheSize()
	maxSize := cs.cache.GetMaxSize()
	if float64(cacheSize) < cacheWarningRatio*float64(maxSize) {
		return
	}

	cs.mu.Lock()
	alreadySent := cs.warningSent
	cs.warningSent = true
	cs.mu.Unlock()

	if alreadySent {
		return
	}

	logger.Warn().
		Int64("cache_size", cacheSize).
		Int64("max_size", maxSize).
		Msg("Spool is nearing capacity")
	cs.notifyCacheWarning(cacheSize, maxSize)
}

// monitorAndReplay probes the primary storage on an interval. The probes
// drive the breaker state, and a healthy probe with a non-empty spool
// triggers a replay.
func (cs *CachingStorage) monitorAndReplay() {
	defer cs.replayWg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			cs.checkAndReplay()
		}
	}
}

// checkAndReplay runs one probe-and-replay cycle
func (cs *CachingStorage) checkAndReplay() {
	err := cs.breaker.Execute(func() error {
		healthCtx, healthCancel := context.WithTimeout(cs.ctx, 5*time.Second)
		defer healthCancel()
		return cs.primary.Health(healthCtx)
	})
	if err != nil {
		logger.Debug().Err(err).Msg("InfluxDB health probe failed")
		return
	}

	cs.mu.RLock()
	spooling := cs.spooling
	cs.mu.RUnlock()

	// Leftover files from a previous run are replayed even without an
	// outage in this one
	if !spooling && cs.cache.Count() == 0 {
		return
	}

	replayed, err := cs.replaySpool()
	if err != nil {
		logger.Error().Err(err).Msg("Spool replay failed")
		return
	}

	cs.mu.Lock()
	wasSpooling := cs.spooling
	cs.spooling = false
	cs.warningSent = false
	cs.mu.Unlock()

	if wasSpooling {
		cs.notifyStorageRecovered(replayed)
	}
}

// replaySpool writes all spooled readings to the primary storage, oldest
// first, deleting each file as it lands.
func (cs *CachingStorage) replaySpool() (int, error) {
	readings, err := cs.cache.ListCachedReadings()
	if err != nil {
		return 0, fmt.Errorf("failed to list spooled readings: %w", err)
	}
	if len(readings) == 0 {
		return 0, nil
	}

	logger.Info().Int("count", len(readings)).Msg("Replaying spooled readings")

	replayed := 0
	failed := 0
	for _, cached := range readings {
		// Shutdown interrupts the replay; remaining files survive for the
		// next run
		if cs.ctx.Err() != nil {
			break
		}

		if err := cs.primary.WriteReading(cached.Reading); err != nil {
			logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("Failed to replay spooled reading")
			failed++
			continue
		}

		if err := cs.cache.DeleteCached(cached.AttemptID); err != nil {
			logger.Warn().Err(err).Str("attempt_id", cached.AttemptID).Msg("Failed to delete replayed reading")
		}

		replayed++
		metrics.CacheReplaysTotal.Inc()

		if replayed%replayBatchSize == 0 {
			cs.primary.Flush()
		}
	}
	cs.primary.Flush()

	logger.Info().
		Int("replayed", replayed).
		Int("failed", failed).
		Int("total", len(readings)).
		Msg("Finished replaying spooled readings")

	return replayed, nil
}

func (cs *CachingStorage) notifyStorageFailure(cause error) {
	if cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer alertCancel()
	if err := cs.notifier.SendStorageFailure(alertCtx, cause); err != nil {
		logger.Error().Err(err).Msg("Failed to send storage failure alert")
	}
}

func (cs *CachingStorage) notifyStorageRecovered(replayed int) {
	if cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer alertCancel()
	if err := cs.notifier.SendStorageRecovered(alertCtx, replayed); err != nil {
		logger.Error().Err(err).Msg("Failed to send storage recovery alert")
	}
}

func (cs *CachingStorage) notifyCacheWarning(cacheSize, maxSize int64) {
	if cs.notifier == nil || !cs.notifier.IsEnabled() {
		return
	}
	alertCtx, alertCancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer alertCancel()
	if err := cs.notifier.SendCacheWarning(alertCtx, cacheSize, maxSize); err != nil {
		logger.Error().Err(err).Msg("Failed to send cache capacity alert")
	}
}
