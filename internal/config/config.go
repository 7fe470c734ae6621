// Package config loads and validates the object store engine's configuration
// from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the engine and its HTTP edge need at startup.
type Config struct {
	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DrainTimeout time.Duration // how long /readyz stays false before Shutdown forces close

	// Storage layout.
	DataDir string

	// Segment rotation.
	SegmentTargetBytes  int64
	SegmentMaxObjects   int

	// Checkpointing.
	CheckpointInterval time.Duration

	// GC / compaction.
	GcInterval           time.Duration
	GcDeadRatioThreshold float64 // global GC trigger: run once this fraction of sealed-segment bytes is dead
	GcMinSegmentAge      time.Duration
	GcMaxSegmentsPerRun  int

	// CAS bootstrap strictness. "strict" is the only supported mode; kept
	// as a string knob so an operator can see it named in the environment.
	// No value of it selects casindex's permissive materialization.
	CasBootstrapMode string

	LogLevel string

	MaxObjectBytes int64
}

// Load reads configuration from environment variables with sensible
// defaults. Only malformed values are rejected; missing ones fall back.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		DataDir:          envStr("OBJSTORE_DATA_DIR", "./data"),
		CasBootstrapMode: envStr("OBJSTORE_CAS_BOOTSTRAP_MODE", "strict"),
		LogLevel:         envStr("OBJSTORE_LOG_LEVEL", "info"),
	}

	cfg.Port, errs = collectInt(errs, "OBJSTORE_PORT", 8088)
	cfg.GcMaxSegmentsPerRun, errs = collectInt(errs, "OBJSTORE_GC_MAX_SEGMENTS_PER_RUN", 16)

	var segBytes, maxObj int
	segBytes, errs = collectInt(errs, "OBJSTORE_SEGMENT_TARGET_BYTES", 64<<20)
	cfg.SegmentTargetBytes = int64(segBytes)
	cfg.SegmentMaxObjects, errs = collectInt(errs, "OBJSTORE_SEGMENT_MAX_OBJECTS", 50_000)

	maxObj, errs = collectInt(errs, "OBJSTORE_MAX_OBJECT_BYTES", 32<<20)
	cfg.MaxObjectBytes = int64(maxObj)

	cfg.GcDeadRatioThreshold, errs = collectFloat(errs, "OBJSTORE_GC_DEAD_RATIO_THRESHOLD", 0.3)

	cfg.ReadTimeout, errs = collectDuration(errs, "OBJSTORE_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "OBJSTORE_WRITE_TIMEOUT", 30*time.Second)
	cfg.DrainTimeout, errs = collectDuration(errs, "OBJSTORE_DRAIN_TIMEOUT", 30*time.Second)
	cfg.CheckpointInterval, errs = collectDuration(errs, "OBJSTORE_CHECKPOINT_INTERVAL", 300*time.Second)
	cfg.GcInterval, errs = collectDuration(errs, "OBJSTORE_GC_INTERVAL", 5*time.Minute)
	cfg.GcMinSegmentAge, errs = collectDuration(errs, "OBJSTORE_GC_MIN_SEGMENT_AGE", 1*time.Minute)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectFloat parses a float64 env var, appending any error to the accumulator.
func collectFloat(errs []error, key string, fallback float64) (float64, []error) {
	v, err := envFloat(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that configuration is internally sane.
func (c Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("config: OBJSTORE_DATA_DIR is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: OBJSTORE_PORT must be between 1 and 65535"))
	}
	if c.SegmentTargetBytes <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_SEGMENT_TARGET_BYTES must be positive"))
	}
	if c.SegmentMaxObjects <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_SEGMENT_MAX_OBJECTS must be positive"))
	}
	if c.MaxObjectBytes <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_MAX_OBJECT_BYTES must be positive"))
	}
	if c.GcDeadRatioThreshold <= 0 || c.GcDeadRatioThreshold > 1 {
		errs = append(errs, errors.New("config: OBJSTORE_GC_DEAD_RATIO_THRESHOLD must be in (0, 1]"))
	}
	if c.GcMaxSegmentsPerRun <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_GC_MAX_SEGMENTS_PER_RUN must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_WRITE_TIMEOUT must be positive"))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_CHECKPOINT_INTERVAL must be positive"))
	}
	if c.GcInterval <= 0 {
		errs = append(errs, errors.New("config: OBJSTORE_GC_INTERVAL must be positive"))
	}
	if c.CasBootstrapMode != "strict" {
		errs = append(errs, fmt.Errorf("config: OBJSTORE_CAS_BOOTSTRAP_MODE %q is not supported (only \"strict\")", c.CasBootstrapMode))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid float", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
