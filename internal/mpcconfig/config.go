// Package mpcconfig is the Map Processing Core's environment surface
// (c3nav spec §6.4): precision grid constants, the log directory, the blob
// cache root, and an optional Wi-Fi SSID allowlist for the locator.
//
// The package-level Keys var plus an Init(path) loader follows
// ClusterCockpit-cc-backend's internal/config package shape directly; the
// only behavioral difference is the source of truth (environment
// variables/.env file here, a JSON config file there), since spec.md §6.4
// names environment variables, not a config file, as the core's interface.
package mpcconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c3nav/mpc/pkg/log"
	"github.com/joho/godotenv"
)

// Config holds every environment-sourced setting the core reads.
type Config struct {
	// Precision is the geometry kernel's grid-snapping unit (internal/geo),
	// in the same length unit as stored geometry (spec.md §4.1).
	Precision float64

	// LogDir is where pkg/log writes its rotated log files.
	LogDir string

	// CacheRoot is the blob cache's root directory (spec.md §6.2):
	// $CACHE_ROOT/<update_tuple_key>/...
	CacheRoot string

	// WifiSSIDAllowlist restricts the locator to these SSIDs when non-empty
	// (spec.md §6.4); empty means no restriction.
	WifiSSIDAllowlist []string

	// SweepIntervalSeconds is how often, in seconds, the scheduler's periodic sweep runs
	// (internal/scheduler.StartPeriodicSweeps).
	SweepIntervalSeconds int

	// LocatorCacheBytes bounds the locator's per-process query LRU
	// (spec.md §5's CACHE_SIZE_LOCATIONS).
	LocatorCacheBytes int
}

// Keys is the process-wide configuration, populated by Init. Mirrors the
// teacher's `config.Keys` package var.
var Keys = Config{
	Precision:            0.01,
	LogDir:               "./var/log",
	CacheRoot:            "./var/cache",
	SweepIntervalSeconds: 30,
	LocatorCacheBytes:    16 << 20,
}

// Init loads a .env file (if present — its absence is not an error, the
// same tolerant behavior the teacher's config.Init gives a missing config
// file) and then applies environment variables over the defaults in Keys.
func Init(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("mpcconfig: loading %s: %w", envFile, err)
		}
	}

	if v := os.Getenv("MPC_PRECISION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("mpcconfig: MPC_PRECISION: %w", err)
		}
		Keys.Precision = f
	}
	if v := os.Getenv("MPC_LOG_DIR"); v != "" {
		Keys.LogDir = v
	}
	if v := os.Getenv("MPC_CACHE_ROOT"); v != "" {
		Keys.CacheRoot = v
	}
	if v := os.Getenv("MPC_WIFI_SSID_ALLOWLIST"); v != "" {
		Keys.WifiSSIDAllowlist = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("MPC_SWEEP_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("mpcconfig: MPC_SWEEP_INTERVAL_SECONDS: %w", err)
		}
		Keys.SweepIntervalSeconds = n
	}
	if v := os.Getenv("MPC_LOCATOR_CACHE_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("mpcconfig: MPC_LOCATOR_CACHE_BYTES: %w", err)
		}
		Keys.LocatorCacheBytes = n
	}

	log.Infof("mpcconfig: precision=%v cache_root=%s log_dir=%s sweep_interval=%ds",
		Keys.Precision, Keys.CacheRoot, Keys.LogDir, Keys.SweepIntervalSeconds)
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SSIDAllowed reports whether ssid passes the Wi-Fi allowlist (always true
// when the allowlist is empty, i.e. unrestricted).
func SSIDAllowed(ssid string) bool {
	if len(Keys.WifiSSIDAllowlist) == 0 {
		return true
	}
	for _, allowed := range Keys.WifiSSIDAllowlist {
		if allowed == ssid {
			return true
		}
	}
	return false
}
