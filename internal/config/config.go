// Package config holds the viper configuration singleton for the crawler.
// Precedence, highest first: command-line flags (bound by the CLI), then
// FSCRAWL_* environment variables, then the config file, then defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/redblackgraph/fscrawl/internal/ratelimit"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Call once at startup.
//
// The config file is located by walking up from the working directory
// looking for .fscrawl/config.yaml, then falling back to
// ~/.config/fscrawl/config.yaml. Absence of a config file is not an
// error; defaults and environment variables apply.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".fscrawl", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "fscrawl", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// FSCRAWL_MAX_HOPCOUNT maps to "max-hopcount", and so on.
	v.SetEnvPrefix("FSCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("out-dir", ".")
	v.SetDefault("basename", "crawl")
	v.SetDefault("seeds", []string{})
	v.SetDefault("max-hopcount", 4)
	v.SetDefault("drain-limit", 0)
	v.SetDefault("persons-per-request", 200)
	v.SetDefault("checkpoint-payloads", 8)
	v.SetDefault("inter-batch-delay", "0s")
	v.SetDefault("checkpoint-interval", "60s")
	v.SetDefault("shutdown-grace", "30s")
	v.SetDefault("resolver-precedence", []string{})
	v.SetDefault("pause-file", "")
	v.SetDefault("metrics-file", "")

	v.SetDefault("api.base-url", "https://familysearch.org")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("throttle.requests-per-second", 2.0)
	v.SetDefault("throttle.burst", 2)
	v.SetDefault("throttle.max-concurrent-persons", 20)
	v.SetDefault("throttle.max-concurrent-relationships", 10)
	v.SetDefault("throttle.max-retries", 5)
	v.SetDefault("throttle.backoff-base", "1s")
	v.SetDefault("throttle.backoff-multiplier", 2.0)
	v.SetDefault("throttle.backoff-max", "2m")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.level", "info")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

func GetString(key string) string          { return ensure().GetString(key) }
func GetStringSlice(key string) []string   { return ensure().GetStringSlice(key) }
func GetInt(key string) int                { return ensure().GetInt(key) }
func GetFloat64(key string) float64        { return ensure().GetFloat64(key) }
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }
func Set(key string, value any)            { ensure().Set(key, value) }

// Throttle assembles the rate-controller profile from configuration.
func Throttle() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond:          GetFloat64("throttle.requests-per-second"),
		Burst:                      GetInt("throttle.burst"),
		MaxConcurrentPersons:       GetInt("throttle.max-concurrent-persons"),
		MaxConcurrentRelationships: GetInt("throttle.max-concurrent-relationships"),
		MaxRetries:                 GetInt("throttle.max-retries"),
		BackoffBase:                GetDuration("throttle.backoff-base"),
		BackoffMultiplier:          GetFloat64("throttle.backoff-multiplier"),
		BackoffMax:                 GetDuration("throttle.backoff-max"),
	}
}

// DatabasePath is <out-dir>/<basename>.db.
func DatabasePath() string {
	return filepath.Join(GetString("out-dir"), GetString("basename")+".db")
}

// SaveSettings writes the effective configuration next to the database
// (<out-dir>/<basename>.settings) so a run's parameters are on record.
func SaveSettings() error {
	settings := ensure().AllSettings()
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(GetString("out-dir"), GetString("basename")+".settings")
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
