// Package config provides application configuration management.
// Global knobs are loaded from TRAWLER_* environment variables at
// startup; per-invocation options come from CLI flags instead.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions    = 50
	maxInstanceLimit  = 50
	maxCacheSizeMB    = 4096
	maxPageTimeout    = 10 * time.Minute
	maxSessionTimeout = time.Hour
)

// Config holds all process-wide configuration.
type Config struct {
	// External store. An empty endpoint selects the local sqlite store.
	StoreEndpoint string
	StoreAPIKey   string
	StoreTimeout  time.Duration

	// Local data directory, used by the sqlite store.
	DataDir string
	// SitesFile is the YAML site list the sqlite store serves configs from.
	SitesFile string

	// Proxy pool.
	ProxyPoolPath string
	GeoIPDBPath   string

	// Browser.
	Headless         bool
	BrowserPath      string
	RemoteBrowserURL string
	IgnoreCertErrors bool
	UserAgent        string

	// Session fleet.
	MaxSessions        int
	PaginateTimeout    time.Duration // per page load during pagination
	ScrapeTimeout      time.Duration // per item page load
	SessionTimeout     time.Duration // hint forwarded to the remote provider
	BlockPrivateHosts  bool
	ExtractorDir       string
	ExtractorHotReload bool

	// Observability.
	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from TRAWLER_* environment variables, with
// sensible defaults for everything.
func Load() *Config {
	return &Config{
		StoreEndpoint: getEnvString("TRAWLER_STORE_ENDPOINT", ""),
		StoreAPIKey:   getEnvString("TRAWLER_STORE_API_KEY", ""),
		StoreTimeout:  getEnvDuration("TRAWLER_STORE_TIMEOUT", 30*time.Second),

		DataDir:   getEnvString("TRAWLER_DATA_DIR", "./data"),
		SitesFile: getEnvString("TRAWLER_SITES_FILE", ""),

		ProxyPoolPath: getEnvString("TRAWLER_PROXY_POOL", ""),
		GeoIPDBPath:   getEnvString("TRAWLER_GEOIP_DB", ""),

		Headless:         getEnvBool("TRAWLER_HEADLESS", true),
		BrowserPath:      getEnvString("TRAWLER_BROWSER_PATH", ""),
		RemoteBrowserURL: getEnvString("TRAWLER_REMOTE_BROWSER_URL", ""),
		IgnoreCertErrors: getEnvBool("TRAWLER_IGNORE_CERT_ERRORS", false),
		UserAgent:        getEnvString("TRAWLER_USER_AGENT", ""),

		MaxSessions:        getEnvInt("TRAWLER_MAX_SESSIONS", 5),
		PaginateTimeout:    getEnvDuration("TRAWLER_PAGINATE_TIMEOUT", 15*time.Second),
		ScrapeTimeout:      getEnvDuration("TRAWLER_SCRAPE_TIMEOUT", 30*time.Second),
		SessionTimeout:     getEnvDuration("TRAWLER_SESSION_TIMEOUT", 5*time.Minute),
		BlockPrivateHosts:  getEnvBool("TRAWLER_BLOCK_PRIVATE_HOSTS", true),
		ExtractorDir:       getEnvString("TRAWLER_EXTRACTOR_DIR", ""),
		ExtractorHotReload: getEnvBool("TRAWLER_EXTRACTOR_HOT_RELOAD", false),

		MetricsAddr: getEnvString("TRAWLER_METRICS_ADDR", "127.0.0.1:9090"),
		LogLevel:    getEnvString("TRAWLER_LOG_LEVEL", "info"),
	}
}

// UsesLocalStore reports whether the process should run against the
// embedded sqlite store instead of a remote ETL API.
func (c *Config) UsesLocalStore() bool {
	return c.StoreEndpoint == ""
}

// Validate checks configuration values and logs warnings for invalid
// ones. Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 5")
		c.MaxSessions = 5
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	if c.PaginateTimeout < time.Second {
		log.Warn().Dur("timeout", c.PaginateTimeout).Msg("Paginate timeout too short, using 15s")
		c.PaginateTimeout = 15 * time.Second
	} else if c.PaginateTimeout > maxPageTimeout {
		log.Warn().
			Dur("timeout", c.PaginateTimeout).
			Dur("max", maxPageTimeout).
			Msg("Paginate timeout too long, capping to maximum")
		c.PaginateTimeout = maxPageTimeout
	}

	if c.ScrapeTimeout < time.Second {
		log.Warn().Dur("timeout", c.ScrapeTimeout).Msg("Scrape timeout too short, using 30s")
		c.ScrapeTimeout = 30 * time.Second
	} else if c.ScrapeTimeout > maxPageTimeout {
		log.Warn().
			Dur("timeout", c.ScrapeTimeout).
			Dur("max", maxPageTimeout).
			Msg("Scrape timeout too long, capping to maximum")
		c.ScrapeTimeout = maxPageTimeout
	}

	if c.SessionTimeout > maxSessionTimeout {
		log.Warn().
			Dur("timeout", c.SessionTimeout).
			Dur("max", maxSessionTimeout).
			Msg("Session timeout too long, capping to maximum")
		c.SessionTimeout = maxSessionTimeout
	}

	if c.StoreTimeout < time.Second {
		log.Warn().Dur("timeout", c.StoreTimeout).Msg("Store timeout too short, using 30s")
		c.StoreTimeout = 30 * time.Second
	}

	// Path traversal in configured paths points at a tampered environment.
	for _, p := range []struct {
		name  string
		value *string
	}{
		{"TRAWLER_BROWSER_PATH", &c.BrowserPath},
		{"TRAWLER_PROXY_POOL", &c.ProxyPoolPath},
		{"TRAWLER_GEOIP_DB", &c.GeoIPDBPath},
		{"TRAWLER_EXTRACTOR_DIR", &c.ExtractorDir},
	} {
		if strings.Contains(*p.value, "..") {
			log.Error().
				Str("var", p.name).
				Str("path", *p.value).
				Msg("Path contains traversal sequence (..), ignoring")
			*p.value = ""
		}
	}

	if c.StoreEndpoint != "" && !strings.Contains(c.StoreEndpoint, "://") {
		log.Error().
			Str("endpoint", c.StoreEndpoint).
			Msg("Store endpoint missing scheme, falling back to local store")
		c.StoreEndpoint = ""
	}
	if c.StoreEndpoint != "" && c.StoreAPIKey == "" {
		log.Warn().Msg("TRAWLER_STORE_ENDPOINT set without TRAWLER_STORE_API_KEY - requests may be rejected")
	}

	if c.ExtractorHotReload && c.ExtractorDir == "" {
		log.Warn().Msg("TRAWLER_EXTRACTOR_HOT_RELOAD enabled but TRAWLER_EXTRACTOR_DIR not set - hot-reload disabled")
		c.ExtractorHotReload = false
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
