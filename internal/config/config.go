// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/listenupapp/fswatch/internal/validation"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FSWATCH_"

// watchmanSockEnv is read without the prefix so the daemon's own variable works.
const watchmanSockEnv = "WATCHMAN_SOCK"

// Config holds the application configuration.
type Config struct {
	App     AppConfig
	Logger  LoggerConfig
	Watch   WatchConfig
	Catalog CatalogConfig
	Server  ServerConfig

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `json:"env" validate:"oneof=development staging production"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level  string `json:"log_level" validate:"oneof=debug info warn error"`
	Format string `json:"log_format" validate:"omitempty,oneof=json pretty"`
}

// WatchConfig holds the defaults applied to every subscription and snapshot.
type WatchConfig struct {
	Backend        string        `json:"backend" validate:"backend"`
	Ignore         []string      `json:"ignore" validate:"dive,abspath"`
	IgnoreGlobs    []string      `json:"ignore_glob" validate:"dive,required"`
	Quantum        time.Duration `json:"quantum" validate:"gt=0"`
	WatchmanSocket string        `json:"watchman_sock"`
}

// CatalogConfig holds snapshot catalog storage configuration.
type CatalogConfig struct {
	Path string `json:"catalog_path" validate:"required,abspath"`
	// Name selects a catalog snapshot by name for the snapshot and since commands.
	Name string `json:"name" validate:"max=128"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `json:"addr" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `json:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `json:"write_timeout" validate:"gte=0"` // 0 keeps SSE streams open
	IdleTimeout  time.Duration `json:"idle_timeout" validate:"gte=0"`
	CORSOrigins  []string      `json:"cors_origins"`
	// RateLimit is the sustained snapshot requests per second per client.
	RateLimit float64 `json:"rate_limit" validate:"gt=0"`
	RateBurst int     `json:"rate_burst" validate:"gte=1"`
}

// stringList is a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Load loads configuration for the named command from multiple sources with
// precedence:
// 1. Command-line flags in args (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func Load(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, pretty; default: detect)")

	backend := fs.String("backend", "", "Backend to use (default: best available)")
	var ignore, ignoreGlobs stringList
	fs.Var(&ignore, "ignore", "Directory to ignore (repeatable)")
	fs.Var(&ignoreGlobs, "ignore-glob", "Glob of paths to ignore (repeatable)")
	quantum := fs.String("quantum", "", "Debounce quantum (default: 50ms)")
	watchmanSock := fs.String("watchman-sock", "", "Watchman socket path (default: ask watchman)")

	catalogPath := fs.String("catalog-path", "", "Path of the snapshot catalog")
	snapshotName := fs.String("name", "", "Catalog snapshot name (snapshot, since)")

	addr := fs.String("addr", "", "Server listen address (default: :8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: 0, none)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")
	corsOrigins := fs.String("cors-origins", "", "Comma separated allowed CORS origins (default: *)")
	rateLimit := fs.String("rate-limit", "", "Snapshot requests per second per client (default: 2)")
	rateBurst := fs.String("rate-burst", "", "Snapshot request burst per client (default: 5)")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level:  strings.ToLower(getConfigValue(*logLevel, "LOG_LEVEL", "info")),
			Format: getConfigValue(*logFormat, "LOG_FORMAT", ""),
		},
		Watch: WatchConfig{
			Backend:        getConfigValue(*backend, "BACKEND", "default"),
			Ignore:         getListConfigValue(ignore, "IGNORE"),
			IgnoreGlobs:    getListConfigValue(ignoreGlobs, "IGNORE_GLOB"),
			WatchmanSocket: *watchmanSock,
		},
		Catalog: CatalogConfig{
			Path: getConfigValue(*catalogPath, "CATALOG_PATH", ""),
			Name: *snapshotName,
		},
		Server: ServerConfig{
			Addr:        getConfigValue(*addr, "ADDR", ":8080"),
			CORSOrigins: splitList(getConfigValue(*corsOrigins, "CORS_ORIGINS", "*")),
		},
		Args: fs.Args(),
	}
	if cfg.Watch.WatchmanSocket == "" {
		cfg.Watch.WatchmanSocket = os.Getenv(watchmanSockEnv)
	}

	var err error
	if cfg.Watch.Quantum, err = getDurationConfigValue(*quantum, "QUANTUM", "50ms"); err != nil {
		return nil, err
	}
	if cfg.Server.ReadTimeout, err = getDurationConfigValue(*readTimeout, "READ_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.WriteTimeout, err = getDurationConfigValue(*writeTimeout, "WRITE_TIMEOUT", "0s"); err != nil {
		return nil, err
	}
	if cfg.Server.IdleTimeout, err = getDurationConfigValue(*idleTimeout, "IDLE_TIMEOUT", "60s"); err != nil {
		return nil, err
	}

	rateStr := getConfigValue(*rateLimit, "RATE_LIMIT", "2")
	if cfg.Server.RateLimit, err = strconv.ParseFloat(rateStr, 64); err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", rateStr, err)
	}
	if cfg.Server.RateBurst, err = getIntConfigValue(*rateBurst, "RATE_BURST", 5); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all config values are present and valid.
func (c *Config) Validate() error {
	return validation.New().Validate(c)
}

// expandPaths makes the catalog and ignore paths absolute.
func (c *Config) expandPaths() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	c.Catalog.Path, err = expandPath(c.Catalog.Path, filepath.Join(homeDir, ".fswatch", "catalog"))
	if err != nil {
		return fmt.Errorf("invalid catalog path: %w", err)
	}

	for i, p := range c.Watch.Ignore {
		if c.Watch.Ignore[i], err = expandPath(p, ""); err != nil {
			return fmt.Errorf("invalid ignore path %q: %w", p, err)
		}
	}
	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
// envKey is given without EnvPrefix.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(EnvPrefix + envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) (int, error) {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", strings.ToLower(envKey), strValue, err)
	}
	return v, nil
}

// getDurationConfigValue returns a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	strValue := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", strings.ToLower(envKey), strValue, err)
	}
	return d, nil
}

// getListConfigValue returns repeated flag values, or the comma separated
// env var when no flag was given.
func getListConfigValue(flagValues []string, envKey string) []string {
	if len(flagValues) > 0 {
		return flagValues
	}
	return splitList(os.Getenv(EnvPrefix + envKey))
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Env vars take precedence over the .env file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
