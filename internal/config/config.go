package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configurable sessionwatch settings.
type Config struct {
	ServerURL     string `json:"server_url"`
	LogDir        string `json:"log_dir"`
	DefaultFormat string `json:"default_format"` // "json" | "yaml" | "markdown"
	Timeout       string `json:"timeout"`        // Go duration, "" or "0" for none
	LogLevel      string `json:"log_level"`      // "debug" | "info" | "warn" | "error"
	OTELEndpoint  string `json:"otel_endpoint"`  // host:port of an OTLP/HTTP collector
	OTELInsecure  bool   `json:"otel_insecure"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		ServerURL:     "http://127.0.0.1:4096",
		LogDir:        ".",
		DefaultFormat: "json",
		LogLevel:      "info",
	}
}

// Load reads .env, the global and project config files, and the environment,
// in increasing order of precedence.
func Load() (Config, error) {
	_ = godotenv.Load()

	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject()
	if err != nil {
		return Config{}, err
	}
	cfg := ApplyEnv(Merge(global, project), os.LookupEnv)
	if _, err := cfg.TimeoutDuration(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadGlobal reads ~/.config/sessionwatch/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "sessionwatch", "config.json")
	return loadFile(path, true)
}

// LoadProject reads .sessionwatchconfig in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(".sessionwatchconfig", false)
}

// loadFile reads and parses a JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, layer := range []*Config{global, project} {
		if layer == nil {
			continue
		}
		overlay(&result.ServerURL, layer.ServerURL)
		overlay(&result.LogDir, layer.LogDir)
		overlay(&result.DefaultFormat, layer.DefaultFormat)
		overlay(&result.Timeout, layer.Timeout)
		overlay(&result.LogLevel, layer.LogLevel)
		overlay(&result.OTELEndpoint, layer.OTELEndpoint)
		if layer.OTELInsecure {
			result.OTELInsecure = true
		}
	}
	return result
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Environment variables read by ApplyEnv.
const (
	EnvServerURL      = "SESSIONWATCH_SERVER_URL"
	EnvOpencodeServer = "OPENCODE_SERVER_URL"
	EnvLogDir         = "SESSIONWATCH_LOG_DIR"
	EnvFormat         = "SESSIONWATCH_FORMAT"
	EnvTimeout        = "SESSIONWATCH_TIMEOUT"
	EnvLogLevel       = "SESSIONWATCH_LOG_LEVEL"
	EnvOTELEndpoint   = "SESSIONWATCH_OTEL_ENDPOINT"
	EnvOTELInsecure   = "SESSIONWATCH_OTEL_INSECURE"
)

// ApplyEnv overlays non-empty environment values on cfg. The opencode
// server variable is honoured when the sessionwatch one is unset.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) Config {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvOpencodeServer, &cfg.ServerURL)
	str(EnvServerURL, &cfg.ServerURL)
	str(EnvLogDir, &cfg.LogDir)
	str(EnvFormat, &cfg.DefaultFormat)
	str(EnvTimeout, &cfg.Timeout)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvOTELEndpoint, &cfg.OTELEndpoint)
	if v, ok := lookup(EnvOTELInsecure); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OTELInsecure = b
		}
	}
	return cfg
}

// TimeoutDuration parses Timeout. Zero means no timeout.
func (c Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" || c.Timeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
