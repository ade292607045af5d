// Package config loads dfingerd's configuration using koanf/v2, with a
// hand-written Parser for the legacy `KEY SP VALUE` grammar.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structure
// -------------------------------------------------------------------------

// Config holds the complete dfingerd configuration.
type Config struct {
	// Port is the update-protocol listen port (PORT).
	Port int `koanf:"port"`

	// FingerPort is the finger-protocol listen port (FINGER_PORT).
	FingerPort int `koanf:"finger_port"`

	// ServerAddr is the server to connect to in agent mode
	// (SERVER_ADDR). The aggregator does not act on this field itself;
	// it is only read, for the benefit of the agent binary, and Validate
	// does not check it.
	ServerAddr string `koanf:"server_addr"`

	// DumpFile is the snapshot path (DUMP_FILE).
	DumpFile string `koanf:"dump_file"`

	// MaxMsgSize bounds an agent's outgoing buffer (MAX_MSG_SIZE).
	MaxMsgSize int `koanf:"max_msg_size"`

	// MaxClients caps the event loop's connection table (MAX_CLIENTS).
	MaxClients int `koanf:"max_clients"`

	// TimeoutUpdateSec is the agent push period in seconds
	// (TIMEOUT_UPDATE).
	TimeoutUpdateSec int64 `koanf:"timeout_update"`

	// TimeoutDumpSec is the snapshot period in seconds (TIMEOUT_DUMP).
	TimeoutDumpSec int64 `koanf:"timeout_dump"`

	// ClientLifetimeSec is the machine idle-out period in seconds
	// (CLIENT_LIFETIME).
	ClientLifetimeSec int64 `koanf:"client_lifetime"`

	// NumRecords is the per-entity session cap (NUM_RECORDS).
	NumRecords int `koanf:"num_records"`

	// ArchiveTimeSec is the past-record retention window in seconds
	// (ARCHIVE_TIME).
	ArchiveTimeSec int64 `koanf:"archive_time"`

	// TimeoutClearSec is the purge timer's period in seconds
	// (TIMEOUT_CLEAR): how often past sessions older than archive_time,
	// and aged-out empty machines/users, are dropped.
	TimeoutClearSec int64 `koanf:"timeout_clear"`

	// TimeoutCutSec is the cut timer's period in seconds (TIMEOUT_CUT):
	// how often each machine's and user's combined session count is
	// trimmed to num_records.
	TimeoutCutSec int64 `koanf:"timeout_cut"`

	// IsClient selects agent mode (IS_CLIENT). Mutually exclusive with
	// IsServer; server wins when both are set.
	IsClient bool `koanf:"is_client"`

	// IsServer selects aggregator mode (IS_SERVER).
	IsServer bool `koanf:"is_server"`

	// MetricsAddr is the HTTP listen address for the Prometheus metrics
	// endpoint (METRICS_ADDR); empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`

	// MetricsPath is the URL path for the metrics endpoint
	// (METRICS_PATH).
	MetricsPath string `koanf:"metrics_path"`

	// LogLevel is "debug", "info", "warn", or "error" (LOG_LEVEL).
	LogLevel string `koanf:"log_level"`

	// LogFormat is "json" or "text" (LOG_FORMAT).
	LogFormat string `koanf:"log_format"`
}

// Mode reports which role this configuration selects. Server wins when
// both IS_CLIENT and IS_SERVER are set.
func (c *Config) Mode() Role {
	if c.IsServer {
		return RoleServer
	}
	if c.IsClient {
		return RoleClient
	}
	return RoleServer
}

// Role is the daemon's selected mode.
type Role int

const (
	// RoleServer runs the aggregator core described by this repository.
	RoleServer Role = iota
	// RoleClient runs as an agent, pushing login records to a server.
	RoleClient
)

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the daemon's built-in
// defaults. Both listeners default to the finger port, 79.
func DefaultConfig() *Config {
	return &Config{
		Port:              79,
		FingerPort:        79,
		DumpFile:          "dfingerd.dump",
		MaxMsgSize:        4096,
		MaxClients:        64,
		TimeoutUpdateSec:  60,
		TimeoutDumpSec:    300,
		ClientLifetimeSec: 600,
		NumRecords:        64,
		ArchiveTimeSec:    3600,
		TimeoutClearSec:   12 * 3600,
		TimeoutCutSec:     3600,
		IsServer:          true,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// Load reads configuration from the KEY VALUE file at path and merges
// it on top of DefaultConfig(); a missing file is not an error, the
// daemon simply runs with defaults. Unknown keys are ignored because
// Unmarshal only consults struct tags this Config declares.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"port":            defaults.Port,
		"finger_port":     defaults.FingerPort,
		"server_addr":     defaults.ServerAddr,
		"dump_file":       defaults.DumpFile,
		"max_msg_size":    defaults.MaxMsgSize,
		"max_clients":     defaults.MaxClients,
		"timeout_update":  defaults.TimeoutUpdateSec,
		"timeout_dump":    defaults.TimeoutDumpSec,
		"client_lifetime": defaults.ClientLifetimeSec,
		"num_records":     defaults.NumRecords,
		"archive_time":    defaults.ArchiveTimeSec,
		"timeout_clear":   defaults.TimeoutClearSec,
		"timeout_cut":     defaults.TimeoutCutSec,
		"is_client":       defaults.IsClient,
		"is_server":       defaults.IsServer,
		"metrics_addr":    defaults.MetricsAddr,
		"metrics_path":    defaults.MetricsPath,
		"log_level":       defaults.LogLevel,
		"log_format":      defaults.LogFormat,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// intKeys and boolKeys list the keys whose values must be converted
// from the parser's raw strings before they overwrite a typed default
// in koanf (koanf's Unmarshal does not weakly-type string->int/bool
// conversions by itself). Every other recognized key is a string and
// needs no conversion.
var (
	intKeys = map[string]bool{
		"port": true, "finger_port": true, "max_msg_size": true,
		"max_clients": true, "num_records": true,
	}
	int64Keys = map[string]bool{
		"timeout_update": true, "timeout_dump": true,
		"client_lifetime": true, "archive_time": true,
		"timeout_clear": true, "timeout_cut": true,
	}
	boolKeys = map[string]bool{
		"is_client": true, "is_server": true,
	}
)

// loadFile reads path through the KEY VALUE parser and overlays its
// values onto k, converting each to the type its Config field expects.
// A missing file is not an error: k keeps whatever defaults it already
// has. Malformed or absent configuration is absorbed, not fatal.
func loadFile(k *koanf.Koanf, path string) error {
	raw, err := readFile(path)
	if err != nil {
		return nil //nolint:nilerr // missing/unreadable config file keeps defaults.
	}

	parsed, err := newLineParser().Unmarshal(raw)
	if err != nil {
		return nil //nolint:nilerr // malformed config file keeps defaults.
	}

	for key, v := range parsed {
		s, ok := v.(string)
		if !ok {
			continue
		}

		switch {
		case intKeys[key]:
			n, convErr := parseInt(s)
			if convErr != nil {
				continue // skip malformed lines, keep previous value
			}
			if setErr := k.Set(key, n); setErr != nil {
				return fmt.Errorf("set %s: %w", key, setErr)
			}
		case int64Keys[key]:
			n, convErr := parseInt64(s)
			if convErr != nil {
				continue
			}
			if setErr := k.Set(key, n); setErr != nil {
				return fmt.Errorf("set %s: %w", key, setErr)
			}
		case boolKeys[key]:
			if setErr := k.Set(key, parseBool(s)); setErr != nil {
				return fmt.Errorf("set %s: %w", key, setErr)
			}
		default:
			if setErr := k.Set(key, s); setErr != nil {
				return fmt.Errorf("set %s: %w", key, setErr)
			}
		}
	}

	return nil
}

func readFile(path string) ([]byte, error) {
	return file.Provider(path).ReadBytes()
}

func parseInt(s string) (int, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "", "false", "no", "off":
		return false
	default:
		return true
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates a listen port outside the valid range.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrEmptyDumpFile indicates the dump file path is empty.
	ErrEmptyDumpFile = errors.New("dump_file must not be empty")

	// ErrInvalidNumRecords indicates a negative per-entity record cap.
	ErrInvalidNumRecords = errors.New("num_records must be >= 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port=%d", ErrInvalidPort, cfg.Port)
	}
	if cfg.FingerPort < 1 || cfg.FingerPort > 65535 {
		return fmt.Errorf("%w: finger_port=%d", ErrInvalidPort, cfg.FingerPort)
	}
	if cfg.DumpFile == "" {
		return ErrEmptyDumpFile
	}
	if cfg.NumRecords < 0 {
		return fmt.Errorf("%w: num_records=%d", ErrInvalidNumRecords, cfg.NumRecords)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
