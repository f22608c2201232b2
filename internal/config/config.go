// Package config loads tracewait configuration from file and environment.
//
// Precedence (highest to lowest):
//  1. Environment variables (TRACEWAIT_*)
//  2. Config file
//  3. Built-in defaults
//
// Config file search order:
//  1. .tracewait.yaml in current directory
//  2. ~/.config/tracewait/config.yaml
//
// A config file doubles as a Transport configuration (spec §6): it names
// one of the four transport kinds (process, serial, rtt, websocket) plus,
// for device sessions, an Event Map of tag -> pattern entries consumed by
// `tracewait session wait-event`.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds tracewait's ambient configuration: CLI defaults, telemetry
// export settings, and (for session commands) the Transport configuration
// and Event Map loaded from a config file.
type Config struct {
	// DefaultTimeoutMS is the process-runner's default --timeout-ms.
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`
	// GraceMS is how long the Process Controller waits after a graceful
	// termination signal before escalating to a forced kill.
	GraceMS int64 `yaml:"grace_ms"`

	// Transport names the Transport Adapter a session should open.
	Transport TransportConfig `yaml:"transport"`

	// Events is the initial Event Map: tag -> regex pattern source.
	Events map[string]string `yaml:"events"`

	// OTEL export settings.
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELHeaders  string `yaml:"otel_headers"` // comma-separated key=value pairs

	// ConfigFile is the path to the config file that was loaded (empty if none).
	ConfigFile string `yaml:"-"`
}

// TransportKind names one of the four Transport configurations in spec §6.
type TransportKind string

const (
	TransportProcess   TransportKind = "process"
	TransportSerial    TransportKind = "serial"
	TransportRTT       TransportKind = "rtt"
	TransportWebSocket TransportKind = "websocket"
)

// TransportConfig is a tagged-by-Kind union of the four Transport
// configurations named in spec §6. Only the field matching Kind is read.
type TransportConfig struct {
	Kind      TransportKind    `yaml:"kind"`
	Process   *ProcessConfig   `yaml:"process,omitempty"`
	Serial    *SerialConfig    `yaml:"serial,omitempty"`
	RTT       *RTTConfig       `yaml:"rtt,omitempty"`
	WebSocket *WebSocketConfig `yaml:"websocket,omitempty"`
}

// ProcessConfig is the Process transport: {argv, cwd?, env?}.
type ProcessConfig struct {
	Argv []string          `yaml:"argv"`
	Cwd  string            `yaml:"cwd,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// SerialConfig is the Serial transport:
// {path, baud_rate, parity=N, stop=1, data=8, line_terminator="\n"}.
type SerialConfig struct {
	Path           string `yaml:"path"`
	BaudRate       int    `yaml:"baud_rate"`
	Parity         string `yaml:"parity"`
	Stop           int    `yaml:"stop"`
	Data           int    `yaml:"data"`
	LineTerminator string `yaml:"line_terminator"`
}

// RTTConfig is the JTAG/RTT transport: {target, speed_khz, rtt_channel=0}.
type RTTConfig struct {
	Target     string `yaml:"target"`
	SpeedKHz   int    `yaml:"speed_khz"`
	RTTChannel int    `yaml:"rtt_channel"`
}

// WebSocketConfig is the WebSocket transport: {url, subprotocols?, headers?}.
type WebSocketConfig struct {
	URL          string            `yaml:"url"`
	Subprotocols []string          `yaml:"subprotocols,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() *Config {
	return &Config{
		DefaultTimeoutMS: 10000,
		GraceMS:          250,
		Transport: TransportConfig{
			Serial: &SerialConfig{
				Parity:         "N",
				Stop:           1,
				Data:           8,
				LineTerminator: "\n",
			},
		},
	}
}

// Load reads configuration from file and environment variables.
// Environment variables always override file values.
func Load() (*Config, error) {
	cfg := Defaults()

	if path, data, err := findConfigFile(); err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
		mergeFile(cfg, &fileCfg)
	}

	mergeEnv(cfg)
	applySerialDefaults(&cfg.Transport)

	return cfg, nil
}

// LoadFile parses a transport/event-map config file directly, without
// falling back to the current-directory search order Load uses. Used by
// the `session` subcommands, which take an explicit config file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg := Defaults()
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	mergeFile(cfg, &fileCfg)
	mergeEnv(cfg)
	applySerialDefaults(&cfg.Transport)
	return cfg, nil
}

// findConfigFile searches for a config file and returns its path and contents.
func findConfigFile() (string, []byte, error) {
	// 1. Current directory
	if data, err := os.ReadFile(".tracewait.yaml"); err == nil {
		return ".tracewait.yaml", data, nil
	}

	// 2. XDG config dir / ~/.config
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "tracewait", "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("no config file found")
}

// mergeFile applies non-zero file values onto cfg.
func mergeFile(cfg *Config, file *Config) {
	if file.DefaultTimeoutMS > 0 {
		cfg.DefaultTimeoutMS = file.DefaultTimeoutMS
	}
	if file.GraceMS > 0 {
		cfg.GraceMS = file.GraceMS
	}
	if file.Transport.Kind != "" {
		cfg.Transport.Kind = file.Transport.Kind
	}
	if file.Transport.Process != nil {
		cfg.Transport.Process = file.Transport.Process
	}
	if file.Transport.Serial != nil {
		cfg.Transport.Serial = file.Transport.Serial
	}
	if file.Transport.RTT != nil {
		cfg.Transport.RTT = file.Transport.RTT
	}
	if file.Transport.WebSocket != nil {
		cfg.Transport.WebSocket = file.Transport.WebSocket
	}
	if len(file.Events) > 0 {
		cfg.Events = file.Events
	}
	if file.OTELEndpoint != "" {
		cfg.OTELEndpoint = file.OTELEndpoint
	}
	if file.OTELHeaders != "" {
		cfg.OTELHeaders = file.OTELHeaders
	}
}

// mergeEnv applies environment variables onto cfg. Env always wins.
func mergeEnv(cfg *Config) {
	if v := os.Getenv("TRACEWAIT_DEFAULT_TIMEOUT_MS"); v != "" {
		if ms, err := parseInt64(v); err == nil {
			cfg.DefaultTimeoutMS = ms
		}
	}
	if v := os.Getenv("TRACEWAIT_GRACE_MS"); v != "" {
		if ms, err := parseInt64(v); err == nil {
			cfg.GraceMS = ms
		}
	}
	if v := os.Getenv("TRACEWAIT_OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		cfg.OTELHeaders = v
	}
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// applySerialDefaults fills in the Serial transport's documented defaults
// (parity=N, stop=1, data=8, line_terminator="\n") for any field a config
// file left zero-valued.
func applySerialDefaults(t *TransportConfig) {
	if t.Serial == nil {
		return
	}
	if t.Serial.Parity == "" {
		t.Serial.Parity = "N"
	}
	if t.Serial.Stop == 0 {
		t.Serial.Stop = 1
	}
	if t.Serial.Data == 0 {
		t.Serial.Data = 8
	}
	if t.Serial.LineTerminator == "" {
		t.Serial.LineTerminator = "\n"
	}
}

// ResolveDevicePath expands environment variables and a leading "~", then
// resolves the result to an absolute path and checks it exists. Returns the
// resolved path, or an error if the device is not present on this machine.
//
// Grounded on original_source/device_comms/device_comms_base.py's
// does_device_exist: a sanity check that a serial device file is plugged in
// before a Transport Adapter attempts to open it, so a missing device fails
// fast as a configuration error rather than a confusing transport error.
func ResolveDevicePath(path string) (string, error) {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving ~ in device path: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving device path %q: %w", path, err)
	}

	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("device %q not found: %w", path, err)
	}

	return abs, nil
}

// MatchesExcludeList reports whether name matches any of patterns. A
// pattern ending in "*" matches by prefix; any other pattern matches
// exactly. Used by `session monitor --exclude` to drop TraceRecords whose
// Source name (stdout, stderr, device, rtt, ws) matches an excluded
// pattern.
func MatchesExcludeList(name string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}

// IsAzureEndpoint reports whether an OTLP endpoint is fronted by Azure API
// Management. otelx.Init uses this to inject the "api-key" header Azure
// APIM requires in place of bearer auth, the same header-injection
// handling the teacher's config package applied to its LLM provider
// endpoints.
func IsAzureEndpoint(url string) bool {
	return strings.Contains(url, ".azure.com") || strings.Contains(url, ".azure.us")
}
