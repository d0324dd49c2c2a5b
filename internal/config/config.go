// Package config manages coapstackd/coapstackctl configuration using
// koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete coapstackd configuration.
type Config struct {
	StatusAPI StatusAPIConfig `koanf:"status_api"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Link      LinkConfig      `koanf:"link"`
	Sessions  []SessionConfig `koanf:"sessions"`
}

// StatusAPIConfig holds the HTTP status/introspection endpoint
// configuration.
type StatusAPIConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File rotates logs to disk via lumberjack when non-empty; empty
	// means stdout only.
	File string `koanf:"file"`
}

// LinkConfig selects and configures the L1 driver sitting below
// internal/netstack's MAC layer.
type LinkConfig struct {
	// Driver names the link implementation: "loopback", "tap",
	// "rawsocket", or "serial".
	Driver string `koanf:"driver"`
	// Device is the driver-specific handle: a TAP/rawsocket interface
	// name, or a serial device path. Unused by "loopback".
	Device string `koanf:"device"`
}

// SessionConfig describes one declarative CoAP exchange target. Each
// entry builds one full stack instance (MAC -> IPv6 -> UDP -> CoAP) on
// daemon startup and SIGHUP reload.
type SessionConfig struct {
	// Name identifies the session in logs and the status API.
	Name string `koanf:"name"`

	// LocalMAC and PeerMAC are colon-separated Ethernet addresses
	// (e.g. "02:00:00:00:00:01").
	LocalMAC string `koanf:"local_mac"`
	PeerMAC  string `koanf:"peer_mac"`

	// LocalAddr and PeerAddr are IPv6 literals.
	LocalAddr string `koanf:"local_addr"`
	PeerAddr  string `koanf:"peer_addr"`

	// LocalPort and PeerPort are the UDP port pair, fixed for the
	// lifetime of a session; there is no dynamic source-port selection.
	LocalPort uint16 `koanf:"local_port"`
	PeerPort  uint16 `koanf:"peer_port"`

	// Confirmable selects a Confirmable (true) or Non-confirmable
	// (false) request.
	Confirmable bool `koanf:"confirmable"`

	// RequestCode is the CoAP method: "GET", "POST", "PUT", or "DELETE".
	RequestCode string `koanf:"request_code"`

	// URIPath is a slash-separated Uri-Path, e.g. "sensors/temp".
	URIPath string `koanf:"uri_path"`
	// URIQuery is an ampersand-separated Uri-Query, e.g. "fmt=json&n=1".
	URIQuery string `koanf:"uri_query"`

	// Token is the exchange token as a hex string (e.g. "bc"), up to 8
	// bytes. Empty means no token (TKL 0).
	Token string `koanf:"token"`

	// ContentFormat is the CoAP Content-Format option value (RFC 7252
	// §12.3). Zero means the option is absent.
	ContentFormat uint16 `koanf:"content_format"`

	// RetryLimit bounds the EAGAIN retry loop for this session. Zero
	// means the default of 5 attempts.
	RetryLimit uint32 `koanf:"retry_limit"`

	// PollInterval is the delay between successive exchanges coapstackd
	// runs for this session. Zero means the daemon's own default.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// SessionKey returns a unique identifier for the session based on
// (local_addr, peer_addr, local_port, peer_port). Used for diffing
// sessions on SIGHUP reload.
func (sc SessionConfig) SessionKey() string {
	return fmt.Sprintf("%s:%d|%s:%d", sc.LocalAddr, sc.LocalPort, sc.PeerAddr, sc.PeerPort)
}

// LocalIPv6 parses LocalAddr as a 16-byte IPv6 address.
func (sc SessionConfig) LocalIPv6() ([16]byte, error) {
	return parseIPv6(sc.LocalAddr)
}

// PeerIPv6 parses PeerAddr as a 16-byte IPv6 address.
func (sc SessionConfig) PeerIPv6() ([16]byte, error) {
	return parseIPv6(sc.PeerAddr)
}

// LocalHWAddr parses LocalMAC as a 6-byte Ethernet address.
func (sc SessionConfig) LocalHWAddr() ([6]byte, error) {
	return parseMAC(sc.LocalMAC)
}

// PeerHWAddr parses PeerMAC as a 6-byte Ethernet address.
func (sc SessionConfig) PeerHWAddr() ([6]byte, error) {
	return parseMAC(sc.PeerMAC)
}

// URIPathSegments splits URIPath on "/", dropping empty segments.
func (sc SessionConfig) URIPathSegments() []string {
	return splitNonEmpty(sc.URIPath, "/")
}

// URIQuerySegments splits URIQuery on "&", dropping empty segments.
func (sc SessionConfig) URIQuerySegments() []string {
	return splitNonEmpty(sc.URIQuery, "&")
}

// TokenBytes decodes Token as hex. Empty Token yields a nil slice.
func (sc SessionConfig) TokenBytes() ([]byte, error) {
	if sc.Token == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(sc.Token)
	if err != nil {
		return nil, fmt.Errorf("parse token %q: %w", sc.Token, err)
	}
	if len(b) > 8 {
		return nil, fmt.Errorf("token %q: %w", sc.Token, ErrInvalidSessionToken)
	}
	return b, nil
}

func parseIPv6(s string) ([16]byte, error) {
	var out [16]byte
	if s == "" {
		return out, fmt.Errorf("address: %w", ErrInvalidSessionAddr)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return out, fmt.Errorf("parse address %q: %w", s, err)
	}
	if !addr.Is6() && !addr.Is4In6() {
		return out, fmt.Errorf("address %q: %w", s, ErrInvalidSessionAddr)
	}
	return addr.As16(), nil
}

func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	if s == "" {
		return out, fmt.Errorf("mac address: %w", ErrInvalidSessionMAC)
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return out, fmt.Errorf("parse mac %q: %w", s, err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("mac %q: %w", s, ErrInvalidSessionMAC)
	}
	copy(out[:], hw)
	return out, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The default link driver is "loopback": the daemon will run and answer
// its own status API with no hardware attached, the same way
// coapstackctl's selftest subcommand exercises the stack end to end.
func DefaultConfig() *Config {
	return &Config{
		StatusAPI: StatusAPIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Link: LinkConfig{
			Driver: "loopback",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for coapstack configuration.
// Variables are named COAPSTACK_<section>_<key>, e.g., COAPSTACK_LINK_DRIVER.
const envPrefix = "COAPSTACK_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (COAPSTACK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	COAPSTACK_STATUS_API_ADDR -> status_api.addr
//	COAPSTACK_METRICS_ADDR    -> metrics.addr
//	COAPSTACK_METRICS_PATH    -> metrics.path
//	COAPSTACK_LOG_LEVEL       -> log.level
//	COAPSTACK_LOG_FORMAT      -> log.format
//	COAPSTACK_LINK_DRIVER     -> link.driver
//	COAPSTACK_LINK_DEVICE     -> link.device
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
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

// envKeyMapper transforms COAPSTACK_LINK_DRIVER -> link.driver.
// Strips the COAPSTACK_ prefix, lowercases, and replaces the last _ with
// ., so COAPSTACK_STATUS_API_ADDR -> status_api.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	if i := strings.LastIndex(s, "_"); i >= 0 {
		s = s[:i] + "." + s[i+1:]
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"status_api.addr": defaults.StatusAPI.Addr,
		"metrics.addr":    defaults.Metrics.Addr,
		"metrics.path":    defaults.Metrics.Path,
		"log.level":       defaults.Log.Level,
		"log.format":      defaults.Log.Format,
		"link.driver":     defaults.Link.Driver,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyStatusAPIAddr indicates the status API listen address is empty.
	ErrEmptyStatusAPIAddr = errors.New("status_api.addr must not be empty")

	// ErrInvalidLinkDriver indicates link.driver is not a recognized value.
	ErrInvalidLinkDriver = errors.New("link.driver must be loopback, tap, rawsocket, or serial")

	// ErrInvalidSessionAddr indicates a session has an invalid local or
	// peer IPv6 address.
	ErrInvalidSessionAddr = errors.New("session address is invalid")

	// ErrInvalidSessionMAC indicates a session has an invalid local or
	// peer Ethernet address.
	ErrInvalidSessionMAC = errors.New("session mac address is invalid")

	// ErrInvalidSessionPort indicates a session local or peer port is zero.
	ErrInvalidSessionPort = errors.New("session local_port and peer_port must both be nonzero")

	// ErrInvalidSessionToken indicates a session token that is not valid
	// hex or exceeds 8 bytes.
	ErrInvalidSessionToken = errors.New("session token must be hex, at most 8 bytes")

	// ErrInvalidSessionRequestCode indicates an unrecognized CoAP method.
	ErrInvalidSessionRequestCode = errors.New("session request_code must be GET, POST, PUT, or DELETE")

	// ErrDuplicateSessionKey indicates two sessions share the same
	// (local_addr, peer_addr, local_port, peer_port) key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.StatusAPI.Addr == "" {
		return ErrEmptyStatusAPIAddr
	}

	if !ValidLinkDrivers[cfg.Link.Driver] {
		return fmt.Errorf("link.driver %q: %w", cfg.Link.Driver, ErrInvalidLinkDriver)
	}

	if err := validateSessions(cfg.Sessions); err != nil {
		return err
	}

	return nil
}

// ValidLinkDrivers lists the recognized link.driver strings.
var ValidLinkDrivers = map[string]bool{
	"loopback":  true,
	"tap":       true,
	"rawsocket": true,
	"serial":    true,
}

// ValidRequestCodes lists the recognized session request_code strings.
var ValidRequestCodes = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if _, err := sc.LocalIPv6(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionAddr, err)
		}
		if _, err := sc.PeerIPv6(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionAddr, err)
		}
		if _, err := sc.LocalHWAddr(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionMAC, err)
		}
		if _, err := sc.PeerHWAddr(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionMAC, err)
		}

		if sc.LocalPort == 0 || sc.PeerPort == 0 {
			return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidSessionPort)
		}

		if _, err := sc.TokenBytes(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionToken, err)
		}

		if sc.RequestCode != "" && !ValidRequestCodes[sc.RequestCode] {
			return fmt.Errorf("sessions[%d] request_code %q: %w", i, sc.RequestCode, ErrInvalidSessionRequestCode)
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
