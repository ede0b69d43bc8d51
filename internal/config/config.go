package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the siprouted server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir      string
	PGDSN        string // optional PostgreSQL DSN; empty means embedded SQLite
	HTTPPort     int
	SIPPort      int
	SIPTLSPort   int
	Transports   string // comma-separated transports to listen on (udp,tcp,tls,ws,wss)
	TLSCert      string
	TLSKey       string
	ExternAddr   string // public address for Contact/Via when behind NAT
	UserAgent    string // User-Agent header on outgoing requests
	CheckExpires int    // registration check period in minutes; also the cache write-expiry
	JWTSecret    string // hex-encoded 32-byte secret for admin API tokens
	LogLevel     string
	LogFormat    string // "text" or "json"
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultSIPPort      = 5060
	defaultSIPTLSPort   = 5061
	defaultTransports   = "udp,tcp"
	defaultUserAgent    = "siprouted"
	defaultCheckExpires = 1
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all siprouted environment variables.
const envPrefix = "SIPROUTED_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("siprouted", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.PGDSN, "pg-dsn", "", "PostgreSQL DSN for the gateway store (embedded SQLite if empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP/WS listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS/WSS listen port")
	fs.StringVar(&cfg.Transports, "transports", defaultTransports, "comma-separated SIP transports to listen on (udp,tcp,tls,ws,wss)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ExternAddr, "extern-addr", "", "public address to advertise in Contact/Via when listening on a private IP")
	fs.StringVar(&cfg.UserAgent, "user-agent", defaultUserAgent, "User-Agent header for outgoing SIP requests")
	fs.IntVar(&cfg.CheckExpires, "check-expires", defaultCheckExpires, "gateway registration check period in minutes")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API token signing")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":      envPrefix + "DATA_DIR",
		"pg-dsn":        envPrefix + "PG_DSN",
		"http-port":     envPrefix + "HTTP_PORT",
		"sip-port":      envPrefix + "SIP_PORT",
		"sip-tls-port":  envPrefix + "SIP_TLS_PORT",
		"transports":    envPrefix + "TRANSPORTS",
		"tls-cert":      envPrefix + "TLS_CERT",
		"tls-key":       envPrefix + "TLS_KEY",
		"extern-addr":   envPrefix + "EXTERN_ADDR",
		"user-agent":    envPrefix + "USER_AGENT",
		"check-expires": envPrefix + "CHECK_EXPIRES",
		"jwt-secret":    envPrefix + "JWT_SECRET",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "pg-dsn":
			cfg.PGDSN = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-tls-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPTLSPort = v
			}
		case "transports":
			cfg.Transports = val
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "extern-addr":
			cfg.ExternAddr = val
		case "user-agent":
			cfg.UserAgent = val
		case "check-expires":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CheckExpires = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validTransports enumerates the SIP transports siprouted can listen on.
var validTransports = map[string]bool{
	"udp": true, "tcp": true, "tls": true, "ws": true, "wss": true,
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 1 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 1 and 65535, got %d", c.SIPTLSPort)
	}
	if c.CheckExpires < 1 {
		return fmt.Errorf("check-expires must be at least 1 minute, got %d", c.CheckExpires)
	}

	if len(c.TransportList()) == 0 {
		return fmt.Errorf("transports must name at least one transport")
	}
	for _, tp := range c.TransportList() {
		if !validTransports[tp] {
			return fmt.Errorf("unknown transport %q (valid: udp, tcp, tls, ws, wss)", tp)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	// Secure transports need a certificate.
	for _, tp := range c.TransportList() {
		if (tp == "tls" || tp == "wss") && c.TLSCert == "" {
			return fmt.Errorf("transport %q requires tls-cert and tls-key", tp)
		}
	}

	return nil
}

// TransportList returns the configured transports, lowercased and trimmed.
func (c *Config) TransportList() []string {
	var out []string
	for _, tp := range strings.Split(c.Transports, ",") {
		tp = strings.ToLower(strings.TrimSpace(tp))
		if tp != "" {
			out = append(out, tp)
		}
	}
	return out
}

// CheckExpiresInterval returns the registration check period as a duration.
func (c *Config) CheckExpiresInterval() time.Duration {
	return time.Duration(c.CheckExpires) * time.Minute
}

// SIPBindIP returns the primary non-loopback IPv4 address the SIP listening
// points bind on. Falls back to "127.0.0.1" if detection fails.
func (c *Config) SIPBindIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SIPHost returns the hostname advertised by the SIP user agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
