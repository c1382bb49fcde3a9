package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pion/ice"
	"github.com/pion/webrtc/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the signaling bridge.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	API        APIConfig        `yaml:"api"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the WebSocket signaling listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	Path           string        `yaml:"path"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RoomsConfig controls room lifecycle.
type RoomsConfig struct {
	// IdleTimeout reclaims rooms that were created but never successfully joined.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// WebRTCConfig holds the ICE servers handed to clients when a room becomes active.
type WebRTCConfig struct {
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// ICEServerConfig is one STUN or TURN server entry.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Servers converts the configured entries into the ICE server list handed to
// clients in the ready notification. Entries with credentials use password
// authentication.
func (c WebRTCConfig) Servers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, srv)
	}
	return servers
}

// APIConfig contains the consultation request HTTP API settings.
type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	MaxIssueLength int    `yaml:"max_issue_length"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AuthToken           string          `yaml:"auth_token"`
	AllowedNetworks     []string        `yaml:"allowed_networks"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:5008",
			Path:           "/ws",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 65536, // 64KB, SDP blobs are a few KB
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendQueueSize:  256,
		},
		Rooms: RoomsConfig{
			IdleTimeout: time.Minute,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddress:  "0.0.0.0:5010",
			MaxIssueLength: 2000,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    50,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.DrainTimeout <= 0 || c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must be between 0 and 5m")
	}
	if c.Server.WriteTimeout <= 0 || c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must be between 0 and 5m")
	}
	if c.Server.PingInterval < 0 {
		return fmt.Errorf("server.ping_interval must not be negative")
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= 0 {
		return fmt.Errorf("server.pong_timeout must be positive when pings are enabled")
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be positive")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Rooms.IdleTimeout <= 0 {
		return fmt.Errorf("rooms.idle_timeout must be positive")
	}

	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, raw := range s.URLs {
			u, err := ice.ParseURL(raw)
			if err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: invalid url %q: %w", i, raw, err)
			}
			if (u.Scheme == ice.SchemeTypeTURN || u.Scheme == ice.SchemeTypeTURNS) && (s.Username == "" || s.Credential == "") {
				return fmt.Errorf("webrtc.ice_servers[%d]: turn server %q requires username and credential", i, raw)
			}
		}
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.ListenAddress); err != nil {
			return fmt.Errorf("api.listen_address is invalid: %w", err)
		}
		if c.API.ListenAddress == c.Server.ListenAddress {
			return fmt.Errorf("api.listen_address and server.listen_address must be different")
		}
		if c.API.MaxIssueLength <= 0 {
			return fmt.Errorf("api.max_issue_length must be positive")
		}
	}

	for _, cidr := range c.Security.AllowedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.allowed_networks: %q is not a CIDR: %w", cidr, err)
		}
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies SIGNALBRIDGE_ prefixed environment variables.
// Convention: SIGNALBRIDGE_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"SIGNALBRIDGE_SERVER_LISTEN_ADDRESS":     func(v string) { cfg.Server.ListenAddress = v },
		"SIGNALBRIDGE_SERVER_PATH":               func(v string) { cfg.Server.Path = v },
		"SIGNALBRIDGE_SERVER_DRAIN_TIMEOUT":      func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"SIGNALBRIDGE_SERVER_MAX_MESSAGE_SIZE":   func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"SIGNALBRIDGE_SERVER_PING_INTERVAL":      func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"SIGNALBRIDGE_SERVER_PONG_TIMEOUT":       func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"SIGNALBRIDGE_SERVER_WRITE_TIMEOUT":      func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"SIGNALBRIDGE_SERVER_SEND_QUEUE_SIZE":    func(v string) { cfg.Server.SendQueueSize = parseInt(v, cfg.Server.SendQueueSize) },
		"SIGNALBRIDGE_SERVER_ALLOWED_ORIGINS":    func(v string) { cfg.Server.AllowedOrigins = parseList(v) },
		"SIGNALBRIDGE_ROOMS_IDLE_TIMEOUT":        func(v string) { cfg.Rooms.IdleTimeout = parseDuration(v, cfg.Rooms.IdleTimeout) },
		"SIGNALBRIDGE_API_ENABLED":               func(v string) { cfg.API.Enabled = parseBool(v, cfg.API.Enabled) },
		"SIGNALBRIDGE_API_LISTEN_ADDRESS":        func(v string) { cfg.API.ListenAddress = v },
		"SIGNALBRIDGE_SECURITY_AUTH_TOKEN":       func(v string) { cfg.Security.AuthToken = v },
		"SIGNALBRIDGE_SECURITY_ALLOWED_NETWORKS": func(v string) { cfg.Security.AllowedNetworks = parseList(v) },
		"SIGNALBRIDGE_SECURITY_MAX_CONNECTIONS":  func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"SIGNALBRIDGE_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"SIGNALBRIDGE_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"SIGNALBRIDGE_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"SIGNALBRIDGE_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"SIGNALBRIDGE_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"SIGNALBRIDGE_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"SIGNALBRIDGE_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"SIGNALBRIDGE_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"SIGNALBRIDGE_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
		"SIGNALBRIDGE_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, path, tls, send queue size, ice servers.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.Path != new.Server.Path {
		warnings = append(warnings, "server.path requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Server.SendQueueSize != new.Server.SendQueueSize {
		warnings = append(warnings, "server.send_queue_size requires restart")
	}
	if !reflect.DeepEqual(old.WebRTC, new.WebRTC) {
		warnings = append(warnings, "webrtc.ice_servers requires restart")
	}
	if old.API.ListenAddress != new.API.ListenAddress || old.API.Enabled != new.API.Enabled {
		warnings = append(warnings, "api settings require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

// parseList splits a comma-separated env value, dropping empty items.
func parseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
