// Package config defines the configuration model for the Frappe Assistant
// bridge and the helpers that load it from YAML. Configuration covers the
// target Frappe site, credential persistence, outbound proxying, and the
// optional local serve mode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied when the configuration file omits a field.
const (
	DefaultCallbackPort   = 18632
	DefaultRequestTimeout = 120
	DefaultClientName     = "Frappe Assistant Bridge"
	DefaultServePort      = 8790
)

// DefaultScopes are requested during authorization when the configuration
// does not name its own scope set. "all" mirrors what Frappe's OAuth provider
// grants to first-party integrations; "openid" keeps the discovery document's
// OIDC path usable.
var DefaultScopes = []string{"all", "openid"}

// Config represents the application configuration loaded from a YAML file.
type Config struct {
	// SiteURL is the base URL of the Frappe deployment hosting Assistant Core,
	// e.g. "https://erp.example.com".
	SiteURL string `yaml:"site-url" json:"site-url"`

	// AuthDir is the directory where OAuth token files are persisted.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// ProxyURL is the URL of an optional proxy server to use for outbound
	// requests (http, https, or socks5).
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// CallbackPort is the loopback port used by the OAuth callback server
	// during interactive login.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`

	// Scopes lists the OAuth scopes requested during authorization.
	Scopes []string `yaml:"scopes" json:"scopes"`

	// ClientName is the display name submitted during dynamic client
	// registration.
	ClientName string `yaml:"client-name" json:"client-name"`

	// ClientID holds a pre-provisioned OAuth client id. It is used when the
	// server does not support dynamic client registration.
	ClientID string `yaml:"client-id" json:"client-id"`

	// ClientSecret is the optional secret paired with ClientID for
	// confidential clients.
	ClientSecret string `yaml:"client-secret" json:"client-secret"`

	// RequestTimeout bounds discovery, registration, token, and RPC requests.
	// Value is in seconds.
	RequestTimeout int `yaml:"request-timeout" json:"request-timeout"`

	// RequestLog enables detailed request logging for bridge traffic.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LoggingToFile redirects logs from stdout to rotated files under LogsDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsDir is the directory where rotated log files are written.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// Serve configures the local serve mode that re-exposes the remote MCP
	// endpoint to local clients.
	Serve ServeConfig `yaml:"serve" json:"serve"`
}

// ServeConfig holds the local serve mode settings.
type ServeConfig struct {
	// Host is the interface the local server binds to. Defaults to loopback.
	Host string `yaml:"host" json:"host"`

	// Port is the local server port.
	Port int `yaml:"port" json:"port"`

	// APIKeys optionally restricts local clients; when non-empty, requests
	// must carry one of these keys.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`
}

// LoadConfig reads and parses the configuration file at the given path,
// applying defaults for omitted fields.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed: %w", configFile, err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", configFile, err)
	}

	cfg.ApplyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file when
// optional is true, returning a default-populated configuration instead.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			def := &Config{}
			def.ApplyDefaults()
			return def, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.CallbackPort <= 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if strings.TrimSpace(c.ClientName) == "" {
		c.ClientName = DefaultClientName
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = defaultAuthDir()
	}
	if strings.TrimSpace(c.LogsDir) == "" {
		c.LogsDir = "logs"
	}
	if c.Serve.Port <= 0 {
		c.Serve.Port = DefaultServePort
	}
	if strings.TrimSpace(c.Serve.Host) == "" {
		c.Serve.Host = "127.0.0.1"
	}
	c.SiteURL = strings.TrimRight(strings.TrimSpace(c.SiteURL), "/")
	c.AuthDir = expandHome(c.AuthDir)
}

// Validate reports configuration combinations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("config: client-secret requires client-id")
	}
	return nil
}

// RedirectURI returns the loopback redirect URI registered for the OAuth
// callback server.
func (c *Config) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", c.CallbackPort)
}

// defaultAuthDir resolves the per-user credential directory.
func defaultAuthDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".frappe-bridge"
	}
	return filepath.Join(home, ".frappe-bridge")
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
