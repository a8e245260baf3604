package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded credential and transport defaults
const (
	DefaultCodeTTL           = 10 * time.Minute
	DefaultTokenTTL          = time.Hour
	DefaultScope             = "read"
	DefaultSweepInterval     = time.Minute
	DefaultKeepaliveInterval = 15 * time.Second
)

// Transport modes and tool sets selectable via configuration.
const (
	TransportSSE  = "sse"
	TransportHTTP = "http"

	ToolSetConnector = "connector"
	ToolSetDiscovery = "discovery"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Transport TransportConfig `yaml:"transport"`
	Tools     ToolsConfig     `yaml:"tools"`
	TMDB      TMDBConfig      `yaml:"tmdb"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
	CORSOrigins     []string  `yaml:"cors_origins"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// OAuthConfig controls the self-issued authorization server.
type OAuthConfig struct {
	// Enabled gates the MCP transport behind bearer auth. Disabling it is a
	// deployment variant for local testing, not a behavioural branch.
	Enabled bool `yaml:"enabled"`
	// StrictClientValidation rejects unknown client_id values instead of
	// falling back to the default client.
	StrictClientValidation bool           `yaml:"strict_client_validation"`
	DefaultClientID        string         `yaml:"default_client_id"`
	Clients                []ClientConfig `yaml:"clients"`
	CodeTTL                time.Duration  `yaml:"code_ttl"`
	TokenTTL               time.Duration  `yaml:"token_ttl"`
	DefaultScope           string         `yaml:"default_scope"`
	SweepInterval          time.Duration  `yaml:"sweep_interval"`
}

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

// TransportConfig selects how MCP messages travel.
type TransportConfig struct {
	Mode              string        `yaml:"mode"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// ToolsConfig selects the active tool surface.
type ToolsConfig struct {
	Set string `yaml:"set"`
}

// TMDBConfig holds the upstream content API credentials.
type TMDBConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Language string `yaml:"language"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
		},
		OAuth: OAuthConfig{
			Enabled:         true,
			DefaultClientID: "chatgpt-connector",
			CodeTTL:         DefaultCodeTTL,
			TokenTTL:        DefaultTokenTTL,
			DefaultScope:    DefaultScope,
			SweepInterval:   DefaultSweepInterval,
		},
		Transport: TransportConfig{
			Mode:              TransportSSE,
			KeepaliveInterval: DefaultKeepaliveInterval,
		},
		Tools: ToolsConfig{Set: ToolSetConnector},
		TMDB: TMDBConfig{
			BaseURL:  "https://api.themoviedb.org/3",
			Language: "en-US",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TMDBMCP_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"TMDBMCP_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TMDBMCP_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TMDBMCP_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TMDBMCP_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TMDBMCP_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TMDBMCP_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TMDBMCP_OAUTH_ENABLED":     func(v string) { cfg.OAuth.Enabled = parseBool(v, cfg.OAuth.Enabled) },
		"TMDBMCP_STRICT_CLIENTS":    func(v string) { cfg.OAuth.StrictClientValidation = parseBool(v, cfg.OAuth.StrictClientValidation) },
		"TMDBMCP_TRANSPORT_MODE":    func(v string) { cfg.Transport.Mode = strings.TrimSpace(v) },
		"TMDBMCP_TOOL_SET":          func(v string) { cfg.Tools.Set = strings.TrimSpace(v) },
		"TMDB_API_KEY":              func(v string) { cfg.TMDB.APIKey = v },
		"TMDB_BASE_URL":             func(v string) { cfg.TMDB.BaseURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Transport.Mode {
	case TransportSSE, TransportHTTP:
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got: %s", TransportSSE, TransportHTTP, c.Transport.Mode)
	}

	if c.Transport.KeepaliveInterval <= 0 {
		return errors.New("transport.keepalive_interval must be positive")
	}

	switch c.Tools.Set {
	case ToolSetConnector, ToolSetDiscovery:
	default:
		return fmt.Errorf("tools.set must be %q or %q, got: %s", ToolSetConnector, ToolSetDiscovery, c.Tools.Set)
	}

	if c.OAuth.CodeTTL <= 0 {
		return errors.New("oauth.code_ttl must be positive")
	}
	if c.OAuth.TokenTTL <= 0 {
		return errors.New("oauth.token_ttl must be positive")
	}
	if c.OAuth.DefaultClientID == "" {
		return errors.New("oauth.default_client_id is required")
	}

	for i, client := range c.OAuth.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth.clients[%d]: client_id is required", i)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("oauth.clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	if c.TMDB.BaseURL == "" {
		return errors.New("tmdb.base_url is required")
	}

	return nil
}

// Issuer returns the canonical issuer identifier derived from the public URL.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}
