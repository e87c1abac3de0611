// Package config contains the definition of the application config structure
// and the logic required to load it from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names accepted by MCP_TRANSPORT.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config represents the configuration of the application.
type Config struct {
	Transport string
	HTTP      HTTPConfig
	Session   SessionConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Consumer  ConsumerConfig
	Storage   StorageConfig
	Audit     AuditConfig
	Plugins   PluginsConfig
}

// HTTPConfig contains the settings for the HTTP transport.
type HTTPConfig struct {
	Host        string
	Port        int
	CORSEnabled bool
	CORSOrigins []string
}

// Address returns the host:port the HTTP transport binds to.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	Timeout               time.Duration
	CleanupInterval       time.Duration
	MaxConcurrentSessions int
	EnablePersistence     bool
	RequestTimeout        time.Duration
	MaxRequestSize        int64
}

// AuthConfig contains authentication middleware settings.
type AuthConfig struct {
	Enabled bool

	// Per-transport policy. HTTP defaults to required, STDIO to disabled,
	// per the MCP authorization recommendation.
	HTTPEnabled     bool
	HTTPSkip        bool
	HTTPRequire     bool
	StdioEnabled    bool
	StdioAllowOAuth bool
	StdioSkip       bool

	// StdioAccessToken is the MCP access token the STDIO transport presents
	// when stdio authentication is enabled.
	StdioAccessToken string

	SessionBindingEnabled     bool
	SessionBindingAutoRefresh bool
	SessionBindingTimeout     time.Duration

	ErrorDetails       bool
	ErrorGuidance      bool
	ErrorCustomHeaders bool
}

// ProviderConfig contains the OAuth authorization server settings.
type ProviderConfig struct {
	ClientID               string
	ClientSecret           string
	RedirectURI            string
	Issuer                 string
	RequirePKCE            bool
	AllowDynamicClients    bool
	TokenExpiration        time.Duration
	RefreshTokenExpiration time.Duration
}

// ConsumerConfig contains the upstream OAuth provider settings.
type ConsumerConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string

	// Issuer enables OIDC discovery and id_token verification. Endpoints
	// discovered from the issuer are used unless AuthURL/TokenURL override
	// them.
	Issuer string

	AuthURL     string
	TokenURL    string
	RedirectURI string
	Scopes      []string
}

// Enabled reports whether an upstream consumer is configured.
func (c *ConsumerConfig) Enabled() bool {
	if c.ClientID == "" {
		return false
	}
	return c.Issuer != "" || (c.AuthURL != "" && c.TokenURL != "")
}

// StorageConfig contains KV store settings.
type StorageConfig struct {
	// KVPath is the sqlite file path for the durable KV store.
	// Empty means in-memory only.
	KVPath string

	// RedisURL selects the Redis KV backend when set.
	RedisURL string

	// CredentialsKey is the passphrase for encrypting stored upstream
	// credentials. Empty disables encryption.
	CredentialsKey string
}

// AuditConfig contains audit trail settings.
type AuditConfig struct {
	Enabled       bool
	LogFile       string
	RetentionDays int
}

// PluginsConfig contains plugin discovery settings.
type PluginsConfig struct {
	DiscoveryPaths []string
	Autoload       bool
	WatchChanges   bool
	AllowedList    []string
	BlockedList    []string
}

// Load reads the configuration from the environment. Every recognized
// variable has a default, so a zero-environment load always succeeds.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	transport := strings.ToLower(v.GetString("mcp_transport"))
	if transport != TransportStdio && transport != TransportHTTP {
		return nil, fmt.Errorf("invalid MCP_TRANSPORT %q (valid values: %s, %s)",
			transport, TransportStdio, TransportHTTP)
	}

	cfg := &Config{
		Transport: transport,
		HTTP: HTTPConfig{
			Host:        v.GetString("http_host"),
			Port:        v.GetInt("http_port"),
			CORSEnabled: v.GetBool("http_cors_enabled"),
			CORSOrigins: splitList(v.GetString("http_cors_origins")),
		},
		Session: SessionConfig{
			Timeout:               time.Duration(v.GetInt64("mcp_session_timeout")) * time.Millisecond,
			CleanupInterval:       time.Duration(v.GetInt64("mcp_session_cleanup_interval")) * time.Millisecond,
			MaxConcurrentSessions: v.GetInt("mcp_max_concurrent_sessions"),
			EnablePersistence:     v.GetBool("mcp_enable_session_persistence"),
			RequestTimeout:        time.Duration(v.GetInt64("mcp_request_timeout")) * time.Millisecond,
			MaxRequestSize:        v.GetInt64("mcp_max_request_size"),
		},
		Auth: AuthConfig{
			Enabled:                   v.GetBool("mcp_auth_enabled"),
			HTTPEnabled:               v.GetBool("mcp_auth_http_enabled"),
			HTTPSkip:                  v.GetBool("mcp_auth_http_skip"),
			HTTPRequire:               v.GetBool("mcp_auth_http_require"),
			StdioEnabled:              v.GetBool("mcp_auth_stdio_enabled"),
			StdioAllowOAuth:           v.GetBool("mcp_auth_stdio_allow_oauth"),
			StdioSkip:                 v.GetBool("mcp_auth_stdio_skip"),
			StdioAccessToken:          v.GetString("mcp_access_token"),
			SessionBindingEnabled:     v.GetBool("mcp_session_binding_enabled"),
			SessionBindingAutoRefresh: v.GetBool("mcp_session_binding_auto_refresh"),
			SessionBindingTimeout:     time.Duration(v.GetInt64("mcp_session_binding_timeout_ms")) * time.Millisecond,
			ErrorDetails:              v.GetBool("mcp_auth_error_details"),
			ErrorGuidance:             v.GetBool("mcp_auth_error_guidance"),
			ErrorCustomHeaders:        v.GetBool("mcp_auth_error_custom_headers"),
		},
		Provider: ProviderConfig{
			ClientID:               v.GetString("oauth_provider_client_id"),
			ClientSecret:           v.GetString("oauth_provider_client_secret"),
			RedirectURI:            v.GetString("oauth_provider_redirect_uri"),
			Issuer:                 v.GetString("oauth_provider_issuer"),
			RequirePKCE:            v.GetBool("oauth_provider_pkce"),
			AllowDynamicClients:    v.GetBool("oauth_provider_dynamic_registration"),
			TokenExpiration:        time.Duration(v.GetInt64("oauth_provider_token_expiration")) * time.Millisecond,
			RefreshTokenExpiration: time.Duration(v.GetInt64("oauth_provider_refresh_token_expiration")) * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			Provider:     v.GetString("oauth_consumer_provider"),
			ClientID:     v.GetString("oauth_consumer_client_id"),
			ClientSecret: v.GetString("oauth_consumer_client_secret"),
			Issuer:       v.GetString("oauth_consumer_issuer"),
			AuthURL:      v.GetString("oauth_consumer_auth_url"),
			TokenURL:     v.GetString("oauth_consumer_token_url"),
			RedirectURI:  v.GetString("oauth_consumer_redirect_uri"),
			Scopes:       splitList(v.GetString("oauth_consumer_scopes")),
		},
		Storage: StorageConfig{
			KVPath:         v.GetString("mcp_kv_path"),
			RedisURL:       v.GetString("redis_url"),
			CredentialsKey: v.GetString("mcp_credentials_key"),
		},
		Audit: AuditConfig{
			Enabled:       v.GetBool("audit_enabled"),
			LogFile:       v.GetString("audit_log_file"),
			RetentionDays: v.GetInt("audit_retention_days"),
		},
		Plugins: PluginsConfig{
			DiscoveryPaths: splitList(v.GetString("plugins_discovery_paths")),
			Autoload:       v.GetBool("plugins_autoload"),
			WatchChanges:   v.GetBool("plugins_watch_changes"),
			AllowedList:    splitList(v.GetString("plugins_allowed_list")),
			BlockedList:    splitList(v.GetString("plugins_blocked_list")),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mcp_transport", TransportStdio)
	v.SetDefault("http_host", "127.0.0.1")
	v.SetDefault("http_port", 3000)
	v.SetDefault("http_cors_enabled", true)
	v.SetDefault("http_cors_origins", "*")

	v.SetDefault("mcp_session_timeout", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("mcp_session_cleanup_interval", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("mcp_max_concurrent_sessions", 100)
	v.SetDefault("mcp_enable_session_persistence", true)
	v.SetDefault("mcp_request_timeout", int64(30*time.Second/time.Millisecond))
	v.SetDefault("mcp_max_request_size", int64(4*1024*1024))

	v.SetDefault("mcp_auth_enabled", false)
	v.SetDefault("mcp_auth_http_enabled", true)
	v.SetDefault("mcp_auth_http_require", true)
	v.SetDefault("mcp_auth_stdio_enabled", false)
	v.SetDefault("mcp_session_binding_enabled", true)
	v.SetDefault("mcp_session_binding_auto_refresh", true)
	v.SetDefault("mcp_session_binding_timeout_ms", int64(5000))
	v.SetDefault("mcp_auth_error_details", true)
	v.SetDefault("mcp_auth_error_guidance", true)

	v.SetDefault("oauth_provider_pkce", true)
	v.SetDefault("oauth_provider_dynamic_registration", true)
	v.SetDefault("oauth_provider_token_expiration", int64(time.Hour/time.Millisecond))
	v.SetDefault("oauth_provider_refresh_token_expiration", int64(30*24*time.Hour/time.Millisecond))

	v.SetDefault("audit_enabled", false)
	v.SetDefault("audit_retention_days", 30)

	v.SetDefault("plugins_autoload", true)
}

// bindEnv maps every recognized environment variable explicitly. AutomaticEnv
// covers the happy path; explicit bindings keep the variable names greppable.
func bindEnv(v *viper.Viper) {
	for _, name := range []string{
		"MCP_TRANSPORT", "HTTP_HOST", "HTTP_PORT", "HTTP_CORS_ENABLED", "HTTP_CORS_ORIGINS",
		"MCP_SESSION_TIMEOUT", "MCP_SESSION_CLEANUP_INTERVAL", "MCP_MAX_CONCURRENT_SESSIONS",
		"MCP_ENABLE_SESSION_PERSISTENCE", "MCP_REQUEST_TIMEOUT", "MCP_MAX_REQUEST_SIZE",
		"MCP_AUTH_ENABLED", "MCP_AUTH_HTTP_ENABLED", "MCP_AUTH_HTTP_SKIP", "MCP_AUTH_HTTP_REQUIRE",
		"MCP_AUTH_STDIO_ENABLED", "MCP_AUTH_STDIO_ALLOW_OAUTH", "MCP_AUTH_STDIO_SKIP", "MCP_ACCESS_TOKEN",
		"MCP_SESSION_BINDING_ENABLED", "MCP_SESSION_BINDING_AUTO_REFRESH", "MCP_SESSION_BINDING_TIMEOUT_MS",
		"MCP_AUTH_ERROR_DETAILS", "MCP_AUTH_ERROR_GUIDANCE", "MCP_AUTH_ERROR_CUSTOM_HEADERS",
		"OAUTH_PROVIDER_CLIENT_ID", "OAUTH_PROVIDER_CLIENT_SECRET", "OAUTH_PROVIDER_REDIRECT_URI",
		"OAUTH_PROVIDER_ISSUER", "OAUTH_PROVIDER_PKCE", "OAUTH_PROVIDER_DYNAMIC_REGISTRATION",
		"OAUTH_PROVIDER_TOKEN_EXPIRATION", "OAUTH_PROVIDER_REFRESH_TOKEN_EXPIRATION",
		"OAUTH_CONSUMER_PROVIDER", "OAUTH_CONSUMER_CLIENT_ID", "OAUTH_CONSUMER_CLIENT_SECRET",
		"OAUTH_CONSUMER_ISSUER", "OAUTH_CONSUMER_AUTH_URL", "OAUTH_CONSUMER_TOKEN_URL",
		"OAUTH_CONSUMER_REDIRECT_URI", "OAUTH_CONSUMER_SCOPES",
		"MCP_KV_PATH", "REDIS_URL", "MCP_CREDENTIALS_KEY",
		"AUDIT_ENABLED", "AUDIT_LOG_FILE", "AUDIT_RETENTION_DAYS",
		"PLUGINS_DISCOVERY_PATHS", "PLUGINS_AUTOLOAD", "PLUGINS_WATCH_CHANGES",
		"PLUGINS_ALLOWED_LIST", "PLUGINS_BLOCKED_LIST",
	} {
		_ = v.BindEnv(strings.ToLower(name), name)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
