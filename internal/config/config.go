package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// DefaultRedirectURIs are the redirect URIs accepted for the default OAuth
// client when OAUTH_REDIRECT_URIS is not set.
const DefaultRedirectURIs = "https://claude.ai/api/mcp/auth_callback,http://localhost/callback,http://127.0.0.1/callback"

// Config holds all configuration for the memory service.
type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Run schema migrations on startup.
	MigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Embedding endpoint (OpenAI-compatible).
	EmbeddingURL    string
	EmbeddingModel  string
	EmbeddingAPIKey string
	// EmbeddingDims skips startup dimension detection when > 0.
	EmbeddingDims int

	// Embedding backend type
	EmbedType string // "openai"

	// Namespace scopes every read and write to one tenant partition.
	// Empty means wildcard: all namespaces are visible and clients address
	// memories by internal id instead of per-namespace content_id.
	Namespace string

	// Security
	// BearerToken is the static API key accepted on the MCP endpoint.
	BearerToken string
	// APIBearerToken guards the admin REST surface (/api/embeddings/generate).
	// When empty the admin surface responds 404.
	APIBearerToken string

	// Encryption
	// EncryptionKey enables at-rest content encryption when non-empty.
	// It is a password, not a raw key: the AES key is derived per record
	// with Argon2id over a fresh salt.
	EncryptionKey string

	// Response shaping
	// Timezone names the IANA zone used for the current_time field.
	// Empty means UTC; the string "false" disables the field entirely.
	Timezone string
	// PerformanceMetrics appends the "E.EEE D.DDD T.TTT" timing field to tool results.
	PerformanceMetrics bool

	// OAuth (bundled authorization server)
	OAuthBundled            bool
	OAuthClientID           string
	OAuthClientSecret       string
	OAuthUsername           string
	OAuthPassword           string
	OAuthRedirectURIs       string // comma-separated
	OAuthAccessTokenExpiry  int    // seconds
	OAuthRefreshTokenExpiry int    // seconds
	OAuthAuthCodeExpiry     int    // seconds

	// ServerURL is the externally visible base URL, required for OAuth redirects.
	ServerURL string

	// Datastore backend type
	StoreType string // "postgres"

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=mcp-memory".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or MCP_MEMORY_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	// Disabled by default to suppress high-frequency probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBHost:         "localhost",
		DBPort:         5432,
		DBUser:         "postgres",
		DBPassword:     "postgres",
		DBName:         "memory",
		MigrateAtStart: true,
		DBMaxOpenConns: 10,
		DBMaxIdleConns: 5,

		EmbedType: "openai",
		StoreType: "postgres",

		PerformanceMetrics: true,

		OAuthClientID:           "memory-mcp-ce",
		OAuthRedirectURIs:       DefaultRedirectURIs,
		OAuthAccessTokenExpiry:  3600,
		OAuthRefreshTokenExpiry: 604800,
		OAuthAuthCodeExpiry:     300,

		Listener: ListenerConfig{
			Port:              5005,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       false,
		},
		DrainTimeout: 30,
	}
}

// DSN renders the Postgres connection string for gorm/pgx.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

// EncryptionEnabled reports whether at-rest content encryption is active.
func (c *Config) EncryptionEnabled() bool {
	return c != nil && strings.TrimSpace(c.EncryptionKey) != ""
}

// EncryptionPassword returns the trimmed encryption password.
func (c *Config) EncryptionPassword() string {
	return strings.TrimSpace(c.EncryptionKey)
}

// StorageNamespace is the namespace written on new memories. The wildcard
// configuration still stores rows under "default".
func (c *Config) StorageNamespace() string {
	if c.Namespace == "" {
		return "default"
	}
	return c.Namespace
}

// AuthRequired reports whether the MCP endpoint demands a bearer credential.
func (c *Config) AuthRequired() bool {
	return c.BearerToken != "" || c.OAuthBundled
}

// TimezoneDisabled reports whether the current_time/timezone fields are suppressed.
func (c *Config) TimezoneDisabled() bool {
	return strings.EqualFold(strings.TrimSpace(c.Timezone), "false")
}

// Location resolves the configured timezone, falling back to UTC when unset
// or unparseable.
func (c *Config) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" || strings.EqualFold(name, "false") {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedirectURIs splits the configured redirect URI allow-list.
func (c *Config) RedirectURIs() []string {
	var out []string
	for _, u := range strings.Split(c.OAuthRedirectURIs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Validate checks settings combinations that cannot work at serve time.
func (c *Config) Validate() error {
	if c.EmbeddingURL == "" {
		return fmt.Errorf("embedding URL is required (EMBEDDING_URL)")
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("embedding model is required (EMBEDDING_MODEL)")
	}
	if c.OAuthBundled {
		if c.ServerURL == "" {
			return fmt.Errorf("OAuth bundled mode requires SERVER_URL")
		}
		if c.OAuthUsername == "" || c.OAuthPassword == "" {
			return fmt.Errorf("OAuth bundled mode requires OAUTH_USERNAME and OAUTH_PASSWORD")
		}
	}
	return nil
}
