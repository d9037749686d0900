package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	registryembed "github.com/chirino/mcp-memory/internal/registry/embed"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/mcp-memory/internal/plugin/embed/openai"
	_ "github.com/chirino/mcp-memory/internal/plugin/route/system"
	_ "github.com/chirino/mcp-memory/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the memory MCP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-host",
			Category:    "Database:",
			Sources:     cli.EnvVars("POSTGRES_HOST"),
			Destination: &cfg.DBHost,
			Value:       cfg.DBHost,
			Usage:       "Postgres host",
		},
		&cli.IntFlag{
			Name:        "db-port",
			Category:    "Database:",
			Sources:     cli.EnvVars("POSTGRES_PORT"),
			Destination: &cfg.DBPort,
			Value:       cfg.DBPort,
			Usage:       "Postgres port",
		},
		&cli.StringFlag{
			Name:        "db-user",
			Category:    "Database:",
			Sources:     cli.EnvVars("POSTGRES_USER"),
			Destination: &cfg.DBUser,
			Value:       cfg.DBUser,
			Usage:       "Postgres user",
		},
		&cli.StringFlag{
			Name:        "db-password",
			Category:    "Database:",
			Sources:     cli.EnvVars("POSTGRES_PASSWORD"),
			Destination: &cfg.DBPassword,
			Value:       cfg.DBPassword,
			Usage:       "Postgres password",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("POSTGRES_DB"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Postgres database name",
		},
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MCP_MEMORY_DB_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MCP_MEMORY_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MCP_MEMORY_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MCP_MEMORY_MIGRATE_AT_START"),
			Destination: &cfg.MigrateAtStart,
			Value:       cfg.MigrateAtStart,
			Usage:       "Run schema migrations before serving",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_URL"),
			Destination: &cfg.EmbeddingURL,
			Usage:       "OpenAI-compatible embedding endpoint base URL",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_MODEL"),
			Destination: &cfg.EmbeddingModel,
			Usage:       "Embedding model name",
		},
		&cli.StringFlag{
			Name:        "embedding-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_API_KEY"),
			Destination: &cfg.EmbeddingAPIKey,
			Usage:       "API key for the embedding endpoint",
		},
		&cli.IntFlag{
			Name:        "embedding-dims",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_DIMS"),
			Destination: &cfg.EmbeddingDims,
			Usage:       "Embedding vector dimension (0 = detect at startup)",
		},
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MCP_MEMORY_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},

		// ── Memory Service ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "namespace",
			Category:    "Memory Service:",
			Sources:     cli.EnvVars("NAMESPACE"),
			Destination: &cfg.Namespace,
			Usage:       "Tenant namespace; empty serves all namespaces",
		},
		&cli.StringFlag{
			Name:        "encryption-key",
			Category:    "Memory Service:",
			Sources:     cli.EnvVars("ENCRYPTION_KEY"),
			Destination: &cfg.EncryptionKey,
			Usage:       "Password enabling at-rest content encryption",
		},
		&cli.StringFlag{
			Name:        "timezone",
			Category:    "Memory Service:",
			Sources:     cli.EnvVars("TIMEZONE"),
			Destination: &cfg.Timezone,
			Usage:       "IANA timezone for the current_time field; 'false' disables it",
		},
		&cli.BoolFlag{
			Name:        "performance-metrics",
			Category:    "Memory Service:",
			Sources:     cli.EnvVars("PERFORMANCE_METRICS"),
			Destination: &cfg.PerformanceMetrics,
			Value:       cfg.PerformanceMetrics,
			Usage:       "Append the embed/db/total timing field to tool results",
		},

		// ── Security ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "bearer-token",
			Category:    "Security:",
			Sources:     cli.EnvVars("BEARER_TOKEN"),
			Destination: &cfg.BearerToken,
			Usage:       "Static API key accepted on the MCP endpoint",
		},
		&cli.StringFlag{
			Name:        "api-bearer-token",
			Category:    "Security:",
			Sources:     cli.EnvVars("API_BEARER_TOKEN"),
			Destination: &cfg.APIBearerToken,
			Usage:       "Bearer token guarding the admin REST API; unset disables it",
		},

		// ── OAuth ─────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "oauth-bundled",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_BUNDLED"),
			Destination: &cfg.OAuthBundled,
			Usage:       "Enable the bundled OAuth 2.1 authorization server",
		},
		&cli.StringFlag{
			Name:        "server-url",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("SERVER_URL"),
			Destination: &cfg.ServerURL,
			Usage:       "Externally visible base URL, required for OAuth redirects",
		},
		&cli.StringFlag{
			Name:        "oauth-client-id",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_CLIENT_ID"),
			Destination: &cfg.OAuthClientID,
			Value:       cfg.OAuthClientID,
			Usage:       "Pre-registered default OAuth client id",
		},
		&cli.StringFlag{
			Name:        "oauth-client-secret",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_CLIENT_SECRET"),
			Destination: &cfg.OAuthClientSecret,
			Usage:       "Secret for the default client; empty means a public client",
		},
		&cli.StringFlag{
			Name:        "oauth-username",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_USERNAME"),
			Destination: &cfg.OAuthUsername,
			Usage:       "Login username for the bundled authorization server",
		},
		&cli.StringFlag{
			Name:        "oauth-password",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_PASSWORD"),
			Destination: &cfg.OAuthPassword,
			Usage:       "Login password for the bundled authorization server",
		},
		&cli.StringFlag{
			Name:        "oauth-redirect-uris",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_REDIRECT_URIS"),
			Destination: &cfg.OAuthRedirectURIs,
			Value:       cfg.OAuthRedirectURIs,
			Usage:       "Comma-separated redirect URI allow-list for the default client",
		},
		&cli.IntFlag{
			Name:        "oauth-access-token-expiry",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_ACCESS_TOKEN_EXPIRY"),
			Destination: &cfg.OAuthAccessTokenExpiry,
			Value:       cfg.OAuthAccessTokenExpiry,
			Usage:       "Access token lifetime in seconds",
		},
		&cli.IntFlag{
			Name:        "oauth-refresh-token-expiry",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_REFRESH_TOKEN_EXPIRY"),
			Destination: &cfg.OAuthRefreshTokenExpiry,
			Value:       cfg.OAuthRefreshTokenExpiry,
			Usage:       "Refresh token lifetime in seconds",
		},
		&cli.IntFlag{
			Name:        "oauth-auth-code-expiry",
			Category:    "OAuth:",
			Sources:     cli.EnvVars("OAUTH_AUTH_CODE_EXPIRY"),
			Destination: &cfg.OAuthAuthCodeExpiry,
			Value:       cfg.OAuthAuthCodeExpiry,
			Usage:       "Authorization code lifetime in seconds",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("PORT", "MCP_MEMORY_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Serve TLS on the main listener (self-signed when no cert is given)",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Serve TLS on the management listener",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MCP_MEMORY_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("MCP_MEMORY_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MCP_MEMORY_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("MCP_MEMORY_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MCP_MEMORY_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=mcp-memory",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
