package serve

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/encryption"
	"github.com/chirino/mcp-memory/internal/oauth"
	"github.com/chirino/mcp-memory/internal/plugin/route/adminapi"
	"github.com/chirino/mcp-memory/internal/plugin/route/oauthweb"
	routesystem "github.com/chirino/mcp-memory/internal/plugin/route/system"
	storemetrics "github.com/chirino/mcp-memory/internal/plugin/store/metrics"
	registryembed "github.com/chirino/mcp-memory/internal/registry/embed"
	registrymigrate "github.com/chirino/mcp-memory/internal/registry/migrate"
	registryroute "github.com/chirino/mcp-memory/internal/registry/route"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/security"
	"github.com/chirino/mcp-memory/internal/tools"
)

const serverName = "memory-mcp-ce"
const serverVersion = "1.0.0"

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.MemoryStore
	Embedder        registryembed.Embedder
	Provider        *oauth.Provider
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts serving.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting memory MCP server",
		"port", cfg.Listener.Port,
		"db", cfg.StoreType,
		"embedding", cfg.EmbedType,
		"namespace", cfg.StorageNamespace(),
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if cfg.MigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Initialize embedder. Loading probes the endpoint, so a bad embedding
	// configuration fails startup instead of the first store_memory call.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	// The per-dimension embedding table must exist before any tool call.
	if _, err := store.EnsureEmbeddingTable(ctx, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to ensure embedding table: %w", err)
	}

	enc := encryption.New(cfg.EncryptionPassword())
	if cfg.EncryptionEnabled() {
		log.Info("Content encryption enabled")
	} else {
		log.Info("Content encryption disabled (no ENCRYPTION_KEY)")
	}

	// OAuth provider restores its persisted clients and tokens from the store.
	provider := oauth.New(ctx, cfg, store)

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.Loaders(registryroute.RouteTypeMain) {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	oauthweb.Mount(router, cfg, provider)
	adminapi.Mount(router, cfg, store, enc)

	// MCP server and the streamable HTTP transport behind the auth middleware.
	hooks := &mcpserver.Hooks{}
	hooks.AddOnError(func(_ context.Context, id any, method mcp.MCPMethod, _ any, err error) {
		log.Error("MCP request failed", "id", id, "method", method, "error", err)
	})
	mcpSrv := mcpserver.NewMCPServer(serverName, serverVersion,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithLogging(),
		mcpserver.WithHooks(hooks),
		mcpserver.WithInstructions("Memory storage and retrieval MCP server with semantic search capabilities."),
	)
	tools.New(cfg, store, embedder, enc).Register(mcpSrv)

	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithStateLess(true),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return tools.WithSettingsHeader(ctx, r.Header.Get("MCP-Settings"))
		}),
	)
	mcpHandler := security.MCPAuthMiddleware(cfg, provider, streamable)
	router.Any("/mcp", gin.WrapH(mcpHandler))

	// Mount management route plugins. With a dedicated management port they run
	// on a bare gin engine served by the management listener; otherwise on the
	// main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.Loaders(registryroute.RouteTypeManagement) {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		mgmt, err := startHTTPServer("management", mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", mgmt.Addr)
		closeManagement = mgmt.Close
	} else {
		for _, loader := range registryroute.Loaders(registryroute.RouteTypeManagement) {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := startHTTPServer("main", cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Embedder:        embedder,
		Provider:        provider,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
