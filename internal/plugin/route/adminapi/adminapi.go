// Package adminapi serves the REST admin surface, currently the background
// re-embedding trigger. It is guarded by API_BEARER_TOKEN, a credential
// separate from the MCP bearer token; while unset the endpoint answers 404 as
// if it did not exist.
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/encryption"
	"github.com/chirino/mcp-memory/internal/plugin/embed/openai"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/service"
)

type generateRequest struct {
	EmbeddingURL    string  `json:"embedding_url"`
	EmbeddingModel  string  `json:"embedding_model"`
	EmbeddingAPIKey string  `json:"embedding_api_key"`
	EmbeddingDims   int     `json:"embedding_dims"`
	Namespace       *string `json:"namespace"`
}

// Mount registers the admin routes on the main gin engine.
func Mount(r *gin.Engine, cfg *config.Config, store registrystore.MemoryStore, enc *encryption.Encryptor) {
	r.POST("/api/embeddings/generate", func(c *gin.Context) {
		if cfg.APIBearerToken == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}
		if token != cfg.APIBearerToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API token"})
			return
		}

		var body generateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
			return
		}
		if body.EmbeddingURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: embedding_url"})
			return
		}
		if body.EmbeddingModel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: embedding_model"})
			return
		}

		// Absent namespace falls back to the configured one; an explicit empty
		// string means all namespaces.
		namespace := cfg.Namespace
		if body.Namespace != nil {
			namespace = *body.Namespace
		}
		var scope *string
		if namespace != "" {
			scope = &namespace
		}

		embedder, err := openai.New(c.Request.Context(),
			body.EmbeddingURL, body.EmbeddingModel, body.EmbeddingAPIKey, body.EmbeddingDims)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		dims := embedder.Dimension()
		table, err := store.EnsureEmbeddingTable(c.Request.Context(), dims)
		if err != nil {
			log.Error("Failed to ensure embedding table", "dims", dims, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Internal server error: %v", err)})
			return
		}

		worker := &service.Reembedder{
			Store:     store,
			Embed:     embedder,
			Enc:       enc,
			Table:     table,
			Namespace: scope,
		}
		// The job outlives the request.
		go worker.Run(context.Background())

		nsDisplay := namespace
		if nsDisplay == "" {
			nsDisplay = "(all namespaces)"
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status":          "processing",
			"message":         fmt.Sprintf("Re-embedding started in background for model '%s' (%dD)", body.EmbeddingModel, dims),
			"namespace":       nsDisplay,
			"embedding_table": table,
		})
	})
}
