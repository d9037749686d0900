package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	registryembed "github.com/chirino/mcp-memory/internal/registry/embed"
	"github.com/chirino/mcp-memory/internal/security"
	"github.com/chirino/mcp-memory/internal/timing"
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

// load builds the embedder and validates the endpoint by embedding a probe
// string. The detected vector dimension decides which memory_<D> table the
// service writes to, so a wrong endpoint must fail startup, not first use.
func load(ctx context.Context) (registryembed.Embedder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.EmbeddingURL == "" {
		return nil, fmt.Errorf("openai embedder: EMBEDDING_URL is required")
	}
	if cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("openai embedder: EMBEDDING_MODEL is required")
	}

	return New(ctx, cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingAPIKey, cfg.EmbeddingDims)
}

// New builds an Embedder for an explicit endpoint. The endpoint is always
// validated by embedding a probe string: the vector length decides which
// memory_<D> table the service writes to, so a requested dims the endpoint
// does not honor must fail here instead of on first use. When dims is 0 the
// dimension is taken from the probe. The admin re-embed endpoint uses this
// to build ad-hoc embedders outside the configured one.
func New(ctx context.Context, baseURL, model, apiKey string, dims int) (*Embedder, error) {
	if apiKey == "" {
		// Local inference servers ignore the key but the header must be present.
		apiKey = "dummy-key"
	}

	e := &Embedder{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		requestDims: dims,
		client:      &http.Client{Timeout: 60 * time.Second},
	}

	vec, err := e.EmbedText(ctx, "test")
	if err == nil && len(vec) == 0 {
		err = fmt.Errorf("model returned an empty embedding vector")
	}
	if err == nil && dims > 0 && len(vec) != dims {
		err = fmt.Errorf("model returned %d-dimensional vectors but %d were requested", len(vec), dims)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate embedding model '%s': %w (ensure EMBEDDING_URL points to a valid embedding endpoint)", e.model, err)
	}
	e.dims = len(vec)
	log.Info("Validated embedding model", "model", e.model, "dims", e.dims)
	return e, nil
}

// Embedder calls an OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	apiKey  string
	model   string
	baseURL string
	// dims is the validated vector length. requestDims is the explicitly
	// configured one, forwarded on every request; 0 leaves it to the model.
	dims        int
	requestDims int
	client      *http.Client
}

func (e *Embedder) ModelName() string {
	return e.model
}

func (e *Embedder) Dimension() int {
	return e.dims
}

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := e.embed(ctx, text)
	timing.FromContext(ctx).AddEmbed(time.Since(start))
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if security.EmbeddingRequestsTotal != nil {
		security.EmbeddingRequestsTotal.WithLabelValues(outcome).Inc()
	}
	return vec, err
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Input: text, Model: e.model, Dimensions: e.requestDims})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response (HTTP %d): %w", resp.StatusCode, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding endpoint error: %s", result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned HTTP %d", resp.StatusCode)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("model '%s' returned no embeddings", e.model)
	}
	return result.Data[0].Embedding, nil
}
