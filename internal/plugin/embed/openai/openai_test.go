package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, calls *atomic.Int32, vector []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/embeddings", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Authorization"))

		var body struct {
			Input      string `json:"input"`
			Model      string `json:"model"`
			Dimensions int    `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body.Model)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vector}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDetectsDimension(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, []float32{0.1, 0.2, 0.3})

	e, err := New(t.Context(), srv.URL, "test-model", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimension())
	assert.Equal(t, "test-model", e.ModelName())
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewValidatesConfiguredDims(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, []float32{0.1, 0.2, 0.3})

	e, err := New(t.Context(), srv.URL, "test-model", "key", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimension())
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewRejectsDimensionMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, []float32{0.1, 0.2, 0.3, 0.4})

	// An endpoint that ignores the requested dimensionality must fail
	// construction: memory_8 would be created while writes target memory_4.
	_, err := New(t.Context(), srv.URL, "test-model", "", 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to validate embedding model 'test-model'")
	assert.Contains(t, err.Error(), "returned 4-dimensional vectors but 8 were requested")
}

func TestEmbedForwardsConfiguredDimensions(t *testing.T) {
	var gotDims atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Dimensions int `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotDims.Store(int32(body.Dimensions))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 0, 0}}},
		})
	}))
	t.Cleanup(srv.Close)

	_, err := New(t.Context(), srv.URL, "test-model", "", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(3), gotDims.Load())
}

func TestEmbedText(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, []float32{1, 0})

	e, err := New(t.Context(), srv.URL, "test-model", "", 2)
	require.NoError(t, err)

	vec, err := e.EmbedText(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestNewReportsEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model not found"},
		})
	}))
	t.Cleanup(srv.Close)

	_, err := New(t.Context(), srv.URL, "nope", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to validate embedding model 'nope'")
	assert.Contains(t, err.Error(), "model not found")
}
