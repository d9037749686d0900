package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/mcp-memory/internal/config"
)

func newTestRouter(apiToken string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.APIBearerToken = apiToken
	r := gin.New()
	Mount(r, &cfg, nil, nil)
	return r
}

func post(r *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/embeddings/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestEndpointHiddenWithoutAPIToken(t *testing.T) {
	r := newTestRouter("")
	rec := post(r, `{}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRejections(t *testing.T) {
	r := newTestRouter("secret")

	rec := post(r, `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing Authorization header")

	rec = post(r, `{}`, map[string]string{"Authorization": "Basic abc"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid Authorization header format")

	rec = post(r, `{}`, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid API token")
}

func TestRequestValidation(t *testing.T) {
	r := newTestRouter("secret")
	auth := map[string]string{"Authorization": "Bearer secret"}

	rec := post(r, `{not json`, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON body")

	rec = post(r, `{"embedding_model":"m"}`, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing required field: embedding_url")

	rec = post(r, `{"embedding_url":"http://localhost:9"}`, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing required field: embedding_model")
}
