package oauthweb

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/oauth"
)

type memStateStore struct {
	mu    sync.Mutex
	state map[string]json.RawMessage
}

func (s *memStateStore) SetState(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = map[string]json.RawMessage{}
	}
	s.state[key] = raw
	return nil
}

func (s *memStateStore) DeleteState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *memStateStore) ListState(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]json.RawMessage{}
	for k, v := range s.state {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.ServerURL = "http://localhost:5005"
	cfg.OAuthBundled = true
	cfg.OAuthUsername = "admin"
	cfg.OAuthPassword = "hunter2"
	cfg.OAuthRedirectURIs = "http://localhost/callback"

	provider := oauth.New(t.Context(), &cfg, &memStateStore{})
	r := gin.New()
	Mount(r, &cfg, provider)
	return r
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func postForm(r *gin.Engine, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizationServerMetadata(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "http://localhost:5005", doc["issuer"])
	assert.Equal(t, "http://localhost:5005/token", doc["token_endpoint"])
	assert.Contains(t, doc["code_challenge_methods_supported"], "S256")
}

func TestProtectedResourceMetadata(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/.well-known/oauth-protected-resource")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "http://localhost:5005", doc["resource"])
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	r := newTestRouter(t)

	verifier := "test-verifier-test-verifier-test-verifier-1"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	rec := get(r, "/authorize?client_id=memory-mcp-ce&redirect_uri="+
		url.QueryEscape("http://localhost/callback")+
		"&response_type=code&state=client-xyz&scope=mcp&code_challenge="+challenge)
	require.Equal(t, http.StatusFound, rec.Code)

	loginURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loginURL.Query().Get("state")
	require.NotEmpty(t, state)

	// The login page renders for a valid state.
	rec = get(r, "/login?state="+url.QueryEscape(state))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "form")

	rec = postForm(r, "/login/callback", url.Values{
		"username": {"admin"},
		"password": {"hunter2"},
		"state":    {state},
	})
	require.Equal(t, http.StatusFound, rec.Code)
	successURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/auth/success", successURL.Path)

	clientRedirect, err := url.Parse(successURL.Query().Get("redirect"))
	require.NoError(t, err)
	code := clientRedirect.Query().Get("code")
	require.True(t, strings.HasPrefix(code, "mcp_"))
	assert.Equal(t, "client-xyz", clientRedirect.Query().Get("state"))

	rec = postForm(r, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"memory-mcp-ce"},
		"code":          {code},
		"redirect_uri":  {"http://localhost/callback"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.True(t, strings.HasPrefix(tokens.AccessToken, "mcp_"))
	assert.True(t, strings.HasPrefix(tokens.RefreshToken, "mcp_refresh_"))
	assert.Equal(t, "Bearer", tokens.TokenType)

	// Refresh rotation over HTTP.
	rec = postForm(r, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"memory-mcp-ce"},
		"refresh_token": {tokens.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, tokens.AccessToken, rotated.AccessToken)
}

func TestTokenRejectsUnknownGrant(t *testing.T) {
	r := newTestRouter(t)

	rec := postForm(r, "/token", url.Values{"grant_type": {"password"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestLoginRequiresValidState(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/login")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid or missing state parameter")

	rec = get(r, "/login?state=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginCallbackWrongPasswordRerendersForm(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/authorize?client_id=memory-mcp-ce&redirect_uri=" +
		url.QueryEscape("http://localhost/callback") + "&response_type=code")
	require.Equal(t, http.StatusFound, rec.Code)
	loginURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	rec = postForm(r, "/login/callback", url.Values{
		"username": {"admin"},
		"password": {"wrong"},
		"state":    {loginURL.Query().Get("state")},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")
}

func TestDynamicClientRegistration(t *testing.T) {
	r := newTestRouter(t)

	body := `{"redirect_uris":["http://localhost/cb2"],"client_name":"test","token_endpoint_auth_method":"client_secret_post"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var client oauth.Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &client))
	assert.NotEmpty(t, client.ClientID)
	assert.NotEmpty(t, client.ClientSecret)
	assert.Equal(t, "mcp", client.Scope)
}

func TestRegisterRequiresRedirectURIs(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"client_name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_redirect_uri")
}

func TestRevokeAlwaysSucceeds(t *testing.T) {
	r := newTestRouter(t)

	rec := postForm(r, "/revoke", url.Values{"token": {"mcp_does_not_exist"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticFileNotFound(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/static/css/missing.css")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Static file not found: css/missing.css", rec.Body.String())
}

func TestStaticServesEmbeddedCSS(t *testing.T) {
	r := newTestRouter(t)

	rec := get(r, "/static/css/oauth.css")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
}
