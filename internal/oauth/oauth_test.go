package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/chirino/mcp-memory/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStateStore is an in-memory system-state K/V for provider tests.
type fakeStateStore struct {
	rows map[string]json.RawMessage
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{rows: map[string]json.RawMessage{}}
}

func (f *fakeStateStore) SetState(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.rows[key] = raw
	return nil
}

func (f *fakeStateStore) DeleteState(_ context.Context, key string) error {
	delete(f.rows, key)
	return nil
}

func (f *fakeStateStore) ListState(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	for k, v := range f.rows {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerURL = "http://localhost:5005"
	cfg.OAuthBundled = true
	cfg.OAuthUsername = "admin"
	cfg.OAuthPassword = "hunter2"
	cfg.OAuthRedirectURIs = "http://localhost/callback"
	return &cfg
}

// runCodeFlow walks authorize → login → code exchange and returns the tokens.
func runCodeFlow(t *testing.T, p *Provider, verifierChallenge ...string) *TokenResponse {
	t.Helper()
	var challenge, verifier string
	if len(verifierChallenge) == 2 {
		challenge, verifier = verifierChallenge[0], verifierChallenge[1]
	}

	loginURL, oerr := p.Authorize(AuthorizeRequest{
		ClientID:      "memory-mcp-ce",
		RedirectURI:   "http://localhost/callback",
		ResponseType:  "code",
		State:         "state-1",
		CodeChallenge: challenge,
	})
	require.Nil(t, oerr)
	require.Contains(t, loginURL, "/login?state=state-1")
	require.True(t, p.HasState("state-1"))

	redirect, err := p.Login("admin", "hunter2", "state-1")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.True(t, strings.HasPrefix(code, "mcp_"))
	assert.Equal(t, "state-1", u.Query().Get("state"))

	resp, oerr := p.ExchangeCode(context.Background(), "memory-mcp-ce", "", code, "http://localhost/callback", verifier)
	require.Nil(t, oerr)
	return resp
}

func TestCodeFlowIssuesTokens(t *testing.T) {
	store := newFakeStateStore()
	p := New(context.Background(), testConfig(), store)

	resp := runCodeFlow(t, p)
	assert.True(t, strings.HasPrefix(resp.AccessToken, "mcp_"))
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "mcp_refresh_"))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "mcp", resp.Scope)

	// The access token resolves to the issuing client.
	id, ok := p.ResolveAccessToken(context.Background(), resp.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "memory-mcp-ce", id.ClientID)
	assert.True(t, id.HasScope("mcp"))

	// Tokens are persisted under hashed keys, never under the raw value.
	for key := range store.rows {
		assert.NotContains(t, key, resp.AccessToken)
		assert.NotContains(t, key, resp.RefreshToken)
	}
	assert.Contains(t, store.rows, accessTokenKeyPrefix+hash16(resp.AccessToken))
	assert.Contains(t, store.rows, refreshTokenKeyPrefix+hash16(resp.RefreshToken))
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())

	_, oerr := p.Authorize(AuthorizeRequest{
		ClientID: "memory-mcp-ce", RedirectURI: "http://localhost/callback",
		ResponseType: "code", State: "s",
	})
	require.Nil(t, oerr)
	redirect, err := p.Login("admin", "hunter2", "s")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	code := u.Query().Get("code")

	_, oerr = p.ExchangeCode(context.Background(), "memory-mcp-ce", "", code, "http://localhost/callback", "")
	require.Nil(t, oerr)
	_, oerr = p.ExchangeCode(context.Background(), "memory-mcp-ce", "", code, "http://localhost/callback", "")
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)
}

func TestPKCE(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())

	verifier := "a-very-long-code-verifier-string-for-tests"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	resp := runCodeFlow(t, p, challenge, verifier)
	assert.NotEmpty(t, resp.AccessToken)

	// A wrong verifier is rejected.
	_, oerr := p.Authorize(AuthorizeRequest{
		ClientID: "memory-mcp-ce", RedirectURI: "http://localhost/callback",
		ResponseType: "code", State: "s2", CodeChallenge: challenge,
	})
	require.Nil(t, oerr)
	redirect, err := p.Login("admin", "hunter2", "s2")
	require.NoError(t, err)
	u, _ := url.Parse(redirect)
	_, oerr = p.ExchangeCode(context.Background(), "memory-mcp-ce", "", u.Query().Get("code"), "http://localhost/callback", "wrong")
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())
	_, oerr := p.Authorize(AuthorizeRequest{
		ClientID: "memory-mcp-ce", RedirectURI: "http://localhost/callback",
		ResponseType: "code", State: "s",
	})
	require.Nil(t, oerr)

	_, err := p.Login("admin", "wrong", "s")
	assert.Error(t, err)
	// The state survives a failed attempt so the user can retry.
	assert.True(t, p.HasState("s"))
}

func TestRefreshRotationInvalidatesOldPair(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())
	first := runCodeFlow(t, p)

	second, oerr := p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", first.RefreshToken, nil)
	require.Nil(t, oerr)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old pair is dead.
	_, ok := p.ResolveAccessToken(context.Background(), first.AccessToken)
	assert.False(t, ok)
	_, oerr = p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", first.RefreshToken, nil)
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_grant", oerr.Code)

	// The new pair works.
	_, ok = p.ResolveAccessToken(context.Background(), second.AccessToken)
	assert.True(t, ok)
}

func TestRefreshRejectsScopeWidening(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())
	first := runCodeFlow(t, p)

	_, oerr := p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", first.RefreshToken, []string{"mcp", "admin"})
	require.NotNil(t, oerr)
	assert.Contains(t, oerr.Description, "Cannot request scope 'admin' not in original grant")

	// Narrowing to a subset succeeds.
	resp, oerr := p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", first.RefreshToken, []string{"mcp"})
	require.Nil(t, oerr)
	assert.Equal(t, "mcp", resp.Scope)
}

func TestRevokeCascades(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())

	// Revoking the refresh token kills the access token too.
	pair := runCodeFlow(t, p)
	p.Revoke(context.Background(), pair.RefreshToken)
	_, ok := p.ResolveAccessToken(context.Background(), pair.AccessToken)
	assert.False(t, ok)
	_, oerr := p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", pair.RefreshToken, nil)
	assert.NotNil(t, oerr)

	// Unknown tokens are a silent no-op.
	p.Revoke(context.Background(), "mcp_does_not_exist")
}

func TestRevokeAccessTokenCascadesToRefresh(t *testing.T) {
	store := newFakeStateStore()
	p := New(context.Background(), testConfig(), store)

	pair := runCodeFlow(t, p)
	p.Revoke(context.Background(), pair.AccessToken)
	_, oerr := p.ExchangeRefresh(context.Background(), "memory-mcp-ce", "", pair.RefreshToken, nil)
	require.NotNil(t, oerr)

	// Nothing of the pair remains persisted.
	assert.NotContains(t, store.rows, accessTokenKeyPrefix+hash16(pair.AccessToken))
	assert.NotContains(t, store.rows, refreshTokenKeyPrefix+hash16(pair.RefreshToken))
}

func TestAPIKeyPriority(t *testing.T) {
	cfg := testConfig()
	cfg.BearerToken = "static-api-key"
	p := New(context.Background(), cfg, newFakeStateStore())

	id, ok := p.ResolveAccessToken(context.Background(), "static-api-key")
	require.True(t, ok)
	assert.Equal(t, APIKeyClientID, id.ClientID)
	assert.True(t, id.HasScope("mcp"))

	_, ok = p.ResolveAccessToken(context.Background(), "not-a-token")
	assert.False(t, ok)
}

func TestRestorePurgesExpired(t *testing.T) {
	store := newFakeStateStore()
	ctx := context.Background()

	live := &accessToken{Token: "mcp_live", ClientID: "c", Scopes: []string{"mcp"},
		ExpiresAt: time.Now().Add(time.Hour).Unix()}
	dead := &accessToken{Token: "mcp_dead", ClientID: "c", Scopes: []string{"mcp"},
		ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	require.NoError(t, store.SetState(ctx, accessTokenKeyPrefix+hash16(live.Token), live))
	require.NoError(t, store.SetState(ctx, accessTokenKeyPrefix+hash16(dead.Token), dead))

	p := New(ctx, testConfig(), store)

	_, ok := p.ResolveAccessToken(ctx, "mcp_live")
	assert.True(t, ok)
	_, ok = p.ResolveAccessToken(ctx, "mcp_dead")
	assert.False(t, ok)
	assert.NotContains(t, store.rows, accessTokenKeyPrefix+hash16(dead.Token))
}

func TestDynamicClientRegistration(t *testing.T) {
	store := newFakeStateStore()
	p := New(context.Background(), testConfig(), store)

	c := &Client{ClientID: "dyn-1", RedirectURIs: []string{"http://localhost/cb"}}
	require.NoError(t, p.RegisterClient(context.Background(), c))
	assert.Equal(t, "none", c.TokenEndpointAuthMethod)
	assert.Contains(t, store.rows, clientKeyPrefix+"dyn-1")

	// A restarted provider sees the registered client again.
	p2 := New(context.Background(), testConfig(), store)
	assert.NotNil(t, p2.GetClient("dyn-1"))
}

func TestAuthorizeValidation(t *testing.T) {
	p := New(context.Background(), testConfig(), newFakeStateStore())

	_, oerr := p.Authorize(AuthorizeRequest{ClientID: "nope", RedirectURI: "http://localhost/callback", ResponseType: "code"})
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_client", oerr.Code)

	_, oerr = p.Authorize(AuthorizeRequest{ClientID: "memory-mcp-ce", RedirectURI: "http://evil.example/cb", ResponseType: "code"})
	require.NotNil(t, oerr)
	assert.Equal(t, "invalid_request", oerr.Code)

	_, oerr = p.Authorize(AuthorizeRequest{ClientID: "memory-mcp-ce", RedirectURI: "http://localhost/callback", ResponseType: "token"})
	require.NotNil(t, oerr)
	assert.Equal(t, "unsupported_response_type", oerr.Code)
}
