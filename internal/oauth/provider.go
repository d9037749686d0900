// Package oauth implements the bundled OAuth 2.1 authorization server:
// authorization-code flow with PKCE, mandatory refresh-token rotation,
// dynamic client registration and revocation. Tokens live in memory for the
// hot path and are persisted through the system-state K/V under hashed keys
// so restarts do not sign users out.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/security"
)

const (
	clientKeyPrefix          = "oauth:client:"
	accessTokenKeyPrefix     = "oauth:access_token:"
	refreshTokenKeyPrefix    = "oauth:refresh_token:"
	refreshToAccessKeyPrefix = "oauth:refresh_to_access:"

	// APIKeyClientID is the synthetic principal for the static BEARER_TOKEN.
	APIKeyClientID = "api_key_client"
)

// StateStore is the slice of the memory store the provider persists through.
type StateStore interface {
	SetState(ctx context.Context, key string, value any) error
	DeleteState(ctx context.Context, key string) error
	ListState(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

// Client is an OAuth client record, either the pre-registered default or a
// dynamically registered one (RFC 7591).
type Client struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// AllowsRedirectURI reports whether uri is on the client's allow-list.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

type authCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	ExpiresAt     time.Time
	Scopes        []string
	CodeChallenge string
	Resource      string
}

type accessToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
	Resource  string   `json:"resource,omitempty"`
}

type refreshToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
}

type authState struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scopes        []string
	Resource      string
	CreatedAt     time.Time
}

// TokenResponse is the /token success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

// Error is an RFC 6749 token/authorization endpoint error.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidGrant(desc string) *Error  { return &Error{Code: "invalid_grant", Description: desc} }
func invalidClient(desc string) *Error { return &Error{Code: "invalid_client", Description: desc} }

// Provider is the bundled authorization server. One mutex guards every map;
// persistence happens inside the same critical section as the in-memory
// mutation so an observer never sees a persisted token absent from memory.
type Provider struct {
	cfg   *config.Config
	store StateStore

	mu              sync.Mutex
	clients         map[string]*Client
	authCodes       map[string]*authCode
	accessTokens    map[string]*accessToken
	refreshTokens   map[string]*refreshToken
	refreshToAccess map[string]string
	states          map[string]*authState
}

// New builds the provider, restores persisted sessions and pre-registers the
// default client from config.
func New(ctx context.Context, cfg *config.Config, store StateStore) *Provider {
	p := &Provider{
		cfg:             cfg,
		store:           store,
		clients:         map[string]*Client{},
		authCodes:       map[string]*authCode{},
		accessTokens:    map[string]*accessToken{},
		refreshTokens:   map[string]*refreshToken{},
		refreshToAccess: map[string]string{},
		states:          map[string]*authState{},
	}
	p.restore(ctx)
	p.registerDefaultClient(ctx)
	return p
}

// registerDefaultClient pre-registers the configured client so fixed-id
// clients work without a dynamic registration step.
func (p *Provider) registerDefaultClient(_ context.Context) {
	authMethod := "none"
	if p.cfg.OAuthClientSecret != "" {
		authMethod = "client_secret_post"
	}
	client := &Client{
		ClientID:                p.cfg.OAuthClientID,
		ClientSecret:            p.cfg.OAuthClientSecret,
		RedirectURIs:            p.cfg.RedirectURIs(),
		ClientName:              "Memory MCP-CE Default Client",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		Scope:                   "mcp",
	}
	p.mu.Lock()
	p.clients[client.ClientID] = client
	p.mu.Unlock()
	log.Info("Pre-registered default OAuth client",
		"clientId", client.ClientID, "redirectUris", client.RedirectURIs)
}

// restore loads persisted clients, tokens and mappings, purging anything
// already expired.
func (p *Provider) restore(ctx context.Context) {
	if p.store == nil {
		return
	}
	now := time.Now().Unix()
	var clients, access, refresh int

	rows, err := p.store.ListState(ctx, clientKeyPrefix)
	if err != nil {
		log.Warn("Failed to load persisted OAuth clients", "err", err)
	}
	for key, raw := range rows {
		var c Client
		if err := json.Unmarshal(raw, &c); err != nil || c.ClientID == "" {
			log.Warn("Dropping unreadable persisted OAuth client", "key", key)
			continue
		}
		p.clients[c.ClientID] = &c
		clients++
	}

	rows, err = p.store.ListState(ctx, accessTokenKeyPrefix)
	if err != nil {
		log.Warn("Failed to load persisted access tokens", "err", err)
	}
	for key, raw := range rows {
		var t accessToken
		if err := json.Unmarshal(raw, &t); err != nil || t.Token == "" {
			log.Warn("Dropping unreadable persisted access token", "key", key)
			continue
		}
		if t.ExpiresAt > 0 && t.ExpiresAt < now {
			_ = p.store.DeleteState(ctx, key)
			continue
		}
		p.accessTokens[t.Token] = &t
		access++
	}

	rows, err = p.store.ListState(ctx, refreshTokenKeyPrefix)
	if err != nil {
		log.Warn("Failed to load persisted refresh tokens", "err", err)
	}
	for key, raw := range rows {
		var t refreshToken
		if err := json.Unmarshal(raw, &t); err != nil || t.Token == "" {
			log.Warn("Dropping unreadable persisted refresh token", "key", key)
			continue
		}
		if t.ExpiresAt > 0 && t.ExpiresAt < now {
			_ = p.store.DeleteState(ctx, key)
			continue
		}
		p.refreshTokens[t.Token] = &t
		refresh++
	}

	rows, err = p.store.ListState(ctx, refreshToAccessKeyPrefix)
	if err != nil {
		log.Warn("Failed to load persisted token mappings", "err", err)
	}
	for key, raw := range rows {
		var m struct {
			RefreshToken string `json:"refresh_token"`
			AccessToken  string `json:"access_token"`
		}
		if err := json.Unmarshal(raw, &m); err != nil || m.RefreshToken == "" {
			log.Warn("Dropping unreadable persisted token mapping", "key", key)
			continue
		}
		if _, ok := p.refreshTokens[m.RefreshToken]; !ok {
			_ = p.store.DeleteState(ctx, key)
			continue
		}
		p.refreshToAccess[m.RefreshToken] = m.AccessToken
	}

	if clients+access+refresh > 0 {
		log.Info("Restored OAuth sessions",
			"clients", clients, "accessTokens", access, "refreshTokens", refresh)
	} else {
		log.Info("No persisted OAuth sessions found")
	}
}

// hash16 derives the persistence key suffix for a token: the first 16 hex
// characters of its SHA-256. The raw token never appears in a key.
func hash16(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

func newAuthCodeValue() string     { return "mcp_" + randomHex(16) }
func newAccessTokenValue() string  { return "mcp_" + randomHex(32) }
func newRefreshTokenValue() string { return "mcp_refresh_" + randomHex(32) }

// persistAccessToken / persistRefreshToken run with p.mu held.
func (p *Provider) persistAccessToken(ctx context.Context, t *accessToken) {
	if p.store == nil {
		return
	}
	if err := p.store.SetState(ctx, accessTokenKeyPrefix+hash16(t.Token), t); err != nil {
		log.Warn("Failed to persist access token", "err", err)
	}
}

func (p *Provider) persistRefreshToken(ctx context.Context, t *refreshToken, access string) {
	if p.store == nil {
		return
	}
	if err := p.store.SetState(ctx, refreshTokenKeyPrefix+hash16(t.Token), t); err != nil {
		log.Warn("Failed to persist refresh token", "err", err)
	}
	mapping := map[string]string{"refresh_token": t.Token, "access_token": access}
	if err := p.store.SetState(ctx, refreshToAccessKeyPrefix+hash16(t.Token), mapping); err != nil {
		log.Warn("Failed to persist token mapping", "err", err)
	}
}

func (p *Provider) unpersist(ctx context.Context, key string) {
	if p.store == nil {
		return
	}
	if err := p.store.DeleteState(ctx, key); err != nil {
		log.Warn("Failed to delete persisted OAuth row", "key", key, "err", err)
	}
}

// GetClient returns the registered client or nil.
func (p *Provider) GetClient(clientID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[clientID]
}

// RegisterClient stores a dynamically registered client (RFC 7591).
func (p *Provider) RegisterClient(ctx context.Context, c *Client) error {
	if c.ClientID == "" {
		return fmt.Errorf("no client_id provided")
	}
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{"code"}
	}
	if c.TokenEndpointAuthMethod == "" {
		if c.ClientSecret != "" {
			c.TokenEndpointAuthMethod = "client_secret_post"
		} else {
			c.TokenEndpointAuthMethod = "none"
		}
	}
	p.mu.Lock()
	p.clients[c.ClientID] = c
	if p.store != nil {
		if err := p.store.SetState(ctx, clientKeyPrefix+c.ClientID, c); err != nil {
			log.Warn("Failed to persist OAuth client", "clientId", c.ClientID, "err", err)
		}
	}
	p.mu.Unlock()
	log.Info("OAuth client registered", "clientId", c.ClientID)
	return nil
}

// authenticateClient checks the presented client credentials for a
// confidential client; public clients pass with no secret.
func (p *Provider) authenticateClient(c *Client, secret string) *Error {
	if c.TokenEndpointAuthMethod == "none" {
		return nil
	}
	if secret == "" || secret != c.ClientSecret {
		return invalidClient("client authentication failed")
	}
	return nil
}

// verifyPKCE checks an S256 code verifier against the recorded challenge.
// Codes minted without a challenge skip verification.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

// ResolveAccessToken implements security.AccessTokenResolver. The static
// BEARER_TOKEN wins over the OAuth map and never expires.
func (p *Provider) ResolveAccessToken(ctx context.Context, token string) (*security.Identity, bool) {
	if p.cfg.BearerToken != "" && token == p.cfg.BearerToken {
		return &security.Identity{ClientID: APIKeyClientID, Scopes: []string{"mcp"}}, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.accessTokens[token]
	if !ok {
		return nil, false
	}
	if t.ExpiresAt > 0 && t.ExpiresAt < time.Now().Unix() {
		delete(p.accessTokens, token)
		p.unpersist(ctx, accessTokenKeyPrefix+hash16(token))
		return nil, false
	}
	return &security.Identity{ClientID: t.ClientID, Scopes: t.Scopes}, true
}
