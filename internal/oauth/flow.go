package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// AuthorizeRequest carries the validated /authorize query parameters.
type AuthorizeRequest struct {
	ClientID      string
	RedirectURI   string
	ResponseType  string
	State         string
	CodeChallenge string
	Scopes        []string
	Resource      string
}

// Authorize starts an authorization flow: validates the client and redirect
// URI, records the CSRF state and returns the login URL to send the browser
// to.
func (p *Provider) Authorize(req AuthorizeRequest) (string, *Error) {
	client := p.GetClient(req.ClientID)
	if client == nil {
		return "", invalidClient(fmt.Sprintf("unknown client_id '%s'", req.ClientID))
	}
	if req.ResponseType != "code" {
		return "", &Error{Code: "unsupported_response_type", Description: "only response_type=code is supported"}
	}
	if req.RedirectURI == "" || !client.AllowsRedirectURI(req.RedirectURI) {
		return "", &Error{Code: "invalid_request", Description: "redirect_uri not allowed for this client"}
	}

	state := req.State
	if state == "" {
		state = randomHex(16)
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{"mcp"}
	}

	p.mu.Lock()
	p.states[state] = &authState{
		ClientID:      client.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scopes:        scopes,
		Resource:      req.Resource,
		CreatedAt:     time.Now(),
	}
	p.mu.Unlock()

	loginURL := fmt.Sprintf("%s/login?state=%s", strings.TrimRight(p.cfg.ServerURL, "/"), url.QueryEscape(state))
	if client.ClientID != "" {
		loginURL += "&client_id=" + url.QueryEscape(client.ClientID)
	}
	log.Info("Authorization requested", "clientId", client.ClientID)
	return loginURL, nil
}

// HasState reports whether state belongs to a pending authorization flow.
func (p *Provider) HasState(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.states[state]
	return ok
}

// Login checks the submitted credentials against the configured user. On
// success it mints an authorization code and returns the client redirect URL
// carrying code and state; the state entry is consumed.
func (p *Provider) Login(username, password, state string) (string, error) {
	if p.cfg.OAuthUsername == "" || p.cfg.OAuthPassword == "" {
		return "", fmt.Errorf("OAuth credentials not configured")
	}
	if username != p.cfg.OAuthUsername || password != p.cfg.OAuthPassword {
		log.Warn("Authentication failed", "username", username)
		return "", fmt.Errorf("invalid username or password")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[state]
	if !ok {
		return "", fmt.Errorf("invalid or expired state")
	}
	delete(p.states, state)

	code := newAuthCodeValue()
	p.authCodes[code] = &authCode{
		Code:          code,
		ClientID:      st.ClientID,
		RedirectURI:   st.RedirectURI,
		ExpiresAt:     time.Now().Add(time.Duration(p.cfg.OAuthAuthCodeExpiry) * time.Second),
		Scopes:        st.Scopes,
		CodeChallenge: st.CodeChallenge,
		Resource:      st.Resource,
	}

	redirect, err := url.Parse(st.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI recorded for state")
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", state)
	redirect.RawQuery = q.Encode()
	log.Info("User authenticated", "username", username, "clientId", st.ClientID)
	return redirect.String(), nil
}

// ExchangeCode implements the authorization_code grant: single-use code,
// expiry, client binding, redirect URI match and PKCE S256 verification.
func (p *Provider) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI, codeVerifier string) (*TokenResponse, *Error) {
	client := p.GetClient(clientID)
	if client == nil {
		return nil, invalidClient(fmt.Sprintf("unknown client_id '%s'", clientID))
	}
	if err := p.authenticateClient(client, clientSecret); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ac, ok := p.authCodes[code]
	if !ok {
		return nil, invalidGrant("invalid authorization code")
	}
	if time.Now().After(ac.ExpiresAt) {
		delete(p.authCodes, code)
		return nil, invalidGrant("authorization code expired")
	}
	if ac.ClientID != clientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if redirectURI != "" && redirectURI != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if !verifyPKCE(ac.CodeChallenge, codeVerifier) {
		return nil, invalidGrant("PKCE verification failed")
	}
	delete(p.authCodes, code)

	resp := p.issueTokens(ctx, clientID, ac.Scopes, ac.Resource)
	log.Info("Access and refresh tokens issued", "clientId", clientID,
		"accessExpiry", p.cfg.OAuthAccessTokenExpiry, "refreshExpiry", p.cfg.OAuthRefreshTokenExpiry)
	return resp, nil
}

// ExchangeRefresh implements the refresh_token grant with mandatory rotation:
// the presented refresh token and its mapped access token are invalidated and
// a fresh pair is issued. Requested scopes may only narrow the original grant.
func (p *Provider) ExchangeRefresh(ctx context.Context, clientID, clientSecret, token string, scopes []string) (*TokenResponse, *Error) {
	client := p.GetClient(clientID)
	if client == nil {
		return nil, invalidClient(fmt.Sprintf("unknown client_id '%s'", clientID))
	}
	if err := p.authenticateClient(client, clientSecret); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rt, ok := p.refreshTokens[token]
	if !ok {
		return nil, invalidGrant("invalid refresh token")
	}
	if rt.ClientID != clientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}
	if rt.ExpiresAt > 0 && rt.ExpiresAt < time.Now().Unix() {
		delete(p.refreshTokens, token)
		delete(p.refreshToAccess, token)
		p.unpersist(ctx, refreshTokenKeyPrefix+hash16(token))
		p.unpersist(ctx, refreshToAccessKeyPrefix+hash16(token))
		return nil, invalidGrant("refresh token expired")
	}

	granted := rt.Scopes
	if len(scopes) > 0 {
		for _, s := range scopes {
			if !containsScope(rt.Scopes, s) {
				return nil, invalidGrant(fmt.Sprintf("Cannot request scope '%s' not in original grant", s))
			}
		}
		granted = scopes
	}

	// Rotation: drop the presented pair before issuing the new one.
	oldAccess := p.refreshToAccess[token]
	delete(p.refreshTokens, token)
	delete(p.refreshToAccess, token)
	p.unpersist(ctx, refreshTokenKeyPrefix+hash16(token))
	p.unpersist(ctx, refreshToAccessKeyPrefix+hash16(token))
	if oldAccess != "" {
		delete(p.accessTokens, oldAccess)
		p.unpersist(ctx, accessTokenKeyPrefix+hash16(oldAccess))
	}

	resp := p.issueTokens(ctx, clientID, granted, "")
	log.Info("Tokens rotated", "clientId", clientID)
	return resp, nil
}

// issueTokens mints, records and persists a new access/refresh pair.
// Runs with p.mu held.
func (p *Provider) issueTokens(ctx context.Context, clientID string, scopes []string, resource string) *TokenResponse {
	now := time.Now().Unix()
	at := &accessToken{
		Token:     newAccessTokenValue(),
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now + int64(p.cfg.OAuthAccessTokenExpiry),
		Resource:  resource,
	}
	rt := &refreshToken{
		Token:     newRefreshTokenValue(),
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now + int64(p.cfg.OAuthRefreshTokenExpiry),
	}
	p.accessTokens[at.Token] = at
	p.refreshTokens[rt.Token] = rt
	p.refreshToAccess[rt.Token] = at.Token
	p.persistAccessToken(ctx, at)
	p.persistRefreshToken(ctx, rt, at.Token)

	return &TokenResponse{
		AccessToken:  at.Token,
		TokenType:    "Bearer",
		ExpiresIn:    p.cfg.OAuthAccessTokenExpiry,
		Scope:        strings.Join(scopes, " "),
		RefreshToken: rt.Token,
	}
}

// Revoke removes a token of either kind and cascades to its partner:
// revoking a refresh token drops its access token, revoking an access token
// drops every refresh token mapped to it. Unknown tokens are a no-op
// (RFC 7009 requires 200 regardless).
func (p *Provider) Revoke(ctx context.Context, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.refreshTokens[token]; ok {
		access := p.refreshToAccess[token]
		delete(p.refreshTokens, token)
		delete(p.refreshToAccess, token)
		p.unpersist(ctx, refreshTokenKeyPrefix+hash16(token))
		p.unpersist(ctx, refreshToAccessKeyPrefix+hash16(token))
		if access != "" {
			delete(p.accessTokens, access)
			p.unpersist(ctx, accessTokenKeyPrefix+hash16(access))
		}
		log.Info("Refresh token revoked")
		return
	}

	if _, ok := p.accessTokens[token]; ok {
		delete(p.accessTokens, token)
		p.unpersist(ctx, accessTokenKeyPrefix+hash16(token))
		for rt, at := range p.refreshToAccess {
			if at != token {
				continue
			}
			delete(p.refreshTokens, rt)
			delete(p.refreshToAccess, rt)
			p.unpersist(ctx, refreshTokenKeyPrefix+hash16(rt))
			p.unpersist(ctx, refreshToAccessKeyPrefix+hash16(rt))
		}
		log.Info("Access token revoked")
	}
}

func containsScope(scopes []string, s string) bool {
	for _, scope := range scopes {
		if scope == s {
			return true
		}
	}
	return false
}
