// Package oauthweb serves the HTTP surface of the bundled OAuth provider:
// the RFC 8414 metadata documents, the authorization and token endpoints,
// dynamic registration, revocation and the embedded login pages.
package oauthweb

import (
	"embed"
	"html/template"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/oauth"
)

//go:embed templates static
var assets embed.FS

var pageTemplate = template.Must(template.ParseFS(assets, "templates/oauth.html"))

type pageData struct {
	State        string
	FormAction   string
	CSRFState    string
	ErrorMessage string
	Username     string
	RedirectURL  string
}

// Mount registers the OAuth endpoints on the main gin engine. The static
// route is always mounted (the pages reference it); the flow endpoints only
// when bundled OAuth is enabled.
func Mount(r *gin.Engine, cfg *config.Config, provider *oauth.Provider) {
	r.GET("/static/*filepath", serveStatic)
	if !cfg.OAuthBundled {
		return
	}

	base := strings.TrimRight(cfg.ServerURL, "/")

	r.GET("/.well-known/oauth-authorization-server", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"issuer":                                base,
			"authorization_endpoint":                base + "/authorize",
			"token_endpoint":                        base + "/token",
			"registration_endpoint":                 base + "/register",
			"revocation_endpoint":                   base + "/revoke",
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"code_challenge_methods_supported":      []string{"S256"},
			"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
			"scopes_supported":                      []string{"mcp"},
		})
	})

	r.GET("/.well-known/oauth-protected-resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"resource":                 base,
			"authorization_servers":    []string{base},
			"scopes_supported":         []string{"mcp"},
			"bearer_methods_supported": []string{"header"},
		})
	})

	r.GET("/authorize", func(c *gin.Context) {
		req := oauth.AuthorizeRequest{
			ClientID:      c.Query("client_id"),
			RedirectURI:   c.Query("redirect_uri"),
			ResponseType:  c.Query("response_type"),
			State:         c.Query("state"),
			CodeChallenge: c.Query("code_challenge"),
			Resource:      c.Query("resource"),
		}
		if scope := strings.TrimSpace(c.Query("scope")); scope != "" {
			req.Scopes = strings.Fields(scope)
		}
		loginURL, oerr := provider.Authorize(req)
		if oerr != nil {
			c.JSON(http.StatusBadRequest, oerr)
			return
		}
		c.Redirect(http.StatusFound, loginURL)
	})

	r.GET("/login", func(c *gin.Context) {
		state := c.Query("state")
		if state == "" || !provider.HasState(state) {
			c.String(http.StatusBadRequest, "Error: Invalid or missing state parameter")
			return
		}
		renderPage(c, http.StatusOK, pageData{
			State:      "login",
			FormAction: base + "/login/callback",
			CSRFState:  state,
		})
	})

	r.POST("/login/callback", func(c *gin.Context) {
		username := c.PostForm("username")
		password := c.PostForm("password")
		state := c.PostForm("state")
		if username == "" || password == "" || state == "" {
			c.String(http.StatusBadRequest, "Error: Missing username, password, or state")
			return
		}
		redirect, err := provider.Login(username, password, state)
		if err != nil {
			renderPage(c, http.StatusUnauthorized, pageData{
				State:        "error",
				FormAction:   base + "/login/callback",
				CSRFState:    state,
				ErrorMessage: "Invalid username or password",
				Username:     username,
			})
			return
		}
		c.Redirect(http.StatusFound, base+"/auth/success?redirect="+url.QueryEscape(redirect))
	})

	r.GET("/auth/success", func(c *gin.Context) {
		redirect := c.Query("redirect")
		if redirect == "" {
			c.String(http.StatusBadRequest, "Error: Missing redirect parameter")
			return
		}
		renderPage(c, http.StatusOK, pageData{State: "success", RedirectURL: redirect})
	})

	r.POST("/token", func(c *gin.Context) {
		clientID := c.PostForm("client_id")
		clientSecret := c.PostForm("client_secret")

		var resp *oauth.TokenResponse
		var oerr *oauth.Error
		switch grant := c.PostForm("grant_type"); grant {
		case "authorization_code":
			resp, oerr = provider.ExchangeCode(c.Request.Context(), clientID, clientSecret,
				c.PostForm("code"), c.PostForm("redirect_uri"), c.PostForm("code_verifier"))
		case "refresh_token":
			var scopes []string
			if s := strings.TrimSpace(c.PostForm("scope")); s != "" {
				scopes = strings.Fields(s)
			}
			resp, oerr = provider.ExchangeRefresh(c.Request.Context(), clientID, clientSecret,
				c.PostForm("refresh_token"), scopes)
		default:
			oerr = &oauth.Error{Code: "unsupported_grant_type",
				Description: "grant_type must be authorization_code or refresh_token"}
		}
		if oerr != nil {
			status := http.StatusBadRequest
			if oerr.Code == "invalid_client" {
				status = http.StatusUnauthorized
			}
			c.JSON(status, oerr)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/register", func(c *gin.Context) {
		var body struct {
			RedirectURIs            []string `json:"redirect_uris"`
			ClientName              string   `json:"client_name"`
			GrantTypes              []string `json:"grant_types"`
			ResponseTypes           []string `json:"response_types"`
			TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
			Scope                   string   `json:"scope"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_client_metadata",
				"error_description": "request body is not a valid client metadata document",
			})
			return
		}
		if len(body.RedirectURIs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_redirect_uri",
				"error_description": "at least one redirect_uri is required",
			})
			return
		}
		client := &oauth.Client{
			ClientID:                uuid.NewString(),
			RedirectURIs:            body.RedirectURIs,
			ClientName:              body.ClientName,
			GrantTypes:              body.GrantTypes,
			ResponseTypes:           body.ResponseTypes,
			TokenEndpointAuthMethod: body.TokenEndpointAuthMethod,
			Scope:                   body.Scope,
		}
		if client.Scope == "" {
			client.Scope = "mcp"
		}
		if client.TokenEndpointAuthMethod == "client_secret_post" {
			client.ClientSecret = uuid.NewString()
		}
		if err := provider.RegisterClient(c.Request.Context(), client); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_client_metadata",
				"error_description": err.Error(),
			})
			return
		}
		c.JSON(http.StatusCreated, client)
	})

	// RFC 7009: always 200, even for unknown tokens.
	r.POST("/revoke", func(c *gin.Context) {
		if token := c.PostForm("token"); token != "" {
			provider.Revoke(c.Request.Context(), token)
		}
		c.Status(http.StatusOK)
	})
}

func renderPage(c *gin.Context, status int, data pageData) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = pageTemplate.Execute(c.Writer, data)
}

func serveStatic(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("filepath"), "/")
	content, err := assets.ReadFile(path.Join("static", rel))
	if err != nil {
		c.String(http.StatusNotFound, "Static file not found: %s", rel)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(rel))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, content)
}
