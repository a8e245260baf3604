package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laksh-star/mcp-tmdb-chatgpt-version/tmdb"
)

// App bundles runtime dependencies for the HTTP gateway.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      *InMemoryStore
	Clients    *ClientRegistry
	Sessions   *SessionRegistry
	Dispatcher *Dispatcher
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger, movies *tmdb.Client) (*App, error) {
	clients, err := NewClientRegistry(cfg.OAuth)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      NewInMemoryStore(),
		Clients:    clients,
		Sessions:   NewSessionRegistry(logger),
		Dispatcher: NewDispatcher(cfg.Tools.Set, movies),
	}
	return app, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildMetadata(a.Config))
}

// handleAuthorize issues an authorization code. Approval is automatic: the
// gateway serves a single known automated caller, so there is no consent
// page between request and redirect.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirectURI := q.Get("redirect_uri")
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() || !isSafeRedirectURI(redirectURI) {
		// Redirecting to an unparsable target is impossible, so this error
		// is returned directly instead of via redirect.
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_redirect",
			"error_description": "redirect_uri must be an absolute http(s) URL",
		})
		return
	}

	client, ok := a.Clients.Lookup(q.Get("client_id"))
	if !ok {
		oauthError(w, redirectURI, q.Get("state"), "unauthorized_client", "unknown client_id")
		return
	}

	// Under strict validation the redirect target must be one the client
	// registered. An unregistered target never receives a redirect.
	if a.Config.OAuth.StrictClientValidation && !client.ValidRedirect(redirectURI) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_redirect",
			"error_description": "redirect_uri is not registered for this client",
		})
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = a.Config.OAuth.DefaultScope
	}

	// response_type values other than "code" are tolerated; the single
	// expected caller only ever asks for a code.
	code := a.Store.NewID()
	now := time.Now()
	a.Store.SaveAuthCode(AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.Config.OAuth.CodeTTL),
	})

	values := parsed.Query()
	values.Set("code", code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	parsed.RawQuery = values.Encode()

	a.Logger.Info("authorization code issued", "client_id", client.ClientID, "scope", scope)
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

// tokenRequest carries token endpoint parameters from either a form or a
// JSON body.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": err.Error(),
		})
		return
	}

	switch req.GrantType {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, req)
	case "client_credentials":
		a.handleTokenClientCredentials(w, req)
	default:
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "unsupported_grant_type",
			"error_description": "grant_type must be authorization_code or client_credentials",
		})
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, req tokenRequest) {
	authCode, ok := a.Store.ConsumeAuthCode(req.Code)
	if !ok {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "code invalid, expired, or already used",
		})
		return
	}

	if authCode.CodeChallenge != "" {
		if err := verifyPKCE(authCode, req.CodeVerifier); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": err.Error(),
			})
			return
		}
	}

	a.mintToken(w, authCode.ClientID, authCode.Scope)
}

// handleTokenClientCredentials mints a token directly for the (defaulted)
// client. No secret verification is enforced unless strict validation is on.
func (a *App) handleTokenClientCredentials(w http.ResponseWriter, req tokenRequest) {
	client, ok := a.Clients.Lookup(req.ClientID)
	if !ok {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "unknown client_id",
		})
		return
	}
	if a.Config.OAuth.StrictClientValidation && client.ClientSecret != "" && client.ClientSecret != req.ClientSecret {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "client secret mismatch",
		})
		return
	}
	a.mintToken(w, client.ClientID, a.Config.OAuth.DefaultScope)
}

func (a *App) mintToken(w http.ResponseWriter, clientID, scope string) {
	now := time.Now()
	tok := AccessToken{
		Token:     a.Store.NewID(),
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.Config.OAuth.TokenTTL),
	}
	a.Store.SaveAccessToken(tok)

	a.Logger.Info("access token issued", "client_id", clientID, "scope", scope)
	writeJSON(w, TokenResponse{
		AccessToken: tok.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.Config.OAuth.TokenTTL.Seconds()),
		Scope:       scope,
	})
}

// registrationRequest follows the RFC 7591 shape the connector sends.
type registrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope"`
}

// handleRegister performs dynamic client registration. Registration is open:
// re-registration by a caller that lost its credentials simply creates a
// fresh record.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "body must be JSON",
		})
		return
	}

	client := &Client{
		ClientID:     a.Store.NewID(),
		ClientSecret: a.Store.NewID(),
		RedirectURIs: req.RedirectURIs,
		Scopes:       splitAndTrim(strings.ReplaceAll(req.Scope, " ", ",")),
	}
	a.Clients.Register(client)

	a.Logger.Info("client registered", "client_id", client.ClientID, "name", req.ClientName)
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"client_id":     client.ClientID,
		"client_secret": client.ClientSecret,
		"redirect_uris": client.RedirectURIs,
	})
}

func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	ctype := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ctype); err == nil && mt == "application/json" {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return tokenRequest{}, err
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return tokenRequest{}, err
	}
	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}, nil
}

func verifyPKCE(code AuthorizationCode, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if expected != code.CodeChallenge {
		return errors.New("pkce verification failed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	// Never redirect to unsafe URIs; return the error as JSON instead.
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
