package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Laksh-star/mcp-tmdb-chatgpt-version/tmdb"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TMDB.APIKey = "test-key"
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	movies := tmdb.NewClient(cfg.TMDB.BaseURL, cfg.TMDB.APIKey, cfg.TMDB.Language)
	app, err := NewApp(cfg, logger, movies)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return body
}

func TestDiscoveryDocument(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Server.PublicURL = "https://mcp.example.com"
	})

	rec := httptest.NewRecorder()
	app.handleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	if body["issuer"] != "https://mcp.example.com" {
		t.Fatalf("unexpected issuer: %v", body["issuer"])
	}
	if body["authorization_endpoint"] != "https://mcp.example.com/authorize" {
		t.Fatalf("unexpected authorization endpoint: %v", body["authorization_endpoint"])
	}
	if body["token_endpoint"] != "https://mcp.example.com/token" {
		t.Fatalf("unexpected token endpoint: %v", body["token_endpoint"])
	}
	if body["registration_endpoint"] != "https://mcp.example.com/register" {
		t.Fatalf("unexpected registration endpoint: %v", body["registration_endpoint"])
	}
}

func authorizeOnce(t *testing.T, app *App, params url.Values) *url.URL {
	t.Helper()
	rec := httptest.NewRecorder()
	app.handleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return loc
}

func TestAuthorizeRedirectsWithCodeAndState(t *testing.T) {
	app := newTestApp(t, nil)

	loc := authorizeOnce(t, app, url.Values{
		"response_type": {"code"},
		"client_id":     {"chatgpt-connector"},
		"redirect_uri":  {"https://agent.example.com/callback"},
		"state":         {"abc123"},
	})

	if loc.Host != "agent.example.com" {
		t.Fatalf("redirect went to wrong host: %s", loc.Host)
	}
	if loc.Query().Get("code") == "" {
		t.Fatalf("expected code in redirect")
	}
	if loc.Query().Get("state") != "abc123" {
		t.Fatalf("state not echoed: %q", loc.Query().Get("state"))
	}
}

func TestAuthorizeRejectsUnsafeRedirect(t *testing.T) {
	app := newTestApp(t, nil)

	for _, uri := range []string{"", "javascript:alert(1)", "//evil.example.com/cb", "not-a-url"} {
		rec := httptest.NewRecorder()
		q := url.Values{"redirect_uri": {uri}}
		app.handleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("redirect_uri %q: expected 400, got %d", uri, rec.Code)
		}
		if body := decodeJSONBody(t, rec); body["error"] != "invalid_redirect" {
			t.Fatalf("redirect_uri %q: unexpected error %v", uri, body["error"])
		}
	}
}

func TestAuthorizeEnforcesRegisteredRedirectsWhenStrict(t *testing.T) {
	strictApp := newTestApp(t, func(c *Config) {
		c.OAuth.StrictClientValidation = true
		c.OAuth.Clients = []ClientConfig{{
			ClientID:     "agent",
			RedirectURIs: []string{"https://agent.example.com/callback"},
		}}
	})

	rec := httptest.NewRecorder()
	q := url.Values{
		"client_id":    {"agent"},
		"redirect_uri": {"https://other.example.com/callback"},
	}
	strictApp.handleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unregistered redirect to fail with 400, got %d", rec.Code)
	}
	if body := decodeJSONBody(t, rec); body["error"] != "invalid_redirect" {
		t.Fatalf("unexpected error: %v", body["error"])
	}

	loc := authorizeOnce(t, strictApp, url.Values{
		"client_id":    {"agent"},
		"redirect_uri": {"https://agent.example.com/callback"},
	})
	if loc.Query().Get("code") == "" {
		t.Fatalf("expected registered redirect to receive a code")
	}

	// The permissive deployment keeps accepting any safe target.
	permissive := newTestApp(t, func(c *Config) {
		c.OAuth.Clients = []ClientConfig{{
			ClientID:     "agent",
			RedirectURIs: []string{"https://agent.example.com/callback"},
		}}
	})
	loc = authorizeOnce(t, permissive, url.Values{
		"client_id":    {"agent"},
		"redirect_uri": {"https://other.example.com/callback"},
	})
	if loc.Query().Get("code") == "" {
		t.Fatalf("expected permissive mode to accept an unregistered redirect")
	}
}

func postToken(t *testing.T, app *App, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	app.handleToken(rec, req)
	return rec
}

func TestAuthorizationCodeTokenExchange(t *testing.T) {
	app := newTestApp(t, nil)

	loc := authorizeOnce(t, app, url.Values{
		"client_id":    {"chatgpt-connector"},
		"redirect_uri": {"https://agent.example.com/callback"},
		"scope":        {"read"},
	})
	code := loc.Query().Get("code")

	rec := postToken(t, app, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
		"client_id":  {"chatgpt-connector"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var tok TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tok.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %q", tok.TokenType)
	}
	if tok.ExpiresIn != int64(DefaultTokenTTL.Seconds()) {
		t.Fatalf("unexpected expires_in: %d", tok.ExpiresIn)
	}

	stored, ok := app.Store.GetAccessToken(tok.AccessToken)
	if !ok {
		t.Fatalf("minted token not found in store")
	}
	if stored.ClientID != "chatgpt-connector" {
		t.Fatalf("unexpected token client: %q", stored.ClientID)
	}

	// The code was consumed; replaying it must fail.
	rec = postToken(t, app, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected code replay to fail with 400, got %d", rec.Code)
	}
	if body := decodeJSONBody(t, rec); body["error"] != "invalid_grant" {
		t.Fatalf("unexpected error on replay: %v", body["error"])
	}
}

func TestTokenExchangeWithPKCE(t *testing.T) {
	app := newTestApp(t, nil)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	loc := authorizeOnce(t, app, url.Values{
		"client_id":             {"chatgpt-connector"},
		"redirect_uri":          {"https://agent.example.com/callback"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})

	rec := postToken(t, app, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"code_verifier": {verifier},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected PKCE exchange to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenExchangeRejectsBadVerifier(t *testing.T) {
	app := newTestApp(t, nil)

	sum := sha256.Sum256([]byte("the-real-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name     string
		verifier string
	}{
		{"wrong verifier", "a-different-verifier"},
		{"missing verifier", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc := authorizeOnce(t, app, url.Values{
				"redirect_uri":          {"https://agent.example.com/callback"},
				"code_challenge":        {challenge},
				"code_challenge_method": {"S256"},
			})

			rec := postToken(t, app, url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {loc.Query().Get("code")},
				"code_verifier": {tc.verifier},
			})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if body := decodeJSONBody(t, rec); body["error"] != "invalid_grant" {
				t.Fatalf("unexpected error: %v", body["error"])
			}
		})
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	app := newTestApp(t, nil)

	rec := postToken(t, app, url.Values{
		"grant_type": {"client_credentials"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var tok TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if _, ok := app.Store.GetAccessToken(tok.AccessToken); !ok {
		t.Fatalf("minted token not found in store")
	}
}

func TestClientCredentialsStrictSecretCheck(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.OAuth.StrictClientValidation = true
		c.OAuth.Clients = []ClientConfig{{
			ClientID:     "machine",
			ClientSecret: "topsecret",
		}}
	})

	rec := postToken(t, app, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"machine"},
		"client_secret": {"wrong"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected secret mismatch to fail with 400, got %d", rec.Code)
	}

	rec = postToken(t, app, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"machine"},
		"client_secret": {"topsecret"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected correct secret to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenRejectsUnsupportedGrantType(t *testing.T) {
	app := newTestApp(t, nil)

	rec := postToken(t, app, url.Values{"grant_type": {"password"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeJSONBody(t, rec); body["error"] != "unsupported_grant_type" {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func TestTokenAcceptsJSONBody(t *testing.T) {
	app := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/token",
		strings.NewReader(`{"grant_type":"client_credentials"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	app.handleToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected JSON body to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDynamicRegistrationIssuesCredentials(t *testing.T) {
	app := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"client_name":"my agent","redirect_uris":["https://agent.example.com/cb"],"scope":"read"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	clientID, _ := body["client_id"].(string)
	secret, _ := body["client_secret"].(string)
	if clientID == "" || secret == "" {
		t.Fatalf("expected credentials in response, got %v", body)
	}

	registered, ok := app.Clients.Lookup(clientID)
	if !ok || registered.ClientSecret != secret {
		t.Fatalf("registered client not resolvable")
	}
}

func TestRegisterRejectsNonJSONBody(t *testing.T) {
	app := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	app.handleRegister(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
