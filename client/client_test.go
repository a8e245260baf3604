package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Laksh-star/mcp-tmdb-chatgpt-version/server"
	"github.com/Laksh-star/mcp-tmdb-chatgpt-version/tmdb"
)

// newTestGateway runs a full gateway with a stubbed movie API behind it.
func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	moviesAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":603,"title":"The Matrix","release_date":"1999-03-30","vote_average":8.2}]}`))
	}))
	t.Cleanup(moviesAPI.Close)

	cfg := server.DefaultConfig()
	cfg.TMDB.APIKey = "test-key"
	cfg.TMDB.BaseURL = moviesAPI.URL

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	movies := tmdb.NewClient(cfg.TMDB.BaseURL, cfg.TMDB.APIKey, cfg.TMDB.Language)
	app, err := server.NewApp(cfg, logger, movies)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentialsRoundTrip(t *testing.T) {
	srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(Config{BaseURL: srv.URL, ClientID: "chatgpt-connector"})

	md, err := c.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if md.TokenEndpoint == "" {
		t.Fatalf("metadata missing token endpoint")
	}

	if err := c.AuthenticateClientCredentials(ctx); err != nil {
		t.Fatalf("AuthenticateClientCredentials: %v", err)
	}
	if c.Token() == "" {
		t.Fatalf("expected a bearer token after authentication")
	}

	stream, err := c.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()
	if stream.SessionID == "" {
		t.Fatalf("expected a session id")
	}

	raw, err := stream.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var tools struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tools.Tools) != 2 || tools.Tools[0].Name != "search" {
		t.Fatalf("unexpected tool list: %s", raw)
	}

	result, err := stream.Call(ctx, "search", map[string]any{"query": "matrix"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if len(result.Content) == 0 || result.Content[0].Text == "" {
		t.Fatalf("expected a text content block")
	}
}

func TestAuthorizationCodeRoundTrip(t *testing.T) {
	srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(Config{BaseURL: srv.URL, ClientID: "chatgpt-connector"})
	if err := c.AuthenticateAuthorizationCode(ctx, "http://127.0.0.1/callback"); err != nil {
		t.Fatalf("AuthenticateAuthorizationCode: %v", err)
	}
	if c.Token() == "" {
		t.Fatalf("expected a bearer token after the code flow")
	}
}

func TestStreamWithoutTokenIsRejected(t *testing.T) {
	srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.OpenStream(ctx); err == nil {
		t.Fatalf("expected the unauthenticated stream to be rejected")
	}
}

func TestCallUnknownToolSurfacesRPCError(t *testing.T) {
	srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(Config{BaseURL: srv.URL})
	if err := c.AuthenticateClientCredentials(ctx); err != nil {
		t.Fatalf("AuthenticateClientCredentials: %v", err)
	}
	stream, err := c.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Call(ctx, "no_such_tool", nil); err == nil {
		t.Fatalf("expected an rpc error for an unknown tool")
	}
}
