// Package client is a small SDK for driving the gateway end to end: obtain a
// bearer token, open the session stream, and invoke tools. It exists for
// examples and integration tests; agent runtimes bring their own MCP client.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config configures the gateway client.
type Config struct {
	// BaseURL is the gateway's public URL.
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Metadata mirrors the fields of the well-known document the client needs.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// ToolResult mirrors the protocol content envelope.
type ToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Client talks to one gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	token  *oauth2.Token
	nextID atomic.Int64
}

// New constructs a client with sane defaults.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
	}
}

// Discover fetches the authorization server metadata.
func (c *Client) Discover(ctx context.Context) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("metadata endpoint returned %s", resp.Status)
	}
	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// AuthenticateClientCredentials obtains a token with the client_credentials
// grant.
func (c *Client) AuthenticateClientCredentials(ctx context.Context) error {
	cc := clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     strings.TrimSuffix(c.cfg.BaseURL, "/") + "/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cc.Token(ctx)
	if err != nil {
		return fmt.Errorf("client_credentials grant: %w", err)
	}
	c.token = tok
	return nil
}

// AuthenticateAuthorizationCode runs the code flow against the
// auto-approving authorize endpoint: the redirect is captured instead of
// followed, and the code exchanged at the token endpoint.
func (c *Client) AuthenticateAuthorizationCode(ctx context.Context, redirectURI string) error {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	conf := oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	state := fmt.Sprintf("st-%d", time.Now().UnixNano())
	noRedirect := &http.Client{
		Timeout: c.http.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conf.AuthCodeURL(state), nil)
	if err != nil {
		return err
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return fmt.Errorf("authorize request: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return fmt.Errorf("authorize endpoint returned %s", resp.Status)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return fmt.Errorf("parse redirect: %w", err)
	}
	if got := loc.Query().Get("state"); got != state {
		return fmt.Errorf("state mismatch: sent %q, got %q", state, got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		return errors.New("redirect carried no code")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("code exchange: %w", err)
	}
	c.token = tok
	return nil
}

// Token returns the current bearer token value, empty before authentication.
func (c *Client) Token() string {
	if c.token == nil {
		return ""
	}
	return c.token.AccessToken
}

// Stream is an open session-bound push channel.
type Stream struct {
	SessionID   string
	endpointURL string

	client *Client
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	err     error
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenStream connects to the SSE endpoint and waits for the session
// endpoint event before returning.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/sse", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")

	// The stream must outlive this call; bypass the client timeout.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	st := &Stream{
		SessionID: resp.Header.Get("Mcp-Session-Id"),
		client:    c,
		cancel:    cancel,
		pending:   make(map[string]chan json.RawMessage),
	}

	endpointCh := make(chan string, 1)
	go st.consume(resp, endpointCh)

	select {
	case endpoint := <-endpointCh:
		st.endpointURL = strings.TrimSuffix(c.cfg.BaseURL, "/") + endpoint
		return st, nil
	case <-streamCtx.Done():
		st.Close()
		return nil, streamCtx.Err()
	}
}

func (st *Stream) consume(resp *http.Response, endpointCh chan<- string) {
	defer resp.Body.Close()

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			switch event {
			case "endpoint":
				select {
				case endpointCh <- data:
				default:
				}
			case "message":
				st.dispatch([]byte(data))
			}
			event, data = "", ""
		}
	}

	st.mu.Lock()
	st.err = scanner.Err()
	for id, ch := range st.pending {
		close(ch)
		delete(st.pending, id)
	}
	st.mu.Unlock()
}

func (st *Stream) dispatch(msg []byte) {
	var env rpcEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || len(env.ID) == 0 {
		return
	}
	st.mu.Lock()
	ch, ok := st.pending[string(env.ID)]
	if ok {
		delete(st.pending, string(env.ID))
	}
	st.mu.Unlock()
	if ok {
		ch <- msg
		close(ch)
	}
}

// Close tears down the stream.
func (st *Stream) Close() {
	st.cancel()
}

// Call posts a tools/call command for this session and waits for the result
// pushed down the stream.
func (st *Stream) Call(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	raw, err := st.request(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &result, nil
}

// ListTools posts a tools/list command and returns the raw result.
func (st *Stream) ListTools(ctx context.Context) (json.RawMessage, error) {
	return st.request(ctx, "tools/list", struct{}{})
}

func (st *Stream) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := st.client.nextID.Add(1)
	idRaw := json.RawMessage(fmt.Sprintf("%d", id))

	wait := make(chan json.RawMessage, 1)
	st.mu.Lock()
	st.pending[string(idRaw)] = wait
	st.mu.Unlock()

	body, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", ID: idRaw, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.endpointURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	st.client.authorize(req)

	resp, err := st.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post command: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("command endpoint returned %s", resp.Status)
	}

	select {
	case msg, ok := <-wait:
		if !ok {
			return nil, errors.New("stream closed before result arrived")
		}
		var env rpcEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if env.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
		}
		return env.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != nil && c.token.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	}
}
