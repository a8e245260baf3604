package server

import (
	"errors"
	"strings"
	"sync"
)

// ClientRegistry holds registered OAuth clients. A well-known default client
// always exists for the single expected caller; unknown client ids fall back
// to it unless strict validation is enabled, tolerating callers that are
// sloppy about re-registration.
type ClientRegistry struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	defaultID string
	strict    bool
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfg OAuthConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfg.Clients)+1)
	for _, cc := range cfg.Clients {
		if cc.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cc.ClientID] = &Client{
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			RedirectURIs: cc.RedirectURIs,
			Scopes:       cc.Scopes,
		}
	}
	if _, ok := clients[cfg.DefaultClientID]; !ok {
		clients[cfg.DefaultClientID] = &Client{
			ClientID: cfg.DefaultClientID,
			Scopes:   []string{cfg.DefaultScope},
		}
	}
	return &ClientRegistry{
		clients:   clients,
		defaultID: cfg.DefaultClientID,
		strict:    cfg.StrictClientValidation,
	}, nil
}

// Lookup resolves a client id. With strict validation off, unknown or empty
// ids resolve to the default client.
func (cr *ClientRegistry) Lookup(id string) (*Client, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	if id == "" {
		return cr.clients[cr.defaultID], true
	}
	if client, ok := cr.clients[id]; ok {
		return client, true
	}
	if cr.strict {
		return nil, false
	}
	return cr.clients[cr.defaultID], true
}

// Register adds a dynamically registered client.
func (cr *ClientRegistry) Register(client *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.clients[client.ClientID] = client
}

// Default returns the well-known default client.
func (cr *ClientRegistry) Default() *Client {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.clients[cr.defaultID]
}

// ValidRedirect reports whether uri is acceptable for this client. Clients
// with no registered URIs accept any safe URI, which covers the well-known
// default client and permissive deployments.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// isSafeRedirectURI validates that a redirect URI is safe to send a browser
// to. Blocks dangerous schemes, protocol-relative URLs, and credential or
// fragment tricks in the authority part.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{"javascript:", "data:", "file:", "vbscript:", "about:"}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}
	if strings.Contains(rest, "@") {
		return false
	}

	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	if hostPart == "" || strings.Contains(hostPart, "#") {
		return false
	}

	return true
}
