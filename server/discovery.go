package server

// Metadata is a simple alias for authorization server metadata.
type Metadata map[string]any

// BuildMetadata constructs the RFC 8414 authorization server document served
// at /.well-known/oauth-authorization-server.
func BuildMetadata(cfg Config) Metadata {
	issuer := cfg.Issuer()
	return Metadata{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{cfg.OAuth.DefaultScope},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
	}
}
