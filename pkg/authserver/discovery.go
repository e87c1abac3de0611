package authserver

import (
	"net/http"
	"strings"
)

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// resourceMetadata is the RFC 9728 protected resource metadata document.
type resourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

const resourceMetadataPrefix = "/.well-known/oauth-protected-resource"

// HandleServerMetadata implements GET /.well-known/oauth-authorization-server.
func (s *Server) HandleServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.issuer(r)

	doc := serverMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
	if s.cfg.AllowDynamicClients {
		doc.RegistrationEndpoint = issuer + "/register"
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleResourceMetadata implements GET /.well-known/oauth-protected-resource
// and its path-suffixed form, which names the specific resource the client
// asked about.
func (s *Server) HandleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.issuer(r)

	resource := issuer
	if suffix := strings.TrimPrefix(r.URL.Path, resourceMetadataPrefix); suffix != "" && suffix != "/" {
		resource = issuer + suffix
	}

	writeJSON(w, http.StatusOK, resourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
	})
}
