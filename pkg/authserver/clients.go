package authserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/meridianhq/mcpserve/pkg/kv"
)

// Client registration errors, mapped to RFC 7591 error codes by the handler.
var (
	ErrInvalidRedirectURI    = errors.New("invalid redirect URI")
	ErrInvalidClientMetadata = errors.New("invalid client metadata")
	ErrUnknownClient         = errors.New("unknown client")
	ErrRegistrationDisabled  = errors.New("dynamic client registration is disabled")
)

// RegistrationRequest is the RFC 7591 client metadata document.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistry manages registered OAuth clients in the KV store under
// oauth/clients/<clientId>.
type ClientRegistry struct {
	store        kv.Store
	allowDynamic bool

	now func() time.Time
}

// NewClientRegistry creates a client registry.
func NewClientRegistry(store kv.Store, allowDynamic bool) *ClientRegistry {
	return &ClientRegistry{store: store, allowDynamic: allowDynamic, now: time.Now}
}

// Register performs dynamic client registration. Public clients (the normal
// MCP case) get no secret; confidential clients get a generated one.
func (r *ClientRegistry) Register(ctx context.Context, req *RegistrationRequest) (*Client, error) {
	if !r.allowDynamic {
		return nil, ErrRegistrationDisabled
	}
	if len(req.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: redirect_uris is required", ErrInvalidClientMetadata)
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidClientMetadata, gt)
		}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	client := &Client{
		ClientID:                "mcp_client_" + rand.Text(),
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		ClientName:              req.ClientName,
		CreatedAt:               r.now(),
	}
	if authMethod == "client_secret_basic" || authMethod == "client_secret_post" {
		client.ClientSecret = rand.Text() + rand.Text()
	}

	raw, err := json.Marshal(client)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client: %w", err)
	}
	if err := r.store.Set(ctx, append(clientsKey, client.ClientID), raw, 0); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}
	return client, nil
}

// Get resolves a client id to its registration record.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*Client, error) {
	raw, err := r.store.Get(ctx, append(clientsKey, clientID))
	if err == kv.ErrNotFound {
		return nil, ErrUnknownClient
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	var client Client
	if err := json.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("corrupt client record: %w", err)
	}
	return &client, nil
}

// Authenticate verifies client credentials for confidential clients. Public
// clients (token_endpoint_auth_method "none") pass with an empty secret.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.TokenEndpointAuthMethod == "none" {
		return client, nil
	}
	if client.ClientSecret == "" || client.ClientSecret != clientSecret {
		return nil, ErrUnknownClient
	}
	return client, nil
}

// validateRedirectURI enforces the OAuth 2.1 rules: https for remote
// clients, plain http only on loopback hosts, and no fragments.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %q does not parse", ErrInvalidRedirectURI, uri)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%w: %q contains a fragment", ErrInvalidRedirectURI, uri)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%w: http is only allowed for loopback hosts, got %q", ErrInvalidRedirectURI, uri)
	case "":
		return fmt.Errorf("%w: %q has no scheme", ErrInvalidRedirectURI, uri)
	default:
		// Custom schemes (native app deep links) are accepted as long as the
		// URI is absolute.
		if !strings.Contains(u.Scheme, ".") && u.Opaque == "" && u.Host == "" && u.Path == "" {
			return fmt.Errorf("%w: %q has no authority or path", ErrInvalidRedirectURI, uri)
		}
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
