// Package authserver implements the OAuth 2.1 authorization server for MCP
// clients: authorization code flow with mandatory PKCE, dynamic client
// registration (RFC 7591), token issuance with refresh rotation, and
// metadata discovery (RFC 8414 / RFC 9728). Tokens are opaque strings
// persisted in the KV store; nothing is encoded in the token itself.
package authserver

import (
	"time"
)

// Token string prefixes make leaked credentials greppable and keep the three
// token classes from being replayed against the wrong endpoint.
const (
	accessTokenPrefix  = "mcp_at_"
	refreshTokenPrefix = "mcp_rt_"
	authCodePrefix     = "mcp_ac_"
)

// KV prefixes owned by this package.
var (
	codesKey        = []string{"oauth", "codes"}
	accessKey       = []string{"oauth", "access"}
	refreshKey      = []string{"oauth", "refresh"}
	clientsKey      = []string{"oauth", "clients"}
	authRequestsKey = []string{"oauth", "mcp_auth_requests"}
)

// AccessToken is the persisted record of an issued access token.
type AccessToken struct {
	Token    string    `json:"token"`
	ClientID string    `json:"clientId"`
	UserID   string    `json:"userId"`
	Scopes   []string  `json:"scopes"`
	IssuedAt time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token is past its lifetime, with leeway
// absorbing clock skew between nodes.
func (t *AccessToken) Expired(now time.Time, leeway time.Duration) bool {
	return now.After(t.ExpiresAt.Add(leeway))
}

// RefreshToken is the persisted record of an issued refresh token.
// Refresh tokens are single-use: a successful refresh deletes the record
// before the replacement pair is returned.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	UserID    string    `json:"userId"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthorizationCode is a single-use code minted by the authorize flow and
// consumed atomically by the token endpoint.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"clientId"`
	UserID              string    `json:"userId"`
	RedirectURI         string    `json:"redirectUri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	IssuedAt            time.Time `json:"issuedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// Client is a registered OAuth client.
type Client struct {
	ClientID                string         `json:"client_id"`
	ClientSecret            string         `json:"client_secret,omitempty"`
	RedirectURIs            []string       `json:"redirect_uris"`
	GrantTypes              []string       `json:"grant_types"`
	ResponseTypes           []string       `json:"response_types"`
	TokenEndpointAuthMethod string         `json:"token_endpoint_auth_method"`
	ClientName              string         `json:"client_name,omitempty"`
	CreatedAt               time.Time      `json:"client_id_issued_at_time,omitempty"`
	Metadata                map[string]any `json:"-"`
}

// HasRedirectURI reports whether uri exactly matches a registered redirect
// URI. Exact match only; no prefix or wildcard logic.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthRequest tracks a client's authorization request while the user
// authenticates with the upstream provider. Keyed by an opaque internal
// state under oauth/mcp_auth_requests/<state>.
type AuthRequest struct {
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Scopes              []string  `json:"scopes"`
	InternalState       string    `json:"internalState"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TokenPair is what the token endpoint returns for a successful grant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scopes       []string
}
