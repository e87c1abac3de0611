package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/kv"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

// UpstreamAuthenticator is the part of the OAuth consumer the authorization
// server needs: sending the user agent upstream and resolving the callback
// code to a user identity. nil means no upstream provider is configured and
// authorize mints codes for the local user directly.
type UpstreamAuthenticator interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (userID string, err error)
}

// localUserID identifies the implicit user when no upstream provider is
// configured. Single-user deployments (the common local MCP setup) run
// entirely under this identity.
const localUserID = "local"

// authRequestLifetime bounds how long a pending authorize request may wait
// for the upstream callback.
const authRequestLifetime = 10 * time.Minute

// Server implements the OAuth 2.1 authorization server endpoints. Handlers
// are plain http.HandlerFuncs so the router can mount them wherever the
// discovery document advertises them.
type Server struct {
	cfg      config.ProviderConfig
	tokens   *TokenManager
	clients  *ClientRegistry
	store    kv.Store
	upstream UpstreamAuthenticator
}

// NewServer assembles the authorization server. upstream may be nil.
func NewServer(cfg config.ProviderConfig, store kv.Store, upstream UpstreamAuthenticator) *Server {
	return &Server{
		cfg:      cfg,
		tokens:   NewTokenManager(store, cfg),
		clients:  NewClientRegistry(store, cfg.AllowDynamicClients),
		store:    store,
		upstream: upstream,
	}
}

// Tokens exposes the token manager for the auth middleware.
func (s *Server) Tokens() *TokenManager { return s.tokens }

// Clients exposes the client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// issuer returns the advertised issuer, preferring the configured one and
// falling back to the request host.
func (s *Server) issuer(r *http.Request) string {
	if s.cfg.Issuer != "" {
		return s.cfg.Issuer
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// oauthError is the RFC 6749 §5.2 JSON error body.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response body", "error", err)
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, oauthError{Code: code, Description: description})
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// mustParseURL is only called on redirect URIs that already passed
// registration-time validation.
func mustParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("registered redirect URI no longer parses: %q", s))
	}
	return u
}

// redirectError reports an authorize failure to the client via its redirect
// URI, per RFC 6749 §4.1.2.1. Only called after the redirect URI itself has
// been validated against the registration.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
