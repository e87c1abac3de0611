package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridianhq/mcpserve/pkg/audit"
	"github.com/meridianhq/mcpserve/pkg/authserver"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/oauth"
)

// Error codes surfaced to clients so they can pick the right recovery.
const (
	CodeTokenExpired  = "mcp_token_expired"
	CodeReauthNeeded  = "third_party_reauth_required"
	CodeTokenMissing  = "mcp_token_missing"
	CodeTokenInvalid  = "mcp_token_invalid"
	CodeSystemFailure = "auth_system_error"
)

// TokenValidator resolves an MCP access token to its record.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*authserver.AccessToken, error)
}

// UpstreamBroker supplies upstream access tokens for session binding. It is
// the consumer-facing subset of oauth.Consumer.
type UpstreamBroker interface {
	AccessToken(ctx context.Context, userID string) (string, oauth.Outcome, error)
	Verify(ctx context.Context, userID string) error
}

// publicPaths never require authentication: the OAuth surface must be
// reachable to obtain a token in the first place.
var publicPaths = []string{
	"/status",
	"/health",
	"/metrics",
	"/register",
	"/authorize",
	"/token",
	"/callback",
	"/oauth/callback",
	"/auth/callback",
	"/api/v1/auth/callback",
	"/api/v1/oauth/callback",
	"/.well-known/",
}

// Middleware authenticates HTTP requests to protected paths.
type Middleware struct {
	cfg      config.AuthConfig
	realm    string
	tokens   TokenValidator
	upstream UpstreamBroker // nil disables session binding
	auditor  *audit.Logger
}

// NewMiddleware creates the authentication middleware. realm is the issuer
// URL advertised in WWW-Authenticate challenges. auditor may be nil.
func NewMiddleware(cfg config.AuthConfig, realm string, tokens TokenValidator, upstream UpstreamBroker, auditor *audit.Logger) *Middleware {
	return &Middleware{cfg: cfg, realm: realm, tokens: tokens, upstream: upstream, auditor: auditor}
}

// Handler wraps next with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.required(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			// Optional auth: anonymous requests pass through without an
			// identity; a presented token is still validated below.
			if !m.cfg.HTTPRequire {
				next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), NewRequestContext("http"))))
				return
			}
			m.deny(r, CodeTokenMissing)
			m.challenge(w, http.StatusUnauthorized, "invalid_request", CodeTokenMissing,
				"missing bearer token", "obtain an access token from the authorization server")
			return
		}

		record, err := m.tokens.ValidateAccessToken(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, authserver.ErrTokenExpired):
			m.deny(r, CodeTokenExpired)
			m.challenge(w, http.StatusUnauthorized, "invalid_token", CodeTokenExpired,
				"access token expired", "use the refresh token to obtain a new access token")
			return
		case errors.Is(err, authserver.ErrInvalidToken):
			m.deny(r, CodeTokenInvalid)
			m.challenge(w, http.StatusUnauthorized, "invalid_token", CodeTokenInvalid,
				"access token is not valid", "re-authorize to obtain a new access token")
			return
		default:
			logger.Errorw("token validation failed", "error", err)
			m.writeError(w, http.StatusInternalServerError, CodeSystemFailure,
				"authentication backend unavailable", "", "")
			return
		}

		rc := NewRequestContext("http")
		rc.UserID = record.UserID
		rc.ClientID = record.ClientID
		rc.Scopes = record.Scopes

		if m.cfg.SessionBindingEnabled && m.upstream != nil {
			outcome, err := m.checkUpstream(r.Context(), record.UserID)
			if errors.Is(err, oauth.ErrReauthRequired) {
				m.auditor.Record(r.Context(), audit.Event{
					Type:    audit.EventAuthDecision,
					Outcome: audit.OutcomeFailure,
					Subject: record.UserID,
					Details: map[string]any{"errorCode": CodeReauthNeeded},
				})
				m.writeError(w, http.StatusForbidden, CodeReauthNeeded,
					"upstream authorization is no longer valid",
					"restart the authorization flow to re-link the upstream account", "")
				return
			}
			if err != nil {
				logger.Errorw("upstream token check failed", "user_id", record.UserID, "error", err)
				m.writeError(w, http.StatusInternalServerError, CodeSystemFailure,
					"upstream authentication check failed", "", "")
				return
			}
			rc.ActionTaken = string(outcome)
			if outcome == oauth.OutcomeRefreshed {
				logger.Infow("refreshed upstream token during authentication", "user_id", record.UserID)
			}
		}

		m.auditor.Record(r.Context(), audit.Event{
			Type:    audit.EventAuthDecision,
			Outcome: audit.OutcomeSuccess,
			Subject: record.UserID,
			Details: map[string]any{"clientId": record.ClientID, "actionTaken": rc.ActionTaken},
		})
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// checkUpstream validates the user's upstream binding, silently refreshing
// only when auto-refresh is enabled. The check is bounded by the configured
// binding timeout so a slow provider cannot stall every request.
func (m *Middleware) checkUpstream(ctx context.Context, userID string) (oauth.Outcome, error) {
	if m.cfg.SessionBindingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SessionBindingTimeout)
		defer cancel()
	}
	if !m.cfg.SessionBindingAutoRefresh {
		return oauth.OutcomeNone, m.upstream.Verify(ctx, userID)
	}
	_, outcome, err := m.upstream.AccessToken(ctx, userID)
	return outcome, err
}

// deny records a failed authentication decision.
func (m *Middleware) deny(r *http.Request, errorCode string) {
	m.auditor.Record(r.Context(), audit.Event{
		Type:    audit.EventAuthDecision,
		Outcome: audit.OutcomeFailure,
		Details: map[string]any{"errorCode": errorCode, "path": r.URL.Path},
	})
}

// required applies the path policy plus the transport-level overrides.
func (m *Middleware) required(path string) bool {
	if !m.cfg.Enabled || !m.cfg.HTTPEnabled || m.cfg.HTTPSkip {
		return false
	}
	for _, public := range publicPaths {
		if strings.HasSuffix(public, "/") {
			if strings.HasPrefix(path, public) {
				return false
			}
		} else if path == public {
			return false
		}
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// challenge writes a 401 with an RFC 6750 WWW-Authenticate header plus the
// JSON-RPC error envelope MCP clients consume.
func (m *Middleware) challenge(w http.ResponseWriter, status int, oauthErr, code, message, guidance string) {
	parts := []string{
		fmt.Sprintf(`realm=%q`, m.realm),
		fmt.Sprintf(`authorization_uri=%q`, m.realm+"/authorize"),
		fmt.Sprintf(`registration_uri=%q`, m.realm+"/register"),
		fmt.Sprintf(`error=%q`, oauthErr),
	}
	w.Header().Set("WWW-Authenticate", "Bearer "+strings.Join(parts, ", "))
	m.writeError(w, status, code, message, guidance, "")
}

// rpcErrorEnvelope is the JSON-RPC form authentication failures take on the
// wire. The id is always null: the failure happened before any request was
// dispatched.
type rpcErrorEnvelope struct {
	JSONRPC string       `json:"jsonrpc"`
	Error   rpcErrorBody `json:"error"`
	ID      any          `json:"id"`
}

type rpcErrorBody struct {
	Code        int         `json:"code"`
	Message     string      `json:"message"`
	Status      int         `json:"status"`
	ErrorCode   string      `json:"errorCode,omitempty"`
	ActionTaken string      `json:"actionTaken,omitempty"`
	Guidance    string      `json:"guidance,omitempty"`
	Timestamp   string      `json:"timestamp"`
	OAuth       *oauthHints `json:"oauth,omitempty"`
}

type oauthHints struct {
	AuthorizationURI string `json:"authorizationUri"`
	RegistrationURI  string `json:"registrationUri"`
	Realm            string `json:"realm"`
}

func (m *Middleware) writeError(w http.ResponseWriter, status int, code, message, guidance, actionTaken string) {
	body := rpcErrorBody{
		Code:        -32000,
		Message:     message,
		Status:      status,
		ActionTaken: actionTaken,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if m.cfg.ErrorDetails {
		body.ErrorCode = code
	}
	if m.cfg.ErrorGuidance {
		body.Guidance = guidance
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		body.OAuth = &oauthHints{
			AuthorizationURI: m.realm + "/authorize",
			RegistrationURI:  m.realm + "/register",
			Realm:            m.realm,
		}
	}
	if m.cfg.ErrorCustomHeaders {
		w.Header().Set("X-MCP-Error-Code", code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rpcErrorEnvelope{JSONRPC: "2.0", Error: body, ID: nil}); err != nil {
		logger.Debugw("failed to write auth error body", "error", err)
	}
}
