package authserver

import (
	"errors"
	"net/http"

	"github.com/meridianhq/mcpserve/pkg/logger"
)

// tokenResponse is the RFC 6749 §5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken implements POST /token for the authorization_code and
// refresh_token grants. Requests are form-encoded; client credentials come
// from either HTTP basic auth or the form body.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request body is not form-encoded")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client_id is required")
		return
	}
	client, err := s.clients.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		s.handleCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshGrant(w, r, client)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"supported grant types are authorization_code and refresh_token")
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request, client *Client) {
	code := r.PostFormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	record, err := s.tokens.ConsumeCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired, or already used")
			return
		}
		logger.Errorw("failed to consume authorization code", "client_id", client.ClientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to process authorization code")
		return
	}

	// The code is gone from the store by now, so every failure below burns
	// the grant for good. That is the OAuth 2.1 intent.
	if record.ClientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to a different client")
		return
	}
	if redirectURI := r.PostFormValue("redirect_uri"); redirectURI != record.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if err := VerifyCodeVerifier(record.CodeChallenge, r.PostFormValue("code_verifier")); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	pair, err := s.tokens.MintTokens(r.Context(), record.ClientID, record.UserID, record.Scopes)
	if err != nil {
		logger.Errorw("failed to mint tokens", "client_id", client.ClientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	s.writeTokenPair(w, pair)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request, client *Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), refreshToken, client.ClientID, splitScope(r.PostFormValue("scope")))
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid, expired, or already used")
			return
		}
		logger.Errorw("failed to refresh tokens", "client_id", client.ClientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to refresh tokens")
		return
	}
	s.writeTokenPair(w, pair)
}

func (s *Server) writeTokenPair(w http.ResponseWriter, pair *TokenPair) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        joinScope(pair.Scopes),
	})
}
