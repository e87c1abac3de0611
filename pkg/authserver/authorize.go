package authserver

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meridianhq/mcpserve/pkg/logger"
)

// HandleAuthorize implements GET /authorize, the entry point of the
// authorization code flow.
//
// client_id and redirect_uri are validated before anything else; failures
// there produce a direct 400 rather than a redirect, since redirecting to an
// unverified URI is an open-redirect hazard. All later failures report back
// through the validated redirect URI.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	client, err := s.clients.Get(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match the client registration")
		return
	}

	if rt := q.Get("response_type"); rt != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type",
			fmt.Sprintf("response_type %q is not supported", rt))
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if err := ValidateChallenge(challenge, method, s.cfg.RequirePKCE); err != nil {
		redirectError(w, r, redirectURI, state, "invalid_request", err.Error())
		return
	}

	req := &AuthRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scopes:              splitScope(q.Get("scope")),
	}

	// Without an upstream provider there is no user login step; the code is
	// minted for the local user and returned immediately.
	if s.upstream == nil {
		s.finishAuthorize(w, r, req, localUserID)
		return
	}

	// Park the request and send the user agent upstream. The upstream state
	// is our own opaque value; the client's state never leaves this server.
	req.InternalState = rand.Text()
	raw, err := json.Marshal(req)
	if err != nil {
		redirectError(w, r, redirectURI, state, "server_error", "failed to store authorization request")
		return
	}
	if err := s.store.Set(r.Context(), append(authRequestsKey, req.InternalState), raw, authRequestLifetime); err != nil {
		logger.Errorw("failed to persist authorization request", "client_id", clientID, "error", err)
		redirectError(w, r, redirectURI, state, "server_error", "failed to store authorization request")
		return
	}

	http.Redirect(w, r, s.upstream.AuthorizeURL(req.InternalState), http.StatusFound)
}

// finishAuthorize mints the code and sends the user agent back to the client.
func (s *Server) finishAuthorize(w http.ResponseWriter, r *http.Request, req *AuthRequest, userID string) {
	code, err := s.tokens.MintCode(r.Context(), req, userID)
	if err != nil {
		logger.Errorw("failed to mint authorization code", "client_id", req.ClientID, "error", err)
		redirectError(w, r, req.RedirectURI, req.State, "server_error", "failed to issue authorization code")
		return
	}

	u := mustParseURL(req.RedirectURI)
	q := u.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
