package authserver

import (
	"encoding/json"
	"net/http"

	"github.com/meridianhq/mcpserve/pkg/kv"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

// HandleCallback implements the upstream provider callback. The state
// parameter is the opaque internal state minted by HandleAuthorize; it is
// consumed atomically so a replayed callback cannot mint a second code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	internalState := q.Get("state")
	if internalState == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "state is required")
		return
	}

	raw, err := s.store.Take(r.Context(), append(authRequestsKey, internalState))
	if err == kv.ErrNotFound {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown or expired authorization request")
		return
	}
	if err != nil {
		logger.Errorw("failed to load authorization request", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to load authorization request")
		return
	}
	var req AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "corrupt authorization request")
		return
	}

	// Upstream denial propagates to the client with its original state.
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		redirectError(w, r, req.RedirectURI, req.State, "access_denied", q.Get("error_description"))
		return
	}

	code := q.Get("code")
	if code == "" {
		redirectError(w, r, req.RedirectURI, req.State, "invalid_request", "upstream callback is missing the code parameter")
		return
	}
	if s.upstream == nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "no upstream provider is configured")
		return
	}

	userID, err := s.upstream.ExchangeCode(r.Context(), code)
	if err != nil {
		logger.Errorw("upstream code exchange failed", "client_id", req.ClientID, "error", err)
		redirectError(w, r, req.RedirectURI, req.State, "access_denied", "upstream token exchange failed")
		return
	}

	s.finishAuthorize(w, r, &req, userID)
}
