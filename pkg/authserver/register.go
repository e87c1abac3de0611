package authserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meridianhq/mcpserve/pkg/logger"
)

// registrationResponse is the RFC 7591 §3.2.1 response document.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
}

// HandleRegister implements POST /register, RFC 7591 dynamic client
// registration.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}

	client, err := s.clients.Register(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRegistrationDisabled):
			writeOAuthError(w, http.StatusForbidden, "invalid_request", err.Error())
		case errors.Is(err, ErrInvalidRedirectURI):
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
		case errors.Is(err, ErrInvalidClientMetadata):
			writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		default:
			logger.Errorw("client registration failed", "error", err)
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to register client")
		}
		return
	}

	logger.Infow("registered OAuth client", "client_id", client.ClientID, "client_name", client.ClientName)
	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ClientName:              client.ClientName,
	})
}
