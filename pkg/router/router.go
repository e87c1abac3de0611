// Package router assembles the HTTP surface: the /mcp endpoint behind the
// auth middleware, the authorization server endpoints, the well-known
// discovery documents, and the operational endpoints.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/authserver"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/plugin"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/transport"
	"github.com/meridianhq/mcpserve/pkg/transport/session"
)

// callbackPaths are the aliases clients of various upstream providers use
// for the OAuth redirect URI.
var callbackPaths = []string{
	"/callback",
	"/oauth/callback",
	"/auth/callback",
	"/api/v1/auth/callback",
	"/api/v1/oauth/callback",
}

// Deps are the wired components the router exposes.
type Deps struct {
	Config     *config.Config
	AuthServer *authserver.Server
	Middleware *auth.Middleware
	MCP        http.Handler
	Sessions   *session.Manager
	Tools      *tools.Registry
	Plugins    *plugin.Manager
	Metrics    prometheus.Gatherer
	Info       transport.ServerInfo
}

// New builds the full HTTP handler.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	if deps.Config.HTTP.CORSEnabled {
		origins := deps.Config.HTTP.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "Mcp-Session-Id"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
			MaxAge:         300,
		}))
	}

	// Protocol endpoint, behind the auth middleware.
	mcpHandler := deps.MCP
	if deps.Middleware != nil {
		mcpHandler = deps.Middleware.Handler(mcpHandler)
	}
	r.Handle("/mcp", mcpHandler)

	// Authorization server.
	if deps.AuthServer != nil {
		r.Get("/authorize", deps.AuthServer.HandleAuthorize)
		r.Post("/token", deps.AuthServer.HandleToken)
		r.Post("/register", deps.AuthServer.HandleRegister)
		for _, path := range callbackPaths {
			r.Get(path, deps.AuthServer.HandleCallback)
		}
		r.Get("/.well-known/oauth-authorization-server", deps.AuthServer.HandleServerMetadata)
		r.Get("/.well-known/oauth-protected-resource", deps.AuthServer.HandleResourceMetadata)
		r.Get("/.well-known/oauth-protected-resource/*", deps.AuthServer.HandleResourceMetadata)
	}

	// Operational endpoints.
	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the operational snapshot served at /status.
type statusResponse struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Transport      string   `json:"transport"`
	ActiveSessions int      `json:"activeSessions"`
	ToolCount      int      `json:"toolCount"`
	Plugins        []string `json:"plugins"`
	AuthEnabled    bool     `json:"authEnabled"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{
			Name:        deps.Info.Name,
			Version:     deps.Info.Version,
			Transport:   deps.Config.Transport,
			AuthEnabled: deps.Config.Auth.Enabled,
			Plugins:     []string{},
		}
		if deps.Sessions != nil {
			resp.ActiveSessions = deps.Sessions.Count()
		}
		if deps.Tools != nil {
			resp.ToolCount = len(deps.Tools.List())
		}
		if deps.Plugins != nil {
			for _, info := range deps.Plugins.List() {
				resp.Plugins = append(resp.Plugins, info.Manifest.Name)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
