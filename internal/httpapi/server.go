// Package httpapi exposes the gateway over a REST API. Every request acts on
// behalf of one tenant, identified by the X-User-ID and X-Org-ID headers the
// fronting proxy injects after authentication.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/storage"
)

const (
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Org-ID"
)

// Server provides the HTTP API with a chi router.
type Server struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
	router  *chi.Mux
}

// NewServer creates the API server and mounts its routes.
func NewServer(gw *gateway.Gateway, logger *zap.Logger) *Server {
	s := &Server{
		gateway: gw,
		logger:  logger.Named("httpapi"),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Router returns the chi router for mounting or serving.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireTenant)

		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleSaveServer)
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetServer)
			r.Delete("/", s.handleDeleteServer)
			r.Post("/refresh", s.handleRefreshServer)
			r.Post("/token", s.handleSaveToken)
			r.Delete("/token", s.handleRevokeToken)
		})

		r.Get("/status", s.handleStatus)
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/call", s.handleCallTool)
	})
}

// tenant carries the acting identity extracted from request headers.
type tenant struct {
	userID string
	orgID  string
}

// requireTenant rejects requests that carry no user identity.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			s.writeError(w, http.StatusUnauthorized, "missing "+headerUserID+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestTenant(r *http.Request) tenant {
	return tenant{
		userID: r.Header.Get(headerUserID),
		orgID:  r.Header.Get(headerOrgID),
	}
}

// apiResponse is the uniform envelope of every API reply.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

// writeGatewayError maps gateway errors onto HTTP statuses.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrServerNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	servers, err := s.gateway.ListServers(r.Context(), t.userID, t.orgID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"servers": servers})
}

// serverRequest is the body of server create and update calls.
type serverRequest struct {
	ID             string                `json:"id,omitempty"`
	Name           string                `json:"name"`
	URL            string                `json:"url,omitempty"`
	Protocol       string                `json:"protocol,omitempty"`
	Command        string                `json:"command,omitempty"`
	Args           []string              `json:"args,omitempty"`
	Env            map[string]string     `json:"env,omitempty"`
	Headers        map[string]string     `json:"headers,omitempty"`
	CredentialType config.CredentialType `json:"credential_type,omitempty"`
	OAuthServerID  string                `json:"oauth_server_id,omitempty"`
	Enabled        *bool                 `json:"enabled,omitempty"`
}

func (s *Server) handleSaveServer(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)

	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	record := &storage.ServerRecord{
		ID:             req.ID,
		UserID:         t.userID,
		OrgID:          t.orgID,
		Name:           req.Name,
		URL:            req.URL,
		Protocol:       req.Protocol,
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		Headers:        req.Headers,
		CredentialType: req.CredentialType,
		OAuthServerID:  req.OAuthServerID,
		Enabled:        enabled,
	}

	saved, err := s.gateway.SaveServer(r.Context(), record)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"server": saved})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	record, err := s.gateway.GetServer(r.Context(), t.userID, t.orgID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"server": record})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	id := chi.URLParam(r, "id")
	if err := s.gateway.DeleteServer(r.Context(), t.userID, t.orgID, id); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"deleted": id})
}

func (s *Server) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	id := chi.URLParam(r, "id")
	if err := s.gateway.RefreshServerConnection(r.Context(), t.userID, t.orgID, id); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"refreshed": id})
}

// tokenRequest is the body of token save calls.
type tokenRequest struct {
	AccessToken    string                `json:"access_token"`
	RefreshToken   string                `json:"refresh_token,omitempty"`
	TokenType      string                `json:"token_type,omitempty"`
	Scope          string                `json:"scope,omitempty"`
	ExpiresAt      time.Time             `json:"expires_at,omitempty"`
	ExpiresIn      int64                 `json:"expires_in,omitempty"`
	TokenEndpoint  string                `json:"token_endpoint,omitempty"`
	CredentialType config.CredentialType `json:"credential_type,omitempty"`
}

func (s *Server) handleSaveToken(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() && req.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}

	record := &storage.TokenRecord{
		ServerID:       chi.URLParam(r, "id"),
		UserID:         t.userID,
		OrgID:          t.orgID,
		CredentialType: req.CredentialType,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenType:      req.TokenType,
		Scope:          req.Scope,
		ExpiresAt:      expiresAt,
		TokenEndpoint:  req.TokenEndpoint,
	}

	saved, err := s.gateway.SaveAccessToken(r.Context(), record)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{
		"token_id":   saved.ID,
		"expires_at": saved.ExpiresAt,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	id := chi.URLParam(r, "id")
	credentialType := config.CredentialType(r.URL.Query().Get("credential_type"))

	if err := s.gateway.RevokeAccessToken(r.Context(), t.userID, t.orgID, id, credentialType); err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"revoked": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	statuses, err := s.gateway.Statuses(r.Context(), t.userID, t.orgID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"servers": statuses})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)
	tools, err := s.gateway.Tools(r.Context(), t.userID, t.orgID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"tools": tools})
}

// callRequest is the body of tool invocation calls.
type callRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	t := requestTenant(r)

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	result, err := s.gateway.CallTool(r.Context(), t.userID, t.orgID, req.Tool, req.Args)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"result": result})
}
