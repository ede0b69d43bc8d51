package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/siprouted/siprouted/internal/database/models"
)

// gatewayRequest is the JSON request body for creating/updating a gateway.
type gatewayRequest struct {
	Name       string   `json:"name"`
	Enabled    *bool    `json:"enabled"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	Host       string   `json:"host"`
	Transport  string   `json:"transport"`
	Expires    int      `json:"expires"`
	Registries []string `json:"registries"`
}

// gatewayResponse is the JSON response for a single gateway. Password is
// never returned.
type gatewayResponse struct {
	ID         int64    `json:"id"`
	Ref        string   `json:"ref"`
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	Username   string   `json:"username"`
	Host       string   `json:"host"`
	Transport  string   `json:"transport"`
	Expires    int      `json:"expires"`
	Registries []string `json:"registries"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

func toGatewayResponse(g *models.Gateway) gatewayResponse {
	registries := g.RegistryHosts()
	if registries == nil {
		registries = []string{}
	}
	return gatewayResponse{
		ID:         g.ID,
		Ref:        g.Ref,
		Name:       g.Name,
		Enabled:    g.Enabled,
		Username:   g.Username,
		Host:       g.Host,
		Transport:  g.Transport,
		Expires:    g.Expires,
		Registries: registries,
		CreatedAt:  g.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  g.UpdatedAt.Format(time.RFC3339),
	}
}

// validate checks a gateway request, returning a client-facing message on
// failure.
func (req *gatewayRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Host) == "" {
		return "host is required"
	}
	switch strings.ToLower(req.Transport) {
	case "", "udp", "tcp", "tls", "ws", "wss":
	default:
		return "transport must be one of udp, tcp, tls, ws, wss"
	}
	if req.Expires < 0 {
		return "expires must not be negative"
	}
	return ""
}

// encodeRegistries marshals the registries list for storage.
func encodeRegistries(hosts []string) string {
	if hosts == nil {
		return "[]"
	}
	b, err := json.Marshal(hosts)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// handleListGateways returns all gateways.
func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := s.gateways.List(r.Context())
	if err != nil {
		slog.Error("list gateways: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]gatewayResponse, len(gateways))
	for i := range gateways {
		out[i] = toGatewayResponse(&gateways[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateGateway creates a new gateway.
func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	transport := strings.ToLower(req.Transport)
	if transport == "" {
		transport = "udp"
	}

	gw := &models.Gateway{
		Ref:        uuid.NewString(),
		Name:       req.Name,
		Enabled:    enabled,
		Username:   req.Username,
		Password:   req.Password,
		Host:       req.Host,
		Transport:  transport,
		Expires:    req.Expires,
		Registries: encodeRegistries(req.Registries),
	}

	if err := s.gateways.Create(r.Context(), gw); err != nil {
		slog.Error("create gateway: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.gateways.GetByID(r.Context(), gw.ID)
	if err != nil || created == nil {
		slog.Error("create gateway: failed to reload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toGatewayResponse(created))
}

// handleGetGateway returns a single gateway by ID.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw := s.loadGateway(w, r)
	if gw == nil {
		return
	}
	writeJSON(w, http.StatusOK, toGatewayResponse(gw))
}

// handleUpdateGateway modifies an existing gateway. An empty password in the
// request keeps the stored one.
func (s *Server) handleUpdateGateway(w http.ResponseWriter, r *http.Request) {
	gw := s.loadGateway(w, r)
	if gw == nil {
		return
	}

	var req gatewayRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	gw.Name = req.Name
	if req.Enabled != nil {
		gw.Enabled = *req.Enabled
	}
	gw.Username = req.Username
	if req.Password != "" {
		gw.Password = req.Password
	}
	gw.Host = req.Host
	if req.Transport != "" {
		gw.Transport = strings.ToLower(req.Transport)
	}
	gw.Expires = req.Expires
	gw.Registries = encodeRegistries(req.Registries)

	if err := s.gateways.Update(r.Context(), gw); err != nil {
		slog.Error("update gateway: failed to update", "error", err, "id", gw.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.gateways.GetByID(r.Context(), gw.ID)
	if err != nil || updated == nil {
		slog.Error("update gateway: failed to reload", "error", err, "id", gw.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toGatewayResponse(updated))
}

// handleDeleteGateway removes a gateway.
func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	gw := s.loadGateway(w, r)
	if gw == nil {
		return
	}

	if err := s.gateways.Delete(r.Context(), gw.ID); err != nil {
		slog.Error("delete gateway: failed to delete", "error", err, "id", gw.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleRegisterGateway performs a one-shot registration for a gateway,
// outside the periodic cycle.
func (s *Server) handleRegisterGateway(w http.ResponseWriter, r *http.Request) {
	gw := s.loadGateway(w, r)
	if gw == nil {
		return
	}

	if err := s.registrar.RegisterNow(r.Context(), *gw); err != nil {
		slog.Warn("on-demand registration failed", "gateway", gw.Name, "error", err)
		writeError(w, http.StatusBadGateway, "registration failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

// loadGateway parses the {id} URL parameter and loads the gateway, writing
// the error response itself when that fails.
func (s *Server) loadGateway(w http.ResponseWriter, r *http.Request) *models.Gateway {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gateway id")
		return nil
	}

	gw, err := s.gateways.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("load gateway: failed to query", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if gw == nil {
		writeError(w, http.StatusNotFound, "gateway not found")
		return nil
	}
	return gw
}
