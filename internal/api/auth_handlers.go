package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/siprouted/siprouted/internal/api/middleware"
	"github.com/siprouted/siprouted/internal/database"
	"github.com/siprouted/siprouted/internal/database/models"
)

// credentialsRequest is the JSON body for setup and login.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse carries a signed admin token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleSetup creates the first admin account. It only works while no admin
// exists; afterwards it always returns 409.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if strings.TrimSpace(req.Username) == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username is required and password must be at least 8 characters")
		return
	}

	count, err := s.admins.Count(r.Context())
	if err != nil {
		slog.Error("setup: failed to count admins", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		slog.Error("setup: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &models.AdminUser{Username: req.Username, PasswordHash: hash}
	if err := s.admins.Create(r.Context(), user); err != nil {
		slog.Error("setup: failed to create admin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("admin account created", "username", user.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

// handleLogin verifies admin credentials and returns a signed token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	user, err := s.admins.GetByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("login: failed to query admin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		slog.Warn("login: invalid credentials", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken([]byte(s.cfg.JWTSecret), user.ID, user.Username)
	if err != nil {
		slog.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
