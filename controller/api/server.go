// Package api exposes the controller's operations over HTTP for panels
// and automation. Every mutating route goes through the same lifecycle
// coordinator the CLI uses, so the administrative lock and rollback
// rules hold regardless of the entry point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/licht8/pyWGgen-sub000/controller/analyzer"
	"github.com/licht8/pyWGgen-sub000/controller/diag"
	"github.com/licht8/pyWGgen-sub000/controller/lifecycle"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// Server wires the HTTP surface over the controller components.
type Server struct {
	coordinator *lifecycle.Coordinator
	store       *store.Store
	journal     *store.Journal
	aggregator  *diag.Aggregator
	analyzer    *analyzer.Client
	tokenSecret []byte
	logger      *slog.Logger
}

// NewServer creates the HTTP server. journal and analyzer may be nil;
// their routes then return 503.
func NewServer(coord *lifecycle.Coordinator, st *store.Store, journal *store.Journal, agg *diag.Aggregator, an *analyzer.Client, tokenSecret string, logger *slog.Logger) *Server {
	return &Server{
		coordinator: coord,
		store:       st,
		journal:     journal,
		aggregator:  agg,
		analyzer:    an,
		tokenSecret: []byte(tokenSecret),
		logger:      logger,
	}
}

// Router builds the route table. /healthz and /metrics are open; the
// /api/v1 tree requires a bearer token.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware, s.metricsMiddleware)

	v1.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	v1.HandleFunc("/users", s.handleListUsers).Methods("GET")
	v1.HandleFunc("/users/{username}", s.handleGetUser).Methods("GET")
	v1.HandleFunc("/users/{username}", s.handleDeleteUser).Methods("DELETE")
	v1.HandleFunc("/users/{username}/block", s.handleBlockUser).Methods("POST")
	v1.HandleFunc("/users/{username}/unblock", s.handleUnblockUser).Methods("POST")
	v1.HandleFunc("/users/{username}/extend", s.handleExtendUser).Methods("POST")
	v1.HandleFunc("/users/{username}/reset", s.handleResetUser).Methods("POST")
	v1.HandleFunc("/users/{username}/rotate", s.handleRotateUser).Methods("POST")
	v1.HandleFunc("/users/{username}/history", s.handleUserHistory).Methods("GET")

	v1.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	v1.HandleFunc("/sweep", s.handleSweep).Methods("POST")
	v1.HandleFunc("/ask", s.handleAsk).Methods("POST")

	return router
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown failed", "error", err)
		}
	}()
	s.logger.Info("HTTP API listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		LifetimeDays int    `json:"lifetime_days"`
		Email        string `json:"email"`
		Telegram     string `json:"telegram"`
		Notes        string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := s.coordinator.Create(r.Context(), lifecycle.CreateRequest{
		Username:     req.Username,
		LifetimeDays: req.LifetimeDays,
		Email:        req.Email,
		Telegram:     req.Telegram,
		Notes:        req.Notes,
	})
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("deleted") == "true"
	users := s.store.List(func(rec *models.UserRecord) bool {
		return includeDeleted || !rec.Deleted()
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	rec, ok := s.store.Get(username)
	if !ok {
		s.writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.coordinator.Delete(r.Context(), username); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "User deleted",
		"username": username,
	})
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.coordinator.Block(r.Context(), username); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "User blocked",
		"username": username,
	})
}

func (s *Server) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.coordinator.Unblock(r.Context(), username); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "User unblocked",
		"username": username,
	})
}

func (s *Server) handleExtendUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	days, ok := s.decodeDays(w, r)
	if !ok {
		return
	}
	if err := s.coordinator.Extend(r.Context(), username, days); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Expiry extended",
		"username": username,
		"days":     days,
	})
}

func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	days, ok := s.decodeDays(w, r)
	if !ok {
		return
	}
	if err := s.coordinator.Reset(r.Context(), username, days); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Expiry reset",
		"username": username,
	})
}

func (s *Server) handleRotateUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	rec, err := s.coordinator.Rotate(r.Context(), username)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Audit journal not configured", nil)
		return
	}
	username := mux.Vars(r)["username"]
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	entries, err := s.journal.History(username, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"entries":  entries,
		"count":    len(entries),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	snap := s.aggregator.Snapshot(r.Context())
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.coordinator.Sweep(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Sweep complete",
		"expired": expired,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Analyzer not configured", nil)
		return
	}
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "Question is required", nil)
		return
	}
	snap := s.aggregator.Snapshot(r.Context())
	answer, err := s.analyzer.Ask(r.Context(), snap, req.Question)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Analyzer request failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"question": req.Question,
		"answer":   answer,
	})
}

func (s *Server) decodeDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return 0, false
	}
	return req.Days, true
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownUser):
		s.writeError(w, http.StatusNotFound, "User not found", err)
	case errors.Is(err, lifecycle.ErrUserExists):
		s.writeError(w, http.StatusConflict, "User already exists", err)
	case errors.Is(err, lifecycle.ErrUserDeleted),
		errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrNotBlocked):
		s.writeError(w, http.StatusConflict, "User state does not allow this operation", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "Operation failed", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":   message,
		"success": false,
	}
	if err != nil {
		response["details"] = err.Error()
		s.logger.Error("API error", "message", message, "error", err)
	} else {
		s.logger.Warn("API error", "message", message)
	}
	s.writeJSON(w, statusCode, response)
}

// MintToken issues an HS256 admin token, used by the `token` command.
func MintToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
