package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/portcullis-gw/portcullis/internal"
	"github.com/portcullis-gw/portcullis/internal/auth"
	"github.com/portcullis-gw/portcullis/internal/storage"
)

// maxAuthBody bounds login/register payloads.
const maxAuthBody = 1 << 16

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleLogin verifies credentials against the user registry and, on
// success, issues a signed bearer token.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil || s.deps.Issuer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("authentication unavailable"))
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("username and password are required"))
		return
	}

	user, err := s.deps.Users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"))
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"))
		return
	}

	token, expiresIn, err := s.deps.Issuer.Issue(user.Username, user.Roles, user.Scopes)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer", ExpiresIn: expiresIn})
}

type registerRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// handleRegister creates a new user credential, hashing the supplied
// password before persisting it.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("registration unavailable"))
		return
	}

	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("username and password are required"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to create account"))
		return
	}

	user := &storage.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Username:     req.Username,
		PasswordHash: hash,
		Roles:        req.Roles,
		Scopes:       req.Scopes,
		CreatedAt:    time.Now(),
	}
	if err := s.deps.Users.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorResponse("username already taken"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to create account"))
		return
	}
	w.Header().Set("Location", "/api/auth/login")
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

type serviceInfo struct {
	Name           string   `json:"name"`
	Public         bool     `json:"public"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
}

// handleListServices lists every configured route.
func (s *server) handleListServices(w http.ResponseWriter, r *http.Request) {
	routes := s.deps.Resolver.All()
	out := make([]serviceInfo, 0, len(routes))
	for _, rt := range routes {
		out = append(out, serviceInfo{Name: rt.Name, Public: rt.Public, RequiredScopes: rt.RequiredScopes})
	}
	writeJSON(w, http.StatusOK, out)
}

type circuitInfo struct {
	Service string `json:"service"`
	State   string `json:"state"`
}

// handleListCircuits reports the current state of every circuit breaker
// that has been created so far.
func (s *server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	breakers := s.deps.Breakers.All()
	out := make([]circuitInfo, 0, len(breakers))
	for service, b := range breakers {
		out = append(out, circuitInfo{Service: service, State: b.State().String()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResetCircuit forces the named service's breaker back to Closed.
// Idempotent: resetting an already-closed breaker is a no-op. Answers 204
// with no body.
func (s *server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	b := s.deps.Breakers.GetOrCreate(service)
	b.Reset()
	w.WriteHeader(http.StatusNoContent)
}
