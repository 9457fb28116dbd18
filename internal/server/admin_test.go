package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	h := New(deps)

	regBody, _ := json.Marshal(registerRequest{Username: "alice", Password: "hunter2", Scopes: []string{"orders:read"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(regBody))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	loginBody, _ := json.Marshal(loginRequest{Username: "alice", Password: "hunter2"})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(loginBody))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("expected non-empty access_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want bearer", resp.TokenType)
	}

	if _, err := deps.Verifier.Verify(resp.AccessToken); err != nil {
		t.Errorf("issued token failed verification: %v", err)
	}
}

func TestRegister_DuplicateUsernameConflicts(t *testing.T) {
	t.Parallel()

	h := New(newTestDeps())

	body, _ := json.Marshal(registerRequest{Username: "bob", Password: "pw12345"})
	for i, wantCode := range []int{http.StatusCreated, http.StatusConflict} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body))
		h.ServeHTTP(rec, req)
		if rec.Code != wantCode {
			t.Fatalf("attempt %d: status = %d, want %d", i, rec.Code, wantCode)
		}
	}
}

func TestLogin_WrongPasswordUnauthorized(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	h := New(deps)

	regBody, _ := json.Marshal(registerRequest{Username: "carol", Password: "correct-horse"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(regBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d", rec.Code)
	}

	loginBody, _ := json.Marshal(loginRequest{Username: "carol", Password: "wrong"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(loginBody)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestLogin_UnknownUserUnauthorized(t *testing.T) {
	t.Parallel()

	h := New(newTestDeps())
	body, _ := json.Marshal(loginRequest{Username: "ghost", Password: "x"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestListServices(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	h := New(deps)

	token, _, _ := deps.Issuer.Issue("alice", nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var services []serviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &services); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("len(services) = %d, want 2", len(services))
	}
}

func TestListServices_NoTokenUnauthorized(t *testing.T) {
	t.Parallel()

	h := New(newTestDeps())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestListCircuitsAndReset(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	h := New(deps)

	breaker := deps.Breakers.GetOrCreate("orders")
	for range 5 {
		breaker.RecordError()
	}

	token, _, _ := deps.Issuer.Issue("alice", nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/circuits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list circuits: status = %d", rec.Code)
	}
	var circuits []circuitInfo
	json.Unmarshal(rec.Body.Bytes(), &circuits)
	found := false
	for _, c := range circuits {
		if c.Service == "orders" && c.State == "open" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected orders circuit to be open, got %+v", circuits)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/circuits/orders/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset: status = %d", rec.Code)
	}
	if breaker.State() != 0 { // StateClosed
		t.Errorf("breaker.State() = %v, want closed after reset", breaker.State())
	}
}

func TestLogin_UsersStoreDisabled(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	deps.Users = nil
	h := New(deps)

	body, _ := json.Marshal(loginRequest{Username: "x", Password: "y"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
