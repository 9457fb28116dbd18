package server

import (
	"context"
	"errors"
	"sync"
	"time"

	gateway "github.com/portcullis-gw/portcullis/internal"
	"github.com/portcullis-gw/portcullis/internal/auth"
	"github.com/portcullis-gw/portcullis/internal/circuitbreaker"
	"github.com/portcullis-gw/portcullis/internal/router"
	"github.com/portcullis-gw/portcullis/internal/storage"
)

const testSigningSecret = "test-signing-secret-at-least-32-bytes-long"

// memUserStore is an in-memory storage.UserStore for tests, avoiding a
// real SQLite file.
type memUserStore struct {
	mu    sync.Mutex
	users map[string]*storage.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*storage.User)}
}

func (m *memUserStore) CreateUser(ctx context.Context, u *storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return gateway.ErrConflict
	}
	cp := *u
	cp.CreatedAt = time.Now()
	m.users[u.Username] = &cp
	return nil
}

func (m *memUserStore) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, errors.New("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) Close() error { return nil }

// testServerRoutes returns a small fixture route table: one protected route
// requiring a scope, and one public route.
func testServerRoutes() []gateway.ServiceRoute {
	return []gateway.ServiceRoute{
		{Name: "orders", UpstreamBaseURL: "http://orders.internal", Timeout: 2 * time.Second, RequiredScopes: []string{"orders:read"}},
		{Name: "docs", UpstreamBaseURL: "http://docs.internal", Timeout: 2 * time.Second, Public: true},
	}
}

// newTestDeps builds a Deps fixture wired against in-memory/no-op
// dependencies: no shared store, no rate limiting, a fresh breaker
// registry, and a real token issuer/verifier pair sharing testSigningSecret.
func newTestDeps() Deps {
	issuer := auth.NewIssuer(testSigningSecret, time.Hour)
	verifier := auth.NewVerifier(testSigningSecret, 5*time.Second)
	resolver := router.NewResolver(testServerRoutes())
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil)

	return Deps{
		Resolver: resolver,
		Breakers: breakers,
		Verifier: verifier,
		Issuer:   issuer,
		Users:    newMemUserStore(),
	}
}
