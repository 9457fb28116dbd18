// Package router resolves inbound request paths of the form
// "/api/<service>/<rest...>" to a configured gateway.ServiceRoute.
package router

import (
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/portcullis-gw/portcullis/internal"
)

// pathCacheTTL bounds how long a parsed path split is cached. The route
// table itself never changes at runtime (immutable after config load);
// this cache only avoids re-splitting the same hot path on every request.
const pathCacheTTL = 30 * time.Second

type splitPath struct {
	service string
	rest    string
}

// Resolver resolves "/api/<service>/<rest...>" against the immutable route
// table loaded at startup.
type Resolver struct {
	routes map[string]gateway.ServiceRoute
	cache  *otter.Cache[string, splitPath]
}

// NewResolver builds a Resolver over the given service routes.
func NewResolver(routes []gateway.ServiceRoute) *Resolver {
	byName := make(map[string]gateway.ServiceRoute, len(routes))
	for _, r := range routes {
		byName[r.Name] = r
	}
	cache := otter.Must(&otter.Options[string, splitPath]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, splitPath](pathCacheTTL),
	})
	return &Resolver{routes: byName, cache: cache}
}

// Resolve splits "/api/<service>/<rest...>" and looks up the service in the
// route table. ok is false if the path isn't of that shape or the service
// is unknown, both of which the caller maps to 404 without ever touching
// an upstream or a breaker counter.
func (r *Resolver) Resolve(path string) (route gateway.ServiceRoute, rest string, ok bool) {
	sp, cached := r.cache.GetIfPresent(path)
	if !cached {
		var parsed bool
		sp, parsed = split(path)
		if !parsed {
			return gateway.ServiceRoute{}, "", false
		}
		r.cache.Set(path, sp)
	}
	route, ok = r.routes[sp.service]
	if !ok {
		return gateway.ServiceRoute{}, "", false
	}
	return route, sp.rest, true
}

// All returns every configured service route, used by GET /api/services.
func (r *Resolver) All() []gateway.ServiceRoute {
	out := make([]gateway.ServiceRoute, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}

// split parses "/api/<service>/<rest...>" into its service and rest
// components. rest may be empty when the path is exactly "/api/<service>".
func split(path string) (splitPath, bool) {
	const prefix = "/api/"
	if !strings.HasPrefix(path, prefix) {
		return splitPath{}, false
	}
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == "" {
		return splitPath{}, false
	}
	service, rest, _ := strings.Cut(trimmed, "/")
	if service == "" {
		return splitPath{}, false
	}
	return splitPath{service: service, rest: rest}, true
}
