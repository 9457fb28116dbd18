package server

import "net/http"

// Pre-allocated response body: okBody avoids a per-call heap escape.
// The header value reuses jsonCT from proxy.go.
var okBody = []byte(`{"status":"ok"}`)

// handleHealth is a liveness probe: it never touches the store or any
// upstream, so it answers even when everything downstream is unreachable.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

type detailedHealth struct {
	Status   string            `json:"status"`
	Store    string            `json:"store"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

// handleHealthDetailed is a readiness probe: it checks shared-store
// reachability and reports every known circuit's current state, so an
// operator can see at a glance which services are degraded.
func (s *server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storeStatus := "disabled"
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			storeStatus = "unreachable"
			status = "degraded"
		} else {
			storeStatus = "ok"
		}
	}

	circuits := make(map[string]string)
	if s.deps.Breakers != nil {
		for service, b := range s.deps.Breakers.All() {
			circuits[service] = b.State().String()
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, detailedHealth{Status: status, Store: storeStatus, Circuits: circuits})
}
