package gateway

import "errors"

// Sentinel errors mapped to HTTP status codes at the server boundary via
// errors.Is. See internal/server/proxy.go's errorStatus.
var (
	ErrMalformed        = errors.New("malformed request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("route not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamUnreach  = errors.New("upstream unreachable")
)
