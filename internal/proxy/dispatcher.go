package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/portcullis-gw/portcullis/internal"
)

// Outcome is the result of one dispatch, carrying what the breaker and the
// metrics recorder each need.
type Outcome struct {
	Status  int
	Err     error
	Latency time.Duration
}

// Dispatcher forwards proxied requests to resolved service routes.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher builds a Dispatcher sending requests over transport.
func NewDispatcher(transport http.RoundTripper) *Dispatcher {
	return &Dispatcher{client: &http.Client{Transport: transport}}
}

// Dispatch implements dispatch(route, request) -> response | DispatchError
// It builds the outbound request with a deadline equal to the
// route's timeout, strips hop-by-hop headers, injects X-Forwarded-* and
// X-Request-ID, streams the response back without buffering the full body,
// and reports the outcome for the circuit breaker and metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, route gateway.ServiceRoute, rest string, clientIP string, requestID string, w http.ResponseWriter, r *http.Request) Outcome {
	start := time.Now()

	deadline := route.Timeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	targetURL := strings.TrimRight(route.UpstreamBaseURL, "/") + "/" + rest
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "invalid upstream request")
		return Outcome{Status: http.StatusBadGateway, Err: err, Latency: time.Since(start)}
	}

	for key, vals := range r.Header {
		if isHopByHop(key) {
			continue
		}
		outReq.Header[key] = vals
	}
	appendForwardedFor(outReq.Header, clientIP)
	outReq.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	if outReq.Header.Get("X-Request-ID") == "" {
		if requestID == "" {
			requestID = uuid.Must(uuid.NewV7()).String()
		}
		outReq.Header.Set("X-Request-ID", requestID)
	}

	resp, err := d.client.Do(outReq)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "upstream timeout")
			return Outcome{Status: http.StatusGatewayTimeout, Err: gateway.ErrUpstreamTimeout, Latency: latency}
		}
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return Outcome{Status: http.StatusBadGateway, Err: gateway.ErrUpstreamUnreach, Latency: latency}
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	streamBody(w, resp)
	return Outcome{Status: resp.StatusCode, Latency: latency}
}

// streamBody copies the upstream response to w, flushing after every chunk
// for SSE/NDJSON content types so clients see incremental data instead of
// waiting for the full body.
func streamBody(w http.ResponseWriter, resp *http.Response) {
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if !needsFlush {
		_, _ = io.Copy(w, resp.Body)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
