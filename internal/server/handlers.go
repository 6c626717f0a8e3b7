package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dgellow/webview-handoff/internal/handoff"
	jsonwriter "github.com/dgellow/webview-handoff/internal/json"
	"github.com/dgellow/webview-handoff/internal/log"
)

const maxActivateBody = 8 << 10

// Activator accepts activation URIs forwarded by later invocations
type Activator interface {
	OnResume(ctx context.Context, rawURI string) (claimed bool, err error)
}

// StatusReporter exposes the handoff machine's state
type StatusReporter interface {
	State() handoff.State
	Stats() handoff.Stats
}

// ActivateRequest is the body of POST /activate
type ActivateRequest struct {
	URI string `json:"uri"`
}

// ActivateResponse reports whether a listener claimed the activation
type ActivateResponse struct {
	Status  string `json:"status"`
	Claimed bool   `json:"claimed"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string        `json:"status"`
	Handoff string        `json:"handoff"`
	Stats   handoff.Stats `json:"stats"`
}

// ActivationHandler feeds forwarded activations into the host
type ActivationHandler struct {
	activator Activator
}

// NewActivationHandler creates a new activation handler
func NewActivationHandler(activator Activator) *ActivationHandler {
	return &ActivationHandler{activator: activator}
}

// ServeHTTP implements http.Handler for POST /activate
func (h *ActivationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req ActivateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActivateBody)).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "body must be {\"uri\": \"...\"}")
		return
	}
	if req.URI == "" {
		jsonwriter.WriteBadRequest(w, "uri is required")
		return
	}

	claimed, err := h.activator.OnResume(r.Context(), req.URI)
	if err != nil {
		// The error never carries the URI's query
		log.LogWarnWithFields("forward", "Rejected forwarded activation", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "invalid activation uri")
		return
	}

	_ = jsonwriter.WriteResponse(w, http.StatusAccepted, ActivateResponse{
		Status:  "accepted",
		Claimed: claimed,
	})
}

// HealthHandler handles health check requests
type HealthHandler struct {
	status StatusReporter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(status StatusReporter) *HealthHandler {
	return &HealthHandler{status: status}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	_ = jsonwriter.Write(w, HealthResponse{
		Status:  "ok",
		Handoff: h.status.State().String(),
		Stats:   h.status.Stats(),
	})
}

// NewHandler builds the loopback forward endpoint. Every route is loopback
// only; /activate additionally requires the instance secret.
func NewHandler(activator Activator, status StatusReporter, secret string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/activate", ChainMiddleware(
		NewActivationHandler(activator),
		NewBearerAuthMiddleware(secret),
		NewLoopbackMiddleware(),
		NewLoggerMiddleware("forward"),
		NewRecoverMiddleware("forward"),
	))
	mux.Handle("/health", ChainMiddleware(
		NewHealthHandler(status),
		NewLoopbackMiddleware(),
		NewLoggerMiddleware("health"),
		NewRecoverMiddleware("health"),
	))
	mux.Handle("/", ChainMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			jsonwriter.WriteNotFound(w, "unknown route")
		}),
		NewLoopbackMiddleware(),
	))

	return mux
}
