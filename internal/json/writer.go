// Package json writes the forward endpoint's JSON bodies. Every response is
// marked no-store since bodies can describe credential handoffs.
package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/webview-handoff/internal/log"
)

// ErrorCode is the machine-readable "error" field of an error body
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "bad_request"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeForbidden        ErrorCode = "forbidden"
	CodeNotFound         ErrorCode = "not_found"
	CodeMethodNotAllowed ErrorCode = "method_not_allowed"
	CodeInternal         ErrorCode = "internal_server_error"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

// WriteResponse encodes data with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write encodes data with 200 OK
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes an ErrorResponse. Headers are already sent if encoding
// fails, so the failure is only logged.
func WriteError(w http.ResponseWriter, statusCode int, code ErrorCode, message string) {
	_ = WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// WriteUnauthorized adds the Bearer challenge the forwarding client answers
func WriteUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// WriteMethodNotAllowed sets Allow to the single accepted method
func WriteMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "use "+allowed)
}
