package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. RequestID lets an
// operator correlate a reported failure with the matching "http request"
// log line (same X-Request-ID the Logger middleware attaches), without
// having to round-trip the response header back through whatever client
// surfaced the error (CLI, curl, a plugin's RPC caller).
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes a JSON error response, tagging it with the request's
// correlation id if one was assigned.
func RespondError(w http.ResponseWriter, r *http.Request, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:     err,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// RespondDomainError writes the response for a domain error produced by the
// lease/host/pool/plugin packages, using the Kind's mapped HTTP status. Errors
// not tagged with a Kind are treated as internal and their detail is not
// leaked to the caller.
func RespondDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var derr *apperror.Error
	if errors.As(err, &derr) {
		RespondError(w, r, derr.Status(), string(derr.Kind), derr.Message)
		return
	}
	logger.Error("unhandled internal error", "error", err, "request_id", RequestIDFromContext(r.Context()))
	RespondError(w, r, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}
