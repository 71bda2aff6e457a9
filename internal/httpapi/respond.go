package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/remus-node/remus/internal/apperr"
)

// maxJSONBodyBytes is the §4.4 request body limit for JSON endpoints.
// Multipart upload bodies are capped separately by the configured file
// limit; see uploads.go.
const maxJSONBodyBytes = 10 << 20

// writeJSON encodes value as JSON with the given status, matching the
// teacher's writeJSON convention of logging (never panicking) when the
// client has already gone away.
func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if value == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logger.Warn("writing JSON response", "error", err)
	}
}

// errorBody is the wire shape for every HTTP error response, per §7.
type errorBody struct {
	Error string `json:"error"`
}

// writeError classifies err via apperr.KindOf and writes the
// corresponding status code and structured body. Internal errors are
// logged with full detail but never leak their cause to the client.
func writeError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status, message := statusForKind(kind, err)

	if kind == apperr.Internal {
		logger.Error("request failed", "method", r.Method, "url", r.URL.String(), "error", err)
	}

	writeJSON(logger, w, status, errorBody{Error: message})
}

func statusForKind(kind apperr.Kind, err error) (int, string) {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest, err.Error()
	case apperr.Unauthenticated:
		return http.StatusUnauthorized, "authentication required"
	case apperr.AuthorityUnavailable:
		return http.StatusServiceUnavailable, "identity authority unavailable"
	case apperr.Forbidden:
		return http.StatusForbidden, "forbidden"
	case apperr.NotFound:
		return http.StatusNotFound, "not found"
	case apperr.Conflict:
		return http.StatusBadRequest, err.Error()
	case apperr.RateLimited:
		return http.StatusTooManyRequests, "rate limited"
	case apperr.UploadTooLarge:
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decodeJSON reads and validates a JSON request body, rejecting bodies
// over maxJSONBodyBytes and any trailing garbage after the object.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return apperr.Validationf("invalid request body: unexpected data after the JSON value")
	}
	return nil
}
