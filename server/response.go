package server

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the uniform error envelope for every non-2xx response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the error envelope, echoing the caller's correlation
// id when an X-Request-ID header is present.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

// codeForStatus maps an HTTP status to its envelope code. Statuses without
// a dedicated code fall back to the generic "http_error".
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "http_error"
	}
}

// writeHTTPError writes the envelope with the code derived from the status.
func writeHTTPError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeError(w, r, status, codeForStatus(status), message, nil)
}
