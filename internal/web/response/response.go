// Package response renders JSON bodies and errors for the HTTP sink.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JSON writes v with the given status
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RenderError writes err with a code derived from the status
func RenderError(w http.ResponseWriter, status int, err error) {
	RenderErrorWithDetails(w, status, err, nil)
}

// RenderErrorWithDetails writes err with additional details
func RenderErrorWithDetails(w http.ResponseWriter, status int, err error, details map[string]interface{}) {
	JSON(w, status, &ErrorResponse{
		Error:   CodeFromStatus(status),
		Message: err.Error(),
		Details: details,
	})
}

// RenderBadRequest renders a 400
func RenderBadRequest(w http.ResponseWriter, message string) {
	RenderError(w, http.StatusBadRequest, fmt.Errorf("%s", message))
}

// RenderUnauthorized renders a 401 with a bearer challenge
func RenderUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="cascade"`)
	RenderError(w, http.StatusUnauthorized, fmt.Errorf("%s", message))
}

// RenderForbidden renders a 403
func RenderForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Access denied"
	}
	RenderError(w, http.StatusForbidden, fmt.Errorf("%s", message))
}

// RenderNotFound renders a 404
func RenderNotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Resource not found"
	}
	RenderError(w, http.StatusNotFound, fmt.Errorf("%s", message))
}

// RenderInternalError renders a 500 without leaking err to the client
func RenderInternalError(w http.ResponseWriter) {
	RenderError(w, http.StatusInternalServerError, fmt.Errorf("an unexpected error occurred"))
}

// RenderServiceUnavailable renders a 503
func RenderServiceUnavailable(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	RenderError(w, http.StatusServiceUnavailable, fmt.Errorf("%s", message))
}

// CodeFromStatus maps HTTP status codes to error codes
func CodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "error"
	}
}
