// Package handler provides the HTTP API of the radar agent
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/agile-defense/radarsot/pkg/radar"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	userIDKey        contextKey = "user_id"
)

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID returns the request correlation ID, or a fresh one outside
// the CorrelationID middleware
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return uuid.New().String()
}

// WithUserID records the requester
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the requester, empty when anonymous
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// ErrorResponse is the body of every non-2xx reply. Field names the offending
// configuration field for validation errors.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

var errorTypes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_error",
	http.StatusServiceUnavailable:  "unavailable",
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, status int, message, correlationID string) {
	writeError(w, status, ErrorResponse{Message: message, CorrelationID: correlationID})
}

// WriteFailure writes err, answering 422 with the offending field for
// configuration errors and status otherwise
func WriteFailure(w http.ResponseWriter, status int, err error, correlationID string) {
	resp := ErrorResponse{Message: err.Error(), CorrelationID: correlationID}
	var cfgErr *radar.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
		resp.Field = cfgErr.Field
	case errors.Is(err, radar.ErrInvalidConfig):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	resp.Error = "internal_error"
	if t, ok := errorTypes[status]; ok {
		resp.Error = t
	}
	WriteJSON(w, status, resp)
}

// DecodeJSON decodes JSON from the request body
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success       bool        `json:"success"`
	Message       string      `json:"message,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	CorrelationID string      `json:"correlation_id"`
}

// WriteSuccess writes a generic success response
func WriteSuccess(w http.ResponseWriter, status int, message string, data interface{}, correlationID string) {
	WriteJSON(w, status, SuccessResponse{
		Success:       true,
		Message:       message,
		Data:          data,
		CorrelationID: correlationID,
	})
}
