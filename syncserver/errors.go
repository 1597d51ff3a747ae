// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-livesync/livesync"
)

// Error codes of the JSON error body. httpremote maps them back to the
// livesync failure kinds.
const (
	CodeSchemaMismatch = "schema_mismatch"
	CodeUnavailable    = "unavailable"
	CodeBatchFailed    = "batch_failed"
	CodeUnregistered   = "unregistered_collection"
	CodeInvalidRequest = "invalid_request"
	codeAuthFailed     = "authentication_failed"
	codeInternal       = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// statusForError maps a remote failure to its HTTP status and error code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, livesync.ErrInvalidName):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, livesync.ErrSchemaMismatch):
		return http.StatusInternalServerError, CodeSchemaMismatch
	case errors.Is(err, livesync.ErrPartialBatch):
		return http.StatusBadGateway, CodeBatchFailed
	case errors.Is(err, livesync.ErrTransient):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
