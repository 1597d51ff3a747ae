// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mobiletoly/go-livesync/livesync"
	"github.com/mobiletoly/go-livesync/syncserver"
)

var (
	// ErrUnauthorized means the server rejected the bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnregistered means the server does not expose the collection.
	ErrUnregistered = errors.New("collection not registered on server")
)

// StatusError carries a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// responseError decodes the error body of resp and classifies it.
func responseError(op, collection string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{StatusCode: resp.StatusCode}
	var er syncserver.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		se.Code = er.Error
		se.Message = er.Message
	} else {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return classify(op, collection, se)
}

func classify(op, collection string, se *StatusError) error {
	switch {
	case se.Code == syncserver.CodeSchemaMismatch:
		return livesync.NewRemoteError(op, collection, livesync.ErrSchemaMismatch, se)
	case se.Code == syncserver.CodeUnregistered:
		// The server has no table for the collection.
		return livesync.NewRemoteError(op, collection, livesync.ErrSchemaMismatch, errors.Join(ErrUnregistered, se))
	case se.Code == syncserver.CodeBatchFailed:
		return livesync.NewRemoteError(op, collection, livesync.ErrPartialBatch, se)
	case se.StatusCode == http.StatusUnauthorized:
		return livesync.NewRemoteError(op, collection, livesync.ErrTransient, errors.Join(ErrUnauthorized, se))
	case op == livesync.OpBulkUpsert || op == livesync.OpBulkDelete:
		return livesync.NewRemoteError(op, collection, livesync.ErrPartialBatch, se)
	default:
		return livesync.NewRemoteError(op, collection, livesync.ErrTransient, se)
	}
}
