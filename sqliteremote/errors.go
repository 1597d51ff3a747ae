// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqliteremote

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-livesync/livesync"
)

// classify maps a driver error to a livesync failure kind.
func classify(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, livesync.ErrInvalidName) {
		return err
	}
	if isSchemaError(err) {
		return livesync.NewRemoteError(op, collection, livesync.ErrSchemaMismatch, err)
	}
	return livesync.NewRemoteError(op, collection, livesync.ErrTransient, err)
}

// classifyBatch reports a failed bulk write as a whole-batch failure. A schema
// error keeps its own kind.
func classifyBatch(op, collection string, err error) error {
	if errors.Is(err, livesync.ErrInvalidName) {
		return err
	}
	if isSchemaError(err) {
		return livesync.NewRemoteError(op, collection, livesync.ErrSchemaMismatch, err)
	}
	return livesync.NewRemoteError(op, collection, livesync.ErrPartialBatch, err)
}

func isSchemaError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrError {
		return false
	}
	msg := sqliteErr.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named")
}
