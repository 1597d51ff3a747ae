// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mobiletoly/go-livesync/livesync"
)

// classify maps a driver error of a single-row operation to a failure kind:
// a missing table or column is a schema mismatch, anything else means the
// store could not be reached or written.
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

// classifyBatch reports a failed bulk write as a whole-batch failure.
func classifyBatch(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, livesync.ErrInvalidName) {
		return err
	}
	if isSchemaError(err) {
		return livesync.NewRemoteError(op, collection, livesync.ErrSchemaMismatch, err)
	}
	return livesync.NewRemoteError(op, collection, livesync.ErrPartialBatch, err)
}

func isSchemaError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "42703", // undefined_column
		"42P01", // undefined_table
		"3F000": // invalid_schema_name
		return true
	default:
		return false
	}
}
