// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"errors"
	"fmt"
)

// Failure kinds reported by Remote implementations. Adapters wrap the driver
// error in a *RemoteError so callers can match on the kind with errors.Is
// while still reaching the underlying cause.
var (
	// ErrSchemaMismatch means the remote table lacks the expected columns
	// (usually the data blob). Fatal for the collection until fixed externally.
	ErrSchemaMismatch = errors.New("schema_mismatch")
	// ErrTransient means the store could not be reached. Callers may retry.
	ErrTransient = errors.New("transient_network_failure")
	// ErrPartialBatch means a bulk upsert or delete failed as a whole.
	ErrPartialBatch = errors.New("batch_failed")
	// ErrChannelDropped means the push channel was lost and the replica may be stale.
	ErrChannelDropped = errors.New("channel_dropped")
)

// Engine usage errors.
var (
	ErrInactive       = errors.New("collection is not active")
	ErrCollectionType = errors.New("collection is registered with a different entity type")
)

// RemoteError describes a failed remote operation.
type RemoteError struct {
	Op         string // fetch_all, upsert_one, bulk_delete, subscribe, ...
	Collection string
	Kind       error // one of the Err* kind sentinels
	Err        error
}

// NewRemoteError wraps err with the operation context and failure kind.
func NewRemoteError(op, collection string, kind, err error) *RemoteError {
	return &RemoteError{Op: op, Collection: collection, Kind: kind, Err: err}
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Collection, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the driver error.
func (e *RemoteError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the failure kind carried by err, or nil if err is not a
// classified remote failure.
func KindOf(err error) error {
	for _, kind := range []error{ErrSchemaMismatch, ErrPartialBatch, ErrChannelDropped, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
