// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"errors"
	"fmt"
)

// ErrInvalidName is returned for collection names that cannot be used as a
// table name unquoted.
var ErrInvalidName = errors.New("invalid_collection_name")

// maxNameLen is the Postgres identifier limit.
const maxNameLen = 63

// ValidateCollectionName checks that name matches ^[a-z0-9_]+$ and fits in a
// Postgres identifier. Every adapter builds SQL from validated names only.
func ValidateCollectionName(name string) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
