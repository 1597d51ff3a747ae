// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

// StatusKind is the coarse synchronization state shown to users.
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusSyncing
	StatusSaved
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "IDLE"
	case StatusSyncing:
		return "SYNCING"
	case StatusSaved:
		return "SAVED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is the synchronization signal of one collection. Err is set only
// when Kind is StatusError.
type Status struct {
	Kind StatusKind
	Err  error
}

func (s Status) String() string {
	if s.Kind == StatusError && s.Err != nil {
		return s.Kind.String() + ": " + s.Err.Error()
	}
	return s.Kind.String()
}

func statusIdle() Status           { return Status{Kind: StatusIdle} }
func statusSyncing() Status        { return Status{Kind: StatusSyncing} }
func statusSaved() Status          { return Status{Kind: StatusSaved} }
func statusError(err error) Status { return Status{Kind: StatusError, Err: err} }

// State is the lifecycle state of a collection.
type State int

const (
	StateInactive State = iota
	StateLoading
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}
