// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrEditLocked rejects a mutation attempted while edit mode is locked.
	// No cache change has happened when this is returned.
	ErrEditLocked = errors.New("edit mode is locked")

	// ErrNotFound indicates the target record is not in the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrMutationPending rejects a second mutation for an id whose previous
	// mutation has not resolved yet. Serial dispatch per id is a documented
	// constraint of the engine, not something it reorders around.
	ErrMutationPending = errors.New("a mutation for this record is still pending")

	// ErrDuplicateID rejects an insert whose caller-supplied id is already
	// present in the cache. Overwriting would let the insert's failure
	// rollback delete a confirmed record.
	ErrDuplicateID = errors.New("a record with this id already exists")

	// ErrTableMissing indicates the remote table for a kind has not been
	// provisioned. Tolerated only for optional kinds during initial load.
	ErrTableMissing = errors.New("remote table not provisioned")

	// ErrReloadRequired is returned when a restore failed after its delete
	// phase; local state can no longer be trusted and the caller must run
	// InitialLoad again to resynchronize from the server.
	ErrReloadRequired = errors.New("restore failed; full reload from server required")

	// ErrConflictNotFound indicates Resolve was called for an id with no
	// queued conflict.
	ErrConflictNotFound = errors.New("no queued conflict for record")
)

// RemoteError wraps a transient gateway failure. The mutator rolls the cache
// back before surfacing it; it is never retried automatically.
type RemoteError struct {
	Op   string // "list", "insert", "update", "delete"
	Kind Kind
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s on %s failed: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ConflictError is returned by the gateway when an update or delete lost a
// version compare-and-swap. It carries the current server record so the
// engine can queue a conflict without another round trip.
type ConflictError struct {
	Kind   Kind
	ID     string
	Server Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s", e.Kind, e.ID)
}

// Notifier receives the user-visible outcome of every mutation. Implementors
// render toasts/snackbars; the engine guarantees cache consistency is already
// restored before Failure is called.
type Notifier interface {
	// Success reports a completed mutation, e.g. ("transactions", "insert", "Asha").
	Success(kind Kind, op string, name string)
	// Failure reports a failed mutation with the identifying name where known.
	Failure(kind Kind, op string, name string, err error)
}

// slogNotifier is the default Notifier; it logs outcomes instead of
// rendering them.
type slogNotifier struct{ logger *slog.Logger }

func (n slogNotifier) Success(kind Kind, op, name string) {
	n.logger.Info("mutation applied", "kind", kind, "op", op, "name", name)
}

func (n slogNotifier) Failure(kind Kind, op, name string, err error) {
	n.logger.Warn("mutation failed", "kind", kind, "op", op, "name", name, "error", err)
}
