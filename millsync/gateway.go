// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
)

// Gateway is the remote authoritative store. Every call is scoped to the
// owner carried by the records (or passed explicitly); the gateway handles
// authentication and is opaque beyond its structured failures.
//
// Failure contract:
//   - *ConflictError when an update/delete lost the version compare-and-swap
//     (carries the current server record);
//   - ErrTableMissing (possibly wrapped) when the kind's table is not
//     provisioned;
//   - any other error is transient and rolls the optimistic change back.
type Gateway interface {
	// List returns the owner's full collection for a kind in the server's
	// canonical order.
	List(ctx context.Context, kind Kind, ownerID string) ([]Record, error)

	// Insert persists a new record and returns the canonical copy, which may
	// carry a server-assigned id, version and timestamp.
	Insert(ctx context.Context, rec Record) (Record, error)

	// Update persists changed fields if rec.BaseVersion still matches the
	// server's version, returning the canonical copy.
	Update(ctx context.Context, rec Record) (Record, error)

	// Delete removes the record if baseVersion still matches.
	Delete(ctx context.Context, kind Kind, id string, baseVersion int64) error

	// InsertMany bulk-inserts records of one kind, returning canonical
	// copies in input order. Used by default seeding and restore.
	InsertMany(ctx context.Context, kind Kind, recs []Record) ([]Record, error)

	// DeleteAll removes every record of a kind belonging to the owner.
	// Used only by the restore delete phase.
	DeleteAll(ctx context.Context, kind Kind, ownerID string) error
}
