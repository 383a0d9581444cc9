// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// LocalCache is the optional durable mirror for designated kinds, kept so
// those collections survive restarts while the gateway is unreachable. It is
// read once at startup and written on every cache mutation of a mirrored
// kind; the remote store stays authoritative.
type LocalCache struct {
	db *sql.DB
}

// OpenLocalCache opens (creating if needed) the sqlite mirror at path. Use
// ":memory:" for tests.
func OpenLocalCache(path string) (*LocalCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS local_records (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			payload    TEXT NOT NULL,
			written_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (kind, id)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create local cache table: %w", err)
	}
	return &LocalCache{db: db}, nil
}

// Close releases the underlying database.
func (l *LocalCache) Close() error { return l.db.Close() }

// Put stores or replaces one record.
func (l *LocalCache) Put(rec Record) error {
	payload, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`
		INSERT INTO local_records (kind, id, owner_id, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			written_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, string(rec.Kind()), rec.RecordID(), rec.Owner(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to write local record: %w", err)
	}
	return nil
}

// Delete removes one record; deleting an absent record is a no-op.
func (l *LocalCache) Delete(kind Kind, id string) error {
	if _, err := l.db.Exec(`DELETE FROM local_records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("failed to delete local record: %w", err)
	}
	return nil
}

// LoadKind reads back the owner's mirrored collection for a kind.
func (l *LocalCache) LoadKind(ctx context.Context, kind Kind, ownerID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM local_records WHERE kind = ? AND owner_id = ?
	`, string(kind), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan local record: %w", err)
		}
		rec, err := UnmarshalRecord(kind, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating local records: %w", err)
	}
	return out, nil
}

// ReplaceKind atomically swaps the owner's mirrored collection for a kind.
func (l *LocalCache) ReplaceKind(ctx context.Context, kind Kind, ownerID string, recs []Record) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mirror transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM local_records WHERE kind = ? AND owner_id = ?
	`, string(kind), ownerID); err != nil {
		return fmt.Errorf("failed to clear mirrored kind: %w", err)
	}
	for _, rec := range recs {
		payload, err := MarshalRecord(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO local_records (kind, id, owner_id, payload) VALUES (?, ?, ?, ?)
		`, string(kind), rec.RecordID(), rec.Owner(), string(payload)); err != nil {
			return fmt.Errorf("failed to write mirrored record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mirror transaction: %w", err)
	}
	return nil
}
