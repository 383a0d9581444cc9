// Package millserver is the reference authoritative store for millbook:
// owner-scoped CRUD over Postgres with a monotonic per-record version that
// is compare-and-swapped on every update and delete. A lost swap returns
// the current server record so clients can queue a conflict without a
// second round trip.
//
// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmill/millbook/millsync"
)

// Store errors surfaced to the HTTP layer.
var (
	ErrNotFound     = errors.New("record not found")
	ErrTableMissing = errors.New("table not provisioned")
	ErrUnknownKind  = errors.New("unknown record kind")
)

// VersionConflict reports a lost compare-and-swap together with the current
// server record.
type VersionConflict struct {
	Kind   millsync.Kind
	ID     string
	Server json.RawMessage
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s %s", e.Kind, e.ID)
}

// Service is the Postgres-backed record store.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// ServiceConfig holds store construction options.
type ServiceConfig struct {
	// SkipProvision leaves named tables uncreated during schema init. Used
	// to exercise the optional-table path (older deployments without the
	// receivables table).
	SkipProvision []millsync.Kind
}

// NewService creates the store and provisions the schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, logger: logger, config: config}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// meta is the slice of the payload the store maintains itself.
type meta struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Version int64  `json:"version"`
}

func tableFor(kind millsync.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	// Kind names are the table names; they come from a closed set, never
	// from request input directly.
	return string(kind), nil
}

// isUndefinedTable detects SQLSTATE 42P01.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// List returns the owner's collection, newest first.
func (s *Service) List(ctx context.Context, kind millsync.Kind, ownerID string) ([]json.RawMessage, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT payload FROM %s WHERE owner_id = $1 ORDER BY updated_at DESC, id`, table), ownerID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload json.RawMessage
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", kind, err)
	}
	return out, nil
}

// Insert persists a new record for the owner. The client id is honored when
// present and valid; otherwise the server assigns one. Version starts at 1.
func (s *Service) Insert(ctx context.Context, kind millsync.Kind, ownerID string, payload json.RawMessage) (json.RawMessage, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	canonical, m, err := stampPayload(payload, ownerID, 1)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, version, updated_at, payload)
		VALUES ($1, $2, $3, now(), $4)`, table),
		m.ID, ownerID, m.Version, canonical)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return nil, fmt.Errorf("failed to insert into %s: %w", kind, err)
	}
	return canonical, nil
}

// InsertMany persists a batch atomically, returning canonical copies in
// input order.
func (s *Service) InsertMany(ctx context.Context, kind millsync.Kind, ownerID string, payloads []json.RawMessage) ([]json.RawMessage, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(payloads))
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, payload := range payloads {
			canonical, m, err := stampPayload(payload, ownerID, 1)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (id, owner_id, version, updated_at, payload)
				VALUES ($1, $2, $3, now(), $4)`, table),
				m.ID, ownerID, m.Version, canonical); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", kind, err)
			}
			out = append(out, canonical)
		}
		return nil
	})
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return nil, err
	}
	return out, nil
}

// Update applies the payload if its version still matches the stored row,
// bumping the version and timestamp. A mismatch returns VersionConflict
// with the current server record.
func (s *Service) Update(ctx context.Context, kind millsync.Kind, ownerID, id string, payload json.RawMessage) (json.RawMessage, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse update payload: %w", err)
	}
	baseVersion := m.Version
	canonical, _, err := stampPayload(payload, ownerID, baseVersion+1)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET version = version + 1, updated_at = now(), payload = $4
		WHERE id = $1 AND owner_id = $2 AND version = $3`, table),
		id, ownerID, baseVersion, canonical)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return nil, fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.conflictOrNotFound(ctx, table, kind, ownerID, id)
	}
	return canonical, nil
}

// Delete removes the record if baseVersion still matches. Deleting an
// absent record succeeds (idempotent); a version mismatch returns
// VersionConflict.
func (s *Service) Delete(ctx context.Context, kind millsync.Kind, ownerID, id string, baseVersion int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id = $1 AND owner_id = $2 AND version = $3`, table),
		id, ownerID, baseVersion)
	if err != nil {
		if isUndefinedTable(err) {
			return fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return fmt.Errorf("failed to delete from %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		err := s.conflictOrNotFound(ctx, table, kind, ownerID, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// DeleteAll removes every record of a kind for the owner.
func (s *Service) DeleteAll(ctx context.Context, kind millsync.Kind, ownerID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE owner_id = $1`, table), ownerID); err != nil {
		if isUndefinedTable(err) {
			return fmt.Errorf("%w: %s", ErrTableMissing, kind)
		}
		return fmt.Errorf("failed to delete all from %s: %w", kind, err)
	}
	return nil
}

// conflictOrNotFound disambiguates a zero-row CAS: the record either moved
// on (conflict, with the current row attached) or does not exist.
func (s *Service) conflictOrNotFound(ctx context.Context, table string, kind millsync.Kind, ownerID, id string) error {
	var current json.RawMessage
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT payload FROM %s WHERE id = $1 AND owner_id = $2`, table), id, ownerID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load current %s row: %w", kind, err)
	}
	return &VersionConflict{Kind: kind, ID: id, Server: current}
}

// stampPayload rewrites the payload's bookkeeping fields: owner is forced to
// the authenticated principal, the id is kept or assigned, the version set.
func stampPayload(payload json.RawMessage, ownerID string, version int64) (json.RawMessage, meta, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, meta{}, fmt.Errorf("failed to parse payload: %w", err)
	}
	id, _ := fields["id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.New().String()
	}
	fields["id"] = id
	fields["owner_id"] = ownerID
	fields["version"] = version
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, meta{}, fmt.Errorf("failed to marshal stamped payload: %w", err)
	}
	return out, meta{ID: id, OwnerID: ownerID, Version: version}, nil
}
