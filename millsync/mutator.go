// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine owns the local cache store and is the only writer to it. Every
// user mutation is applied optimistically (the call returns as soon as the
// cache reflects it) and confirmed or rolled back when the gateway call
// resolves.
type Engine struct {
	cache   *Cache
	gateway Gateway
	queue   *ConflictQueue
	notify  Notifier
	logger  *slog.Logger

	ownerID      string
	editUnlocked func() bool

	local      *LocalCache
	localKinds map[Kind]bool

	mu      sync.Mutex
	pending map[string]*pendingMutation
}

// Config holds engine construction options.
type Config struct {
	// OwnerID is the authenticated principal all records are scoped to.
	OwnerID string
	// EditUnlocked gates every mutating entry point; nil means always
	// unlocked.
	EditUnlocked func() bool
	// Notifier receives user-visible outcomes; nil logs them instead.
	Notifier Notifier
	Logger   *slog.Logger
	// Local, when set, durably mirrors the kinds in LocalKinds.
	Local      *LocalCache
	LocalKinds []Kind
}

// NewEngine creates an engine backed by the given gateway.
func NewEngine(gateway Gateway, cfg *Config) (*Engine, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if cfg == nil || cfg.OwnerID == "" {
		return nil, fmt.Errorf("config.OwnerID must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify := cfg.Notifier
	if notify == nil {
		notify = slogNotifier{logger: logger}
	}
	localKinds := make(map[Kind]bool, len(cfg.LocalKinds))
	for _, k := range cfg.LocalKinds {
		localKinds[k] = true
	}
	return &Engine{
		cache:        NewCache(),
		gateway:      gateway,
		queue:        newConflictQueue(),
		notify:       notify,
		logger:       logger,
		ownerID:      cfg.OwnerID,
		editUnlocked: cfg.EditUnlocked,
		local:        cfg.Local,
		localKinds:   localKinds,
		pending:      make(map[string]*pendingMutation),
	}, nil
}

// Cache exposes the local cache store for rendering. UI code reads it and
// never mutates it directly.
func (e *Engine) Cache() *Cache { return e.cache }

// pendingMutation is the ephemeral record of one in-flight operation: the
// pre-mutation snapshot is all that is needed to roll back.
type pendingMutation struct {
	kind     Kind
	id       string
	op       string
	snapshot Record // nil for inserts
	queuedAt time.Time
}

// Mutation is the handle returned by Insert/Update/Delete. The optimistic
// apply has already happened when the handle is returned; Done closes when
// the remote outcome has been reconciled into the cache.
type Mutation struct {
	done chan struct{}
	err  error
}

// Done closes once the gateway call resolved and the cache was reconciled.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Err returns the terminal error, valid after Done is closed.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Wait blocks until the mutation resolves or ctx expires.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pendingKey(kind Kind, id string) string { return string(kind) + "/" + id }

// begin registers a pending mutation for (kind, id). At most one mutation
// may be in flight per id; the UI is expected to dispatch serially per
// record, and the engine refuses rather than reorders when it does not.
func (e *Engine) begin(kind Kind, id, op string, snapshot Record) (*pendingMutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := pendingKey(kind, id)
	if _, exists := e.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s %s", ErrMutationPending, kind, id)
	}
	p := &pendingMutation{kind: kind, id: id, op: op, snapshot: snapshot, queuedAt: time.Now()}
	e.pending[key] = p
	return p, nil
}

// finish discards the pending record; the snapshot dies with it.
func (e *Engine) finish(p *pendingMutation) {
	e.mu.Lock()
	delete(e.pending, pendingKey(p.kind, p.id))
	e.mu.Unlock()
}

func (e *Engine) hasPending(kind Kind, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[pendingKey(kind, id)]
	return ok
}

// pendingOp reports the operation of the in-flight mutation for (kind, id),
// if any.
func (e *Engine) pendingOp(kind Kind, id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[pendingKey(kind, id)]; ok {
		return p.op, true
	}
	return "", false
}

func (e *Engine) checkGate() error {
	if e.editUnlocked != nil && !e.editUnlocked() {
		return ErrEditLocked
	}
	return nil
}

// Insert applies a new record optimistically and dispatches the remote
// insert. The record gets a client-generated id if it has none; on
// confirmation the candidate is replaced by the server's canonical copy,
// matched via the client id sent in the request.
func (e *Engine) Insert(ctx context.Context, rec Record) (*Mutation, error) {
	if err := e.checkGate(); err != nil {
		return nil, err
	}
	if !rec.Kind().Valid() {
		return nil, fmt.Errorf("unknown record kind %q", rec.Kind())
	}

	candidate := rec.Clone()
	m := candidate.meta()
	if m.ID == "" {
		m.ID = newRecordID()
	}
	if m.OwnerID == "" {
		m.OwnerID = e.ownerID
	}
	m.Version = 0
	m.UpdatedAt = time.Now().UTC()

	kind := candidate.Kind()
	clientID := m.ID
	if _, exists := e.cache.Get(kind, clientID); exists {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateID, kind, clientID)
	}
	p, err := e.begin(kind, clientID, "insert", nil)
	if err != nil {
		return nil, err
	}

	e.cache.upsert(candidate)
	e.persistLocal(kind, candidate, false)

	mut := &Mutation{done: make(chan struct{})}
	// Once dispatched, the remote call always runs to completion; dismissing
	// the initiating UI must not cancel it.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(mut.done)
		defer e.finish(p)

		canonical, err := e.gateway.Insert(bg, candidate)
		if err != nil {
			e.cache.remove(kind, clientID)
			e.persistLocal(kind, candidate, true)
			mut.err = &RemoteError{Op: "insert", Kind: kind, Err: err}
			e.notify.Failure(kind, "insert", candidate.DisplayName(), err)
			e.logger.Warn("optimistic insert rolled back", "kind", kind, "id", clientID, "error", err)
			return
		}

		e.cache.replaceID(kind, clientID, canonical)
		if canonical.RecordID() != clientID {
			e.persistLocal(kind, candidate, true)
		}
		e.persistLocal(kind, canonical, false)
		e.notify.Success(kind, "insert", canonical.DisplayName())
	}()
	return mut, nil
}

// Update applies changed fields optimistically and dispatches the remote
// update, based on the cached record's server version. A lost
// compare-and-swap queues a conflict instead of failing; any other remote
// error restores the pre-mutation snapshot byte-for-byte.
func (e *Engine) Update(ctx context.Context, rec Record) (*Mutation, error) {
	if err := e.checkGate(); err != nil {
		return nil, err
	}
	kind := rec.Kind()
	id := rec.RecordID()

	snapshot, ok := e.cache.Get(kind, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}

	candidate := rec.Clone()
	m := candidate.meta()
	m.OwnerID = snapshot.Owner()
	m.Version = snapshot.BaseVersion()
	m.UpdatedAt = time.Now().UTC()

	p, err := e.begin(kind, id, "update", snapshot)
	if err != nil {
		return nil, err
	}

	e.cache.upsert(candidate)
	e.persistLocal(kind, candidate, false)

	mut := &Mutation{done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(mut.done)
		defer e.finish(p)

		canonical, err := e.gateway.Update(bg, candidate)
		if err == nil {
			// Server copy is canonical; it may carry derived fields.
			e.cache.upsert(canonical)
			e.persistLocal(kind, canonical, false)
			e.notify.Success(kind, "update", canonical.DisplayName())
			return
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			e.queue.push(Conflict{
				Local:  candidate.Clone(),
				Server: conflict.Server.Clone(),
				Diff:   DiffFields(candidate, conflict.Server),
			})
			mut.err = conflict
			e.logger.Info("update lost version check, conflict queued",
				"kind", kind, "id", id, "base_version", snapshot.BaseVersion(),
				"server_version", conflict.Server.BaseVersion())
			return
		}

		e.cache.upsert(p.snapshot)
		e.persistLocal(kind, p.snapshot, false)
		mut.err = &RemoteError{Op: "update", Kind: kind, Err: err}
		e.notify.Failure(kind, "update", candidate.DisplayName(), err)
		e.logger.Warn("optimistic update rolled back", "kind", kind, "id", id, "error", err)
	}()
	return mut, nil
}

// Delete removes the record optimistically and dispatches the remote
// delete. On failure the snapshot is re-inserted at its canonical sort
// position; on a lost compare-and-swap the record is restored and a
// conflict queued.
func (e *Engine) Delete(ctx context.Context, kind Kind, id string) (*Mutation, error) {
	if err := e.checkGate(); err != nil {
		return nil, err
	}
	if e.hasPending(kind, id) {
		return nil, fmt.Errorf("%w: %s %s", ErrMutationPending, kind, id)
	}

	snapshot, ok := e.cache.remove(kind, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	p, err := e.begin(kind, id, "delete", snapshot)
	if err != nil {
		// A mutation raced us between the check and the removal; put the
		// record back and refuse.
		e.cache.upsert(snapshot)
		return nil, err
	}
	e.persistLocal(kind, snapshot, true)

	mut := &Mutation{done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(mut.done)
		defer e.finish(p)

		err := e.gateway.Delete(bg, kind, id, snapshot.BaseVersion())
		if err == nil {
			e.notify.Success(kind, "delete", snapshot.DisplayName())
			return
		}

		e.cache.upsert(p.snapshot)
		e.persistLocal(kind, p.snapshot, false)

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			e.queue.push(Conflict{
				Local:  p.snapshot.Clone(),
				Server: conflict.Server.Clone(),
				Diff:   DiffFields(p.snapshot, conflict.Server),
			})
			mut.err = conflict
			e.logger.Info("delete lost version check, conflict queued", "kind", kind, "id", id)
			return
		}

		mut.err = &RemoteError{Op: "delete", Kind: kind, Err: err}
		e.notify.Failure(kind, "delete", snapshot.DisplayName(), err)
		e.logger.Warn("optimistic delete rolled back", "kind", kind, "id", id, "error", err)
	}()
	return mut, nil
}

// persistLocal mirrors a cache mutation into the optional durable store for
// kinds configured to keep one. Mirror failures are logged, never surfaced:
// the remote store stays authoritative.
func (e *Engine) persistLocal(kind Kind, rec Record, remove bool) {
	if e.local == nil || !e.localKinds[kind] {
		return
	}
	var err error
	if remove {
		err = e.local.Delete(kind, rec.RecordID())
	} else {
		err = e.local.Put(rec)
	}
	if err != nil {
		e.logger.Warn("local mirror write failed", "kind", kind, "id", rec.RecordID(), "error", err)
	}
}

// LoadLocal seeds the cache from the durable mirror for every configured
// kind. Called on startup before the first InitialLoad so mirrored
// collections render even while the gateway is unreachable.
func (e *Engine) LoadLocal(ctx context.Context) error {
	if e.local == nil {
		return nil
	}
	for kind := range e.localKinds {
		recs, err := e.local.LoadKind(ctx, kind, e.ownerID)
		if err != nil {
			return fmt.Errorf("failed to load local mirror for %s: %w", kind, err)
		}
		e.cache.replaceAll(kind, recs)
	}
	return nil
}
