// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ResolutionChoice is the user's decision for one conflict.
type ResolutionChoice int

const (
	KeepLocal ResolutionChoice = iota
	KeepServer
)

func (c ResolutionChoice) String() string {
	if c == KeepLocal {
		return "keep_local"
	}
	return "keep_server"
}

// Conflict pairs the local and server copies of a diverged record together
// with the field names that differ. It exists only until resolved.
type Conflict struct {
	Local  Record
	Server Record
	Diff   []string
}

// QueueState is the resolver's presentation state.
type QueueState int

const (
	StateIdle QueueState = iota
	StatePresenting
	StateAwaitingChoice
	StateResolving
)

// ConflictQueue holds detected conflicts until the user resolves them.
// Conflicts found in one reconciliation pass are queued together; the UI
// shows the head of the queue and captures a choice, nothing more.
type ConflictQueue struct {
	mu        sync.Mutex
	state     QueueState
	conflicts []Conflict
}

func newConflictQueue() *ConflictQueue {
	return &ConflictQueue{state: StateIdle}
}

// State returns the current presentation state.
func (q *ConflictQueue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len reports the number of queued conflicts.
func (q *ConflictQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.conflicts)
}

// Conflicts returns a snapshot of the queue.
func (q *ConflictQueue) Conflicts() []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Conflict, 0, len(q.conflicts))
	for _, c := range q.conflicts {
		out = append(out, Conflict{Local: c.Local.Clone(), Server: c.Server.Clone(), Diff: append([]string(nil), c.Diff...)})
	}
	return out
}

// Current returns the first queued conflict and moves the queue to
// AwaitingChoice. ok is false when the queue is empty.
func (q *ConflictQueue) Current() (Conflict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.conflicts) == 0 {
		return Conflict{}, false
	}
	q.state = StateAwaitingChoice
	c := q.conflicts[0]
	return Conflict{Local: c.Local.Clone(), Server: c.Server.Clone(), Diff: append([]string(nil), c.Diff...)}, true
}

// push queues a conflict, replacing any queued conflict for the same record.
func (q *ConflictQueue) push(c Conflict) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.conflicts {
		if existing.Local.Kind() == c.Local.Kind() && existing.Local.RecordID() == c.Local.RecordID() {
			q.conflicts[i] = c
			return
		}
	}
	q.conflicts = append(q.conflicts, c)
	if q.state == StateIdle {
		q.state = StatePresenting
	}
}

// take locates a queued conflict by record identity and marks the queue
// Resolving. The conflict stays queued until settle reports the outcome.
func (q *ConflictQueue) take(kind Kind, id string) (Conflict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.conflicts {
		if c.Local.Kind() == kind && c.Local.RecordID() == id {
			q.state = StateResolving
			return c, true
		}
	}
	return Conflict{}, false
}

// refreshServer replaces the server copy of a queued conflict. Used when a
// resolution write loses another compare-and-swap: without the refresh every
// re-attempt would replay the stale queued version and lose again.
func (q *ConflictQueue) refreshServer(kind Kind, id string, server Record, diff []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.conflicts {
		c := &q.conflicts[i]
		if c.Local.Kind() == kind && c.Local.RecordID() == id {
			c.Server = server
			c.Diff = diff
			return
		}
	}
}

// settle removes the conflict when resolved; on failure it stays queued for
// re-attempt. The state returns to Presenting while conflicts remain, Idle
// once the queue drains.
func (q *ConflictQueue) settle(kind Kind, id string, resolved bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if resolved {
		for i, c := range q.conflicts {
			if c.Local.Kind() == kind && c.Local.RecordID() == id {
				q.conflicts = append(q.conflicts[:i:i], q.conflicts[i+1:]...)
				break
			}
		}
	}
	if len(q.conflicts) == 0 {
		q.state = StateIdle
	} else {
		q.state = StatePresenting
	}
}

// Conflicts exposes the engine's pending-conflict queue to the UI.
func (e *Engine) Conflicts() *ConflictQueue { return e.queue }

// Resolve settles one queued conflict with the user's choice. Exactly one
// gateway update writes the chosen version back as canonical; even for
// KeepServer the write realigns the record, since the local candidate may
// differ from the server by more than display rounding. On success both
// copies agree and the conflict leaves the queue; on failure the conflict
// stays queued and the error is returned for re-attempt.
func (e *Engine) Resolve(ctx context.Context, kind Kind, id string, choice ResolutionChoice) error {
	c, ok := e.queue.take(kind, id)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrConflictNotFound, kind, id)
	}

	chosen := c.Local.Clone()
	if choice == KeepServer {
		chosen = c.Server.Clone()
	}
	// The write must pass the server's compare-and-swap, so it is based on
	// the server's current version, not the stale local one.
	chosen.meta().Version = c.Server.BaseVersion()

	canonical, err := e.gateway.Update(ctx, chosen)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// The server moved ahead again while the conflict sat queued.
			// Pick up the current copy so the next attempt swaps against the
			// live version.
			e.queue.refreshServer(kind, id, conflict.Server.Clone(),
				DiffFields(c.Local, conflict.Server))
		}
		e.queue.settle(kind, id, false)
		e.notify.Failure(kind, "resolve", c.Local.DisplayName(), err)
		return &RemoteError{Op: "update", Kind: kind, Err: err}
	}

	e.cache.upsert(canonical)
	e.persistLocal(canonical.Kind(), canonical, false)
	e.queue.settle(kind, id, true)
	e.notify.Success(kind, "resolve("+choice.String()+")", canonical.DisplayName())
	e.logger.Info("conflict resolved", "kind", kind, "id", id, "choice", choice.String())
	return nil
}
