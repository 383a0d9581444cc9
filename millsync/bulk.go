// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultServices is the one-time seed for a brand-new owner.
func defaultServices() []Record {
	return []Record{
		&Service{Name: "Grinding", Type: ServiceGrinding},
		&Service{Name: "Sale", Type: ServiceSale},
		&Service{Name: "Other", Type: ServiceOther},
	}
}

// defaultExpenseCategories is the one-time seed for a brand-new owner.
func defaultExpenseCategories() []Record {
	names := []string{"Fuel", "Maintenance", "Salary", "Electricity", "Other"}
	out := make([]Record, 0, len(names))
	for _, n := range names {
		out = append(out, &ExpenseCategory{Name: n})
	}
	return out
}

// InitialLoad fetches every collection for the owner in parallel and swaps
// the results into the cache. The load fails as a whole if any required
// fetch errors; a not-yet-provisioned table for an optional kind is treated
// as an empty collection. Records with an in-flight local mutation are
// reconciled against the fetched server copy: a version mismatch with a
// real field difference queues a conflict and the local candidate stays
// visible until the user settles it.
func (e *Engine) InitialLoad(ctx context.Context) error {
	for _, k := range Kinds() {
		e.cache.setSyncing(k, true)
	}
	defer func() {
		for _, k := range Kinds() {
			e.cache.setSyncing(k, false)
		}
	}()

	var mu sync.Mutex
	fetched := make(map[Kind][]Record, len(Kinds()))

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range Kinds() {
		g.Go(func() error {
			recs, err := e.gateway.List(gctx, kind, e.ownerID)
			if err != nil {
				if kind.Optional() && errors.Is(err, ErrTableMissing) {
					e.logger.Info("optional table not provisioned, treating as empty", "kind", kind)
					recs = nil
				} else {
					return &RemoteError{Op: "list", Kind: kind, Err: err}
				}
			}
			mu.Lock()
			fetched[kind] = recs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	for kind, recs := range fetched {
		e.cache.replaceAll(kind, e.reconcileFetched(kind, recs))
		e.mirrorKind(ctx, kind)
	}

	if err := e.SeedDefaults(ctx); err != nil {
		return err
	}
	return nil
}

// reconcileFetched merges a fetched server collection with local records
// that have unresolved in-flight mutations, detecting conflicts
// opportunistically.
func (e *Engine) reconcileFetched(kind Kind, server []Record) []Record {
	merged := make([]Record, 0, len(server))
	seen := make(map[string]bool, len(server))
	for _, srv := range server {
		id := srv.RecordID()
		seen[id] = true
		op, pending := e.pendingOp(kind, id)
		if pending && op == "delete" {
			// An in-flight optimistic delete already removed this record;
			// re-adding the server copy would resurrect it after the remote
			// delete lands. A failed delete restores its own snapshot.
			continue
		}
		local, ok := e.cache.Get(kind, id)
		if pending && ok {
			// The optimistic candidate stays visible until its mutation
			// resolves. A version mismatch with a real field difference is
			// a conflict the user has to settle.
			if local.BaseVersion() != srv.BaseVersion() {
				if diff := DiffFields(local, srv); len(diff) > 0 {
					e.queue.push(Conflict{Local: local, Server: srv.Clone(), Diff: diff})
				}
			}
			merged = append(merged, local)
			continue
		}
		merged = append(merged, srv)
	}
	// Keep optimistic inserts the server has not confirmed yet.
	for _, local := range e.cache.List(kind) {
		if !seen[local.RecordID()] && e.hasPending(kind, local.RecordID()) {
			merged = append(merged, local)
		}
	}
	return merged
}

// SeedDefaults bulk-inserts the fixed default Services and ExpenseCategories
// when those collections are empty for the owner. Gated on emptiness rather
// than a separate flag, so re-running against a non-empty collection is a
// no-op.
func (e *Engine) SeedDefaults(ctx context.Context) error {
	seeds := []struct {
		kind Kind
		recs []Record
	}{
		{KindService, defaultServices()},
		{KindExpenseCategory, defaultExpenseCategories()},
	}
	for _, seed := range seeds {
		if e.cache.Len(seed.kind) > 0 {
			continue
		}
		stamped := e.stampForOwner(seed.recs)
		canonical, err := e.gateway.InsertMany(ctx, seed.kind, stamped)
		if err != nil {
			return fmt.Errorf("failed to seed defaults for %s: %w", seed.kind, err)
		}
		e.cache.replaceAll(seed.kind, canonical)
		e.mirrorKind(ctx, seed.kind)
		e.logger.Info("seeded default records", "kind", seed.kind, "count", len(canonical))
	}
	return nil
}

// stampForOwner rewrites a record set for the current owner with fresh ids
// and unsynced versions.
func (e *Engine) stampForOwner(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	now := time.Now().UTC()
	for _, r := range recs {
		c := r.Clone()
		m := c.meta()
		if m.ID == "" {
			m.ID = newRecordID()
		}
		m.OwnerID = e.ownerID
		m.Version = 0
		m.UpdatedAt = now
		out = append(out, c)
	}
	return out
}

// Restore destructively replaces the owner's entire dataset with an
// externally supplied one (e.g. a backup). Phase one deletes every
// collection owner-scoped; phase two bulk-inserts the supplied records
// re-stamped with the current owner. The insert phase never runs if any
// delete fails, and any failure after the first destructive call returns
// ErrReloadRequired: the cache is not trusted to reconstruct a consistent
// view, the caller must run InitialLoad again.
func (e *Engine) Restore(ctx context.Context, dataset map[Kind][]Record) error {
	if err := e.checkGate(); err != nil {
		return err
	}
	for kind := range dataset {
		if !kind.Valid() {
			return fmt.Errorf("unknown record kind %q in restore dataset", kind)
		}
	}

	for _, kind := range Kinds() {
		if err := e.gateway.DeleteAll(ctx, kind, e.ownerID); err != nil {
			return fmt.Errorf("%w: delete phase failed for %s: %v", ErrReloadRequired, kind, err)
		}
	}

	inserted := make(map[Kind][]Record, len(dataset))
	for _, kind := range Kinds() {
		recs := dataset[kind]
		if len(recs) == 0 {
			inserted[kind] = nil
			continue
		}
		canonical, err := e.gateway.InsertMany(ctx, kind, e.stampForOwner(recs))
		if err != nil {
			return fmt.Errorf("%w: insert phase failed for %s: %v", ErrReloadRequired, kind, err)
		}
		inserted[kind] = canonical
	}

	// Both phases succeeded; only now is the cache replaced.
	for _, kind := range Kinds() {
		e.cache.replaceAll(kind, inserted[kind])
		e.mirrorKind(ctx, kind)
	}
	e.logger.Info("restore completed", "kinds", len(inserted))
	return nil
}

// BulkResult aggregates a best-effort batch outcome.
type BulkResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// BulkDelete removes each selected record with the same optimistic
// discipline as Delete, continuing through individual failures. Failed ids
// remain in the cache; the result reports how many landed.
func (e *Engine) BulkDelete(ctx context.Context, kind Kind, ids []string) (BulkResult, error) {
	if err := e.checkGate(); err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, id := range ids {
		// Bulk entries honor the same one-mutation-per-id rule as single
		// deletes; an id with an unresolved mutation is refused, not queued.
		p, err := e.begin(kind, id, "delete", nil)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		snapshot, ok := e.cache.remove(kind, id)
		if !ok {
			e.finish(p)
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id))
			continue
		}
		p.snapshot = snapshot
		err = e.gateway.Delete(ctx, kind, id, snapshot.BaseVersion())
		e.finish(p)
		if err != nil {
			e.cache.upsert(snapshot)
			res.Failed++
			res.Errors = append(res.Errors, &RemoteError{Op: "delete", Kind: kind, Err: err})
			e.notify.Failure(kind, "delete", snapshot.DisplayName(), err)
			continue
		}
		e.persistLocal(kind, snapshot, true)
		res.Succeeded++
	}
	e.logger.Info("bulk delete finished", "kind", kind, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// BulkSetStatus rewrites the status field of each selected record. For
// transactions a transition to paid also settles the paid amount to the
// total. Per-record failures roll that record back and the batch continues.
func (e *Engine) BulkSetStatus(ctx context.Context, kind Kind, ids []string, status string) (BulkResult, error) {
	if err := e.checkGate(); err != nil {
		return BulkResult{}, err
	}
	return e.bulkModify(ctx, kind, ids, "status", func(rec Record) error {
		switch v := rec.(type) {
		case *Transaction:
			v.PaymentStatus = status
			if status == PaymentPaid {
				v.PaidAmount = v.Total
			}
		case *Receivable:
			v.Status = status
		default:
			return fmt.Errorf("kind %s has no status field", kind)
		}
		return nil
	})
}

// BulkSetReminder stamps a reminder time on the selected receivables.
func (e *Engine) BulkSetReminder(ctx context.Context, ids []string, remindAt time.Time) (BulkResult, error) {
	if err := e.checkGate(); err != nil {
		return BulkResult{}, err
	}
	return e.bulkModify(ctx, KindReceivable, ids, "reminder", func(rec Record) error {
		r, ok := rec.(*Receivable)
		if !ok {
			return fmt.Errorf("reminder target is not a receivable")
		}
		r.RemindAt = remindAt
		return nil
	})
}

// bulkModify applies modify to each selected record optimistically and
// confirms it remotely, rolling back the individual record on failure. A
// lost version check queues a conflict and counts the record as failed
// until the user settles it.
func (e *Engine) bulkModify(ctx context.Context, kind Kind, ids []string, op string, modify func(Record) error) (BulkResult, error) {
	var res BulkResult
	for _, id := range ids {
		snapshot, ok := e.cache.Get(kind, id)
		if !ok {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id))
			continue
		}
		candidate := snapshot.Clone()
		if err := modify(candidate); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		p, err := e.begin(kind, id, op, snapshot)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		candidate.meta().UpdatedAt = time.Now().UTC()
		e.cache.upsert(candidate)

		canonical, err := e.gateway.Update(ctx, candidate)
		e.finish(p)
		if err != nil {
			e.cache.upsert(snapshot)
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				e.queue.push(Conflict{
					Local:  candidate.Clone(),
					Server: conflict.Server.Clone(),
					Diff:   DiffFields(candidate, conflict.Server),
				})
			} else {
				e.notify.Failure(kind, op, snapshot.DisplayName(), err)
			}
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		e.cache.upsert(canonical)
		e.persistLocal(kind, canonical, false)
		res.Succeeded++
	}
	e.logger.Info("bulk modify finished", "kind", kind, "op", op,
		"succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// mirrorKind rewrites the durable mirror for a kind from the cache, used
// after whole-collection swaps.
func (e *Engine) mirrorKind(ctx context.Context, kind Kind) {
	if e.local == nil || !e.localKinds[kind] {
		return
	}
	if err := e.local.ReplaceKind(ctx, kind, e.ownerID, e.cache.List(kind)); err != nil {
		e.logger.Warn("local mirror replace failed", "kind", kind, "error", err)
	}
}
