// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"context"
	"fmt"
	"sync"
)

// fakeGateway is an in-memory Gateway with the same compare-and-swap
// semantics as millserver, plus per-operation failure injection.
type fakeGateway struct {
	mu      sync.Mutex
	data    map[Kind]map[string]Record
	missing map[Kind]bool    // simulate unprovisioned tables
	errOn   map[string]error // key: op or op+"/"+id
	calls   []string

	// optional hooks, invoked outside the lock before the op runs
	updateHook func(Record)
	insertHook func(Record)
	deleteHook func(Kind, string)

	// reassignInsertID, when set, makes the next insert return a record
	// with this server-assigned id.
	reassignInsertID string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		data:    make(map[Kind]map[string]Record),
		missing: make(map[Kind]bool),
		errOn:   make(map[string]error),
	}
}

func (f *fakeGateway) fail(key string, err error) {
	f.mu.Lock()
	f.errOn[key] = err
	f.mu.Unlock()
}

func (f *fakeGateway) seed(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := rec.Kind()
	if f.data[kind] == nil {
		f.data[kind] = make(map[string]Record)
	}
	f.data[kind][rec.RecordID()] = rec.Clone()
}

func (f *fakeGateway) record(kind Kind, id string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[kind][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (f *fakeGateway) count(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data[kind])
}

func (f *fakeGateway) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeGateway) checkErr(keys ...string) error {
	for _, k := range keys {
		if err, ok := f.errOn[k]; ok && err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeGateway) List(ctx context.Context, kind Kind, ownerID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	if f.missing[kind] {
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
	}
	if err := f.checkErr("list", "list/"+string(kind)); err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range f.data[kind] {
		if rec.Owner() == ownerID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (f *fakeGateway) Insert(ctx context.Context, rec Record) (Record, error) {
	if f.insertHook != nil {
		f.insertHook(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "insert")
	kind := rec.Kind()
	if f.missing[kind] {
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, kind)
	}
	if err := f.checkErr("insert", "insert/"+rec.RecordID()); err != nil {
		return nil, err
	}
	canonical := rec.Clone()
	m := canonical.meta()
	if f.reassignInsertID != "" {
		m.ID = f.reassignInsertID
		f.reassignInsertID = ""
	}
	m.Version = 1
	if f.data[kind] == nil {
		f.data[kind] = make(map[string]Record)
	}
	f.data[kind][m.ID] = canonical.Clone()
	return canonical, nil
}

func (f *fakeGateway) Update(ctx context.Context, rec Record) (Record, error) {
	if f.updateHook != nil {
		f.updateHook(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update")
	kind := rec.Kind()
	if err := f.checkErr("update", "update/"+rec.RecordID()); err != nil {
		return nil, err
	}
	current, ok := f.data[kind][rec.RecordID()]
	if !ok {
		return nil, fmt.Errorf("no such record %s", rec.RecordID())
	}
	if current.BaseVersion() != rec.BaseVersion() {
		return nil, &ConflictError{Kind: kind, ID: rec.RecordID(), Server: current.Clone()}
	}
	canonical := rec.Clone()
	canonical.meta().Version = current.BaseVersion() + 1
	f.data[kind][rec.RecordID()] = canonical.Clone()
	return canonical, nil
}

func (f *fakeGateway) Delete(ctx context.Context, kind Kind, id string, baseVersion int64) error {
	if f.deleteHook != nil {
		f.deleteHook(kind, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete")
	if err := f.checkErr("delete", "delete/"+id); err != nil {
		return err
	}
	current, ok := f.data[kind][id]
	if !ok {
		return nil
	}
	if current.BaseVersion() != baseVersion {
		return &ConflictError{Kind: kind, ID: id, Server: current.Clone()}
	}
	delete(f.data[kind], id)
	return nil
}

func (f *fakeGateway) InsertMany(ctx context.Context, kind Kind, recs []Record) ([]Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "insert_many")
	if err := f.checkErr("insert_many", "insert_many/"+string(kind)); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		canonical, err := f.Insert(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, canonical)
	}
	return out, nil
}

func (f *fakeGateway) DeleteAll(ctx context.Context, kind Kind, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete_all")
	if err := f.checkErr("delete_all", "delete_all/"+string(kind)); err != nil {
		return err
	}
	for id, rec := range f.data[kind] {
		if rec.Owner() == ownerID {
			delete(f.data[kind], id)
		}
	}
	return nil
}

var _ Gateway = (*fakeGateway)(nil)

// recordingNotifier captures user-visible outcomes for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (n *recordingNotifier) Success(kind Kind, op, name string) {
	n.mu.Lock()
	n.successes = append(n.successes, fmt.Sprintf("%s %s %s", kind, op, name))
	n.mu.Unlock()
}

func (n *recordingNotifier) Failure(kind Kind, op, name string, err error) {
	n.mu.Lock()
	n.failures = append(n.failures, fmt.Sprintf("%s %s %s", kind, op, name))
	n.mu.Unlock()
}

func (n *recordingNotifier) lastFailure() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.failures) == 0 {
		return ""
	}
	return n.failures[len(n.failures)-1]
}
