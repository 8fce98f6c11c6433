package mirror

import (
	"fmt"
	"sort"

	"strategia.ai/internal/sim/bus"
)

// Changed is published on the client bus after each successful apply.
type Changed struct {
	Kind string
	Seq  uint64
	IDs  []string
}

var ChangedTopic = bus.NewTopic[Changed]("mirror.changed")

type ref struct {
	kind string
	id   string
}

// codec describes one record family to the generic repo.
type codec[R any, P any] struct {
	id        func(R) string
	refs      func(R) []ref
	patchRefs func(P) []ref
	apply     func(R, P) R
	indexes   map[string]func(R) []string
}

// Repo is a read-only mirror of one record family, rebuilt from snapshot
// and delta messages.
type Repo[R any, P any] struct {
	kind string
	set  *Set
	c    codec[R, P]

	byID map[string]R
	idx  map[string]map[string]map[string]struct{}

	ready   bool
	lastSeq uint64
	halted  error
}

func newRepo[R any, P any](kind string, set *Set, c codec[R, P]) *Repo[R, P] {
	r := &Repo[R, P]{
		kind: kind,
		set:  set,
		c:    c,
		byID: map[string]R{},
		idx:  map[string]map[string]map[string]struct{}{},
	}
	for name := range c.indexes {
		r.idx[name] = map[string]map[string]struct{}{}
	}
	return r
}

func (r *Repo[R, P]) Kind() string { return r.kind }

// Ready reports whether the snapshot has been applied.
func (r *Repo[R, P]) Ready() bool { return r.ready }

func (r *Repo[R, P]) LastSeq() uint64 { return r.lastSeq }

// Halted returns the protocol violation that stopped this mirror, if any.
func (r *Repo[R, P]) Halted() error { return r.halted }

func (r *Repo[R, P]) Len() int { return len(r.byID) }

func (r *Repo[R, P]) Get(id string) (R, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// All returns every record sorted by id.
func (r *Repo[R, P]) All() []R {
	return r.collect(r.sortedIDs())
}

func (r *Repo[R, P]) has(id string) (found, ready bool) {
	_, found = r.byID[id]
	return found, r.ready
}

func (r *Repo[R, P]) ApplySnapshot(seq uint64, records []R) error {
	if err := r.check(); err != nil {
		return err
	}
	if r.ready {
		return r.halt(fmt.Errorf("%s: %w", r.kind, ErrDuplicateSnapshot))
	}
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		id := r.c.id(rec)
		if id == "" {
			return r.halt(fmt.Errorf("%s: empty id: %w", r.kind, ErrMalformed))
		}
		if _, dup := ids[id]; dup {
			return r.halt(fmt.Errorf("%s %s: duplicate record: %w", r.kind, id, ErrMalformed))
		}
		ids[id] = struct{}{}
	}
	for _, rec := range records {
		for _, rf := range r.c.refs(rec) {
			if rf.kind == r.kind {
				if _, ok := ids[rf.id]; !ok {
					return r.halt(fmt.Errorf("%s %s -> %s %s: %w", r.kind, r.c.id(rec), rf.kind, rf.id, ErrUnresolvedRef))
				}
				continue
			}
			// Families snapshot in a fixed order; a family not yet
			// populated is checked when its own deltas arrive.
			if found, ready := r.set.has(rf.kind, rf.id); ready && !found {
				return r.halt(fmt.Errorf("%s %s -> %s %s: %w", r.kind, r.c.id(rec), rf.kind, rf.id, ErrUnresolvedRef))
			}
		}
	}
	for _, rec := range records {
		r.put(rec)
	}
	r.ready = true
	r.lastSeq = seq
	r.publish(seq, sortedKeys(ids))
	if r.set != nil {
		return r.set.checkDeferred(r.kind, ids)
	}
	return nil
}

// ApplyDelta merges partial records. The whole delta is validated before
// anything is written. A seq at or below the last applied one is a
// duplicate and ignored.
func (r *Repo[R, P]) ApplyDelta(seq uint64, changes map[string]P) error {
	if err := r.check(); err != nil {
		return err
	}
	if !r.ready {
		return r.halt(fmt.Errorf("%s: %w", r.kind, ErrNoSnapshot))
	}
	if seq != 0 && seq <= r.lastSeq {
		return nil
	}
	ids := make([]string, 0, len(changes))
	for id, p := range changes {
		if _, ok := r.byID[id]; !ok {
			return r.halt(fmt.Errorf("%s %s: %w", r.kind, id, ErrUnknownID))
		}
		if err := r.resolve(id, r.c.patchRefs(p)); err != nil {
			return r.halt(err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.put(r.c.apply(r.byID[id], changes[id]))
	}
	r.lastSeq = seq
	r.publish(seq, ids)
	return nil
}

// upsert inserts or replaces whole records.
func (r *Repo[R, P]) upsert(seq uint64, records []R) error {
	if err := r.check(); err != nil {
		return err
	}
	if !r.ready {
		return r.halt(fmt.Errorf("%s: %w", r.kind, ErrNoSnapshot))
	}
	if seq != 0 && seq <= r.lastSeq {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id := r.c.id(rec)
		if id == "" {
			return r.halt(fmt.Errorf("%s: empty id: %w", r.kind, ErrMalformed))
		}
		if err := r.resolve(id, r.c.refs(rec)); err != nil {
			return r.halt(err)
		}
		ids = append(ids, id)
	}
	for _, rec := range records {
		r.put(rec)
	}
	r.lastSeq = seq
	r.publish(seq, ids)
	return nil
}

// remove deletes records; unknown ids are ignored.
func (r *Repo[R, P]) remove(seq uint64, ids []string) error {
	if err := r.check(); err != nil {
		return err
	}
	if !r.ready {
		return r.halt(fmt.Errorf("%s: %w", r.kind, ErrNoSnapshot))
	}
	if seq != 0 && seq <= r.lastSeq {
		return nil
	}
	var gone []string
	for _, id := range ids {
		old, ok := r.byID[id]
		if !ok {
			continue
		}
		r.unindex(id, old)
		delete(r.byID, id)
		gone = append(gone, id)
	}
	r.lastSeq = seq
	if len(gone) > 0 {
		r.publish(seq, gone)
	}
	return nil
}

// dangling halts this mirror if any record points at a kind whose
// snapshot just landed without the referenced id.
func (r *Repo[R, P]) dangling(kind string, ids map[string]struct{}) error {
	if !r.ready || r.halted != nil || kind == r.kind {
		return nil
	}
	for _, id := range r.sortedIDs() {
		for _, rf := range r.c.refs(r.byID[id]) {
			if rf.kind != kind || rf.id == "" {
				continue
			}
			if _, ok := ids[rf.id]; !ok {
				return r.halt(fmt.Errorf("%s %s -> %s %s: %w", r.kind, id, rf.kind, rf.id, ErrUnresolvedRef))
			}
		}
	}
	return nil
}

func (r *Repo[R, P]) resolve(id string, refs []ref) error {
	for _, rf := range refs {
		if rf.id == "" {
			continue
		}
		var found bool
		if rf.kind == r.kind {
			_, found = r.byID[rf.id]
		} else {
			var ready bool
			found, ready = r.set.has(rf.kind, rf.id)
			found = found && ready
		}
		if !found {
			return fmt.Errorf("%s %s -> %s %s: %w", r.kind, id, rf.kind, rf.id, ErrUnresolvedRef)
		}
	}
	return nil
}

func (r *Repo[R, P]) lookup(index, key string) []R {
	set := r.idx[index][key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return r.collect(ids)
}

func (r *Repo[R, P]) put(rec R) {
	id := r.c.id(rec)
	if old, ok := r.byID[id]; ok {
		r.unindex(id, old)
	}
	r.byID[id] = rec
	for name, keys := range r.c.indexes {
		for _, k := range keys(rec) {
			if k == "" {
				continue
			}
			m := r.idx[name][k]
			if m == nil {
				m = map[string]struct{}{}
				r.idx[name][k] = m
			}
			m[id] = struct{}{}
		}
	}
}

func (r *Repo[R, P]) unindex(id string, rec R) {
	for name, keys := range r.c.indexes {
		for _, k := range keys(rec) {
			if m := r.idx[name][k]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(r.idx[name], k)
				}
			}
		}
	}
}

func (r *Repo[R, P]) collect(ids []string) []R {
	out := make([]R, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.byID[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *Repo[R, P]) sortedIDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repo[R, P]) check() error {
	if r.halted != nil {
		return fmt.Errorf("%s: %w: %v", r.kind, ErrHalted, r.halted)
	}
	return nil
}

func (r *Repo[R, P]) halt(err error) error {
	r.halted = err
	return err
}

func (r *Repo[R, P]) publish(seq uint64, ids []string) {
	if r.set != nil {
		bus.Publish(r.set.bus, ChangedTopic, Changed{Kind: r.kind, Seq: seq, IDs: ids})
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
