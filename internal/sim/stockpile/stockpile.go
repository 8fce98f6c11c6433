// Package stockpile tracks per-owner equipment counts and replicates them as
// target-scoped snapshot and delta messages. Delta entries carry absolute
// counts; clients replace the cell value, they never add.
package stockpile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/replicate"
)

var (
	ErrUnknownOwner = errors.New("unknown stockpile owner")
	ErrUnknownType  = errors.New("unknown equipment type")
	ErrBadCount     = errors.New("negative count")
)

type Target = protocol.Target

type key struct {
	Category string
	TypeID   string
}

type Config struct {
	Catalog *catalogs.Catalog
	// OwnerExists reports whether (kind, id) is a live faction or unit.
	OwnerExists func(kind, id string) bool
	Out         replicate.Broadcaster
	Seq         *replicate.Sequencer
	Clock       func() uint64
}

type Sync struct {
	cfg    Config
	counts map[Target]map[key]int
	dirty  map[Target]map[key]int

	messages uint64
}

func New(cfg Config) *Sync {
	if cfg.Seq == nil {
		cfg.Seq = &replicate.Sequencer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return 0 }
	}
	return &Sync{
		cfg:    cfg,
		counts: map[Target]map[key]int{},
		dirty:  map[Target]map[key]int{},
	}
}

// SetCount sets one cell to an absolute value and marks the target dirty.
func (s *Sync) SetCount(t Target, category, typeID string, count int) error {
	if count < 0 {
		return fmt.Errorf("%s %s/%s=%d: %w", t, category, typeID, count, ErrBadCount)
	}
	if !t.Valid() || (s.cfg.OwnerExists != nil && !s.cfg.OwnerExists(t.OwnerKind, t.OwnerID)) {
		return fmt.Errorf("%s: %w", t, ErrUnknownOwner)
	}
	if s.cfg.Catalog != nil {
		def, ok := s.cfg.Catalog.Lookup(typeID)
		if !ok || def.Category != category {
			return fmt.Errorf("%s/%s: %w", category, typeID, ErrUnknownType)
		}
	}
	k := key{Category: category, TypeID: typeID}
	m := s.counts[t]
	if m == nil {
		m = map[key]int{}
		s.counts[t] = m
	}
	if prev, ok := m[k]; ok && prev == count {
		return nil
	}
	m[k] = count

	d := s.dirty[t]
	if d == nil {
		d = map[key]int{}
		s.dirty[t] = d
	}
	d[k] = count
	return nil
}

// Add adjusts a cell by delta; the replicated value is still absolute.
func (s *Sync) Add(t Target, category, typeID string, delta int) error {
	return s.SetCount(t, category, typeID, s.Count(t, typeID)+delta)
}

// Count returns the quantity of one type held by t.
func (s *Sync) Count(t Target, typeID string) int {
	n := 0
	for k, c := range s.counts[t] {
		if k.TypeID == typeID {
			n += c
		}
	}
	return n
}

// TotalForCategory sums every type of a category held by t.
func (s *Sync) TotalForCategory(t Target, category string) int {
	n := 0
	for k, c := range s.counts[t] {
		if k.Category == category {
			n += c
		}
	}
	return n
}

func (s *Sync) Entries(t Target) []protocol.StockpileEntry {
	return sortedEntries(s.counts[t])
}

// DropOwner forgets a removed owner. Observers of that target keep their last
// view; nothing further is sent for it.
func (s *Sync) DropOwner(t Target) {
	delete(s.counts, t)
	delete(s.dirty, t)
}

// Tick broadcasts one delta per dirty target, in target order.
func (s *Sync) Tick() (sent int, err error) {
	if len(s.dirty) == 0 {
		return 0, nil
	}
	targets := make([]Target, 0, len(s.dirty))
	for t := range s.dirty {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].OwnerKind != targets[j].OwnerKind {
			return targets[i].OwnerKind < targets[j].OwnerKind
		}
		return targets[i].OwnerID < targets[j].OwnerID
	})
	for _, t := range targets {
		b, err := s.encode(protocol.KindDelta, t, sortedEntries(s.dirty[t]))
		if err != nil {
			return sent, err
		}
		if s.cfg.Out != nil {
			s.cfg.Out.Broadcast(b)
		}
		delete(s.dirty, t)
		sent++
		s.messages++
	}
	return sent, nil
}

// SnapshotFor encodes the full stockpile of one target.
func (s *Sync) SnapshotFor(t Target) ([]byte, error) {
	return s.encode(protocol.KindSnapshot, t, sortedEntries(s.counts[t]))
}

// SendSnapshot pushes a target-scoped snapshot to one client.
func (s *Sync) SendSnapshot(clientID string, t Target) error {
	b, err := s.SnapshotFor(t)
	if err != nil {
		return err
	}
	if s.cfg.Out != nil {
		s.cfg.Out.Send(clientID, b)
	}
	return nil
}

func (s *Sync) Messages() uint64 { return s.messages }

func (s *Sync) encode(kind string, t Target, entries []protocol.StockpileEntry) ([]byte, error) {
	return json.Marshal(protocol.StockpileMsg{
		Type:            protocol.TypeStockpile,
		ProtocolVersion: protocol.Version,
		Kind:            kind,
		Seq:             s.cfg.Seq.Next(),
		Tick:            s.cfg.Clock(),
		Target:          t,
		Entries:         entries,
	})
}

func sortedEntries(m map[key]int) []protocol.StockpileEntry {
	out := make([]protocol.StockpileEntry, 0, len(m))
	for k, c := range m {
		out = append(out, protocol.StockpileEntry{Category: k.Category, TypeID: k.TypeID, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].TypeID < out[j].TypeID
	})
	return out
}
