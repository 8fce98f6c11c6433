package mirror

import (
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type cellKey struct {
	category string
	typeID   string
}

// Stockpile mirrors the equipment counts of one watched target.
type Stockpile struct {
	set    *Set
	target protocol.Target
	counts map[cellKey]int

	ready   bool
	lastSeq uint64
	halted  error
}

func newStockpile(set *Set) *Stockpile {
	return &Stockpile{set: set, counts: map[cellKey]int{}}
}

// Watch retargets the mirror. Existing state is discarded until the
// snapshot for the new target arrives.
func (s *Stockpile) Watch(t protocol.Target) {
	s.target = t
	s.counts = map[cellKey]int{}
	s.ready = false
	s.lastSeq = 0
	s.halted = nil
}

func (s *Stockpile) Target() protocol.Target { return s.target }
func (s *Stockpile) Ready() bool             { return s.ready }
func (s *Stockpile) Halted() error           { return s.halted }

// Apply consumes one STOCKPILE message. Messages for other targets, deltas
// that predate the snapshot, and duplicates are ignored.
func (s *Stockpile) Apply(msg protocol.StockpileMsg) error {
	if s.halted != nil {
		return fmt.Errorf("%s: %w: %v", KindStockpile, ErrHalted, s.halted)
	}
	if msg.Target != s.target || !s.target.Valid() {
		return nil
	}
	if msg.Seq != 0 && msg.Seq <= s.lastSeq {
		return nil
	}
	switch msg.Kind {
	case protocol.KindSnapshot, protocol.KindDelta:
	default:
		s.halted = fmt.Errorf("stockpile kind %q: %w", msg.Kind, ErrMalformed)
		return s.halted
	}
	if msg.Kind == protocol.KindDelta && !s.ready {
		return nil
	}
	for _, e := range msg.Entries {
		if e.Count < 0 {
			s.halted = fmt.Errorf("stockpile %s=%d: %w", e.TypeID, e.Count, ErrMalformed)
			return s.halted
		}
		def, ok := s.set.Types.Resolve(e.TypeID)
		if !ok {
			return fmt.Errorf("stockpile %s: %w", e.TypeID, ErrUnresolvedType)
		}
		if def.Category != e.Category {
			s.halted = fmt.Errorf("stockpile %s category %s, defined as %s: %w", e.TypeID, e.Category, def.Category, ErrMalformed)
			return s.halted
		}
	}

	if msg.Kind == protocol.KindSnapshot {
		s.counts = map[cellKey]int{}
		s.ready = true
	}
	for _, e := range msg.Entries {
		s.counts[cellKey{e.Category, e.TypeID}] = e.Count
	}
	s.lastSeq = msg.Seq
	bus.Publish(s.set.bus, ChangedTopic, Changed{Kind: KindStockpile, Seq: msg.Seq, IDs: []string{s.target.String()}})
	return nil
}

func (s *Stockpile) CountForType(typeID string) int {
	n := 0
	for k, c := range s.counts {
		if k.typeID == typeID {
			n += c
		}
	}
	return n
}

func (s *Stockpile) CountForCategory(category string) int {
	n := 0
	for k, c := range s.counts {
		if k.category == category {
			n += c
		}
	}
	return n
}

func (s *Stockpile) Entries() []protocol.StockpileEntry {
	out := make([]protocol.StockpileEntry, 0, len(s.counts))
	for k, c := range s.counts {
		out = append(out, protocol.StockpileEntry{Category: k.category, TypeID: k.typeID, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].TypeID < out[j].TypeID
	})
	return out
}
