// Package mirror rebuilds read-only client copies of replicated server state
// from snapshot, delta and lifecycle messages.
//
// A Set is owned by a single goroutine. Each family halts independently on
// a protocol violation; the rest of the set keeps applying.
package mirror

import (
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type Set struct {
	bus *bus.Bus

	Types        *Types
	Factions     *Factions
	Cells        *Cells
	Units        *Units
	Stockpile    *Stockpile
	Reservations *Reservations
}

// NewSet builds an empty mirror set publishing Changed events on b.
func NewSet(b *bus.Bus) *Set {
	if b == nil {
		b = bus.New()
	}
	s := &Set{bus: b}
	s.Types = newTypes(s)
	s.Factions = newFactions(s)
	s.Cells = newCells(s)
	s.Units = newUnits(s)
	s.Stockpile = newStockpile(s)
	s.Reservations = newReservations(s)
	return s
}

func (s *Set) Bus() *bus.Bus { return s.bus }

// Watch scopes the stockpile mirror to t and the reservation mirror to the
// faction that owns t. factionID is the caller's best guess; the snapshot
// answering the WATCH names the owner the server resolved.
func (s *Set) Watch(t protocol.Target, factionID string) {
	s.Stockpile.Watch(t)
	s.Reservations.Watch(factionID)
	s.Reservations.target = t
}

// Ready reports whether every entity family has its snapshot.
func (s *Set) Ready() bool {
	return s.Factions.Ready() && s.Cells.Ready() && s.Units.Ready()
}

// Halted lists the families stopped by a protocol violation.
func (s *Set) Halted() map[string]error {
	out := map[string]error{}
	for kind, err := range map[string]error{
		KindFactions:     s.Factions.Halted(),
		KindCells:        s.Cells.Halted(),
		KindUnits:        s.Units.Halted(),
		KindStockpile:    s.Stockpile.Halted(),
		KindReservations: s.Reservations.Halted(),
	} {
		if err != nil {
			out[kind] = err
		}
	}
	return out
}

// checkDeferred verifies references that snapshots applied earlier could
// not check because kind was not populated yet. The referring family halts.
func (s *Set) checkDeferred(kind string, ids map[string]struct{}) error {
	for _, check := range []func(string, map[string]struct{}) error{
		s.Factions.dangling, s.Cells.dangling, s.Units.dangling,
	} {
		if err := check(kind, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) has(kind, id string) (found, ready bool) {
	switch kind {
	case KindCells:
		return s.Cells.has(id)
	case KindFactions:
		return s.Factions.has(id)
	case KindUnits:
		return s.Units.has(id)
	}
	return false, false
}
