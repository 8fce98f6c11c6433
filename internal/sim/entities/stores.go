package entities

import (
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/worlddef"
)

// Stores is the one authoritative store per entity kind. It is constructed once
// at startup and handed to every collaborator that needs it.
type Stores struct {
	Cells    *CellStore
	Factions *FactionStore
	Units    *UnitStore
}

// New builds the stores from a world definition. Nothing is published while
// loading; the initial state reaches clients through full snapshots.
func New(b *bus.Bus, def worlddef.Definition) (*Stores, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s := &Stores{}
	s.Factions = &FactionStore{bus: b, stores: s, byID: map[string]*Faction{}}
	s.Cells = &CellStore{bus: b, stores: s, byID: map[string]*Cell{}}
	s.Units = &UnitStore{bus: b, stores: s, byID: map[string]*Unit{}}

	for _, id := range worlddef.SortedKeys(def.Factions) {
		fd := def.Factions[id]
		s.Factions.byID[id] = &Faction{ID: id, Name: fd.Name, Color: fd.Color, Treasury: fd.Treasury}
	}
	for _, id := range worlddef.SortedKeys(def.Cells) {
		cd := def.Cells[id]
		c := &Cell{ID: id, X: cd.X, Y: cd.Y, Terrain: cd.Terrain, Fortification: cd.Fortification}
		if cd.Owner != "" {
			c.Owner = s.Factions.byID[cd.Owner]
		}
		s.Cells.byID[id] = c
	}
	for _, id := range worlddef.SortedKeys(def.Cells) {
		c := s.Cells.byID[id]
		for _, n := range def.Cells[id].Neighbors {
			c.Neighbors = append(c.Neighbors, s.Cells.byID[n])
		}
	}
	for _, id := range worlddef.SortedKeys(def.Factions) {
		if capID := def.Factions[id].Capital; capID != "" {
			s.Factions.byID[id].Capital = s.Cells.byID[capID]
		}
	}
	for _, id := range worlddef.SortedKeys(def.Units) {
		ud := def.Units[id]
		s.Units.byID[id] = &Unit{
			ID:       id,
			Name:     ud.Name,
			Owner:    s.Factions.byID[ud.Owner],
			Location: s.Cells.byID[ud.Location],
			Strength: ud.Strength,
			Morale:   ud.Morale,
		}
	}
	return s, nil
}

// OwnerExists reports whether a stockpile/reservation owner is live.
func (s *Stores) OwnerExists(kind, id string) bool {
	switch kind {
	case protocol.OwnerFaction:
		_, ok := s.Factions.Get(id)
		return ok
	case protocol.OwnerUnit:
		_, ok := s.Units.Get(id)
		return ok
	default:
		return false
	}
}

func (s *Stores) faction(id string) (*Faction, error) {
	f, ok := s.Factions.byID[id]
	if !ok {
		return nil, fmt.Errorf("faction %q: %w", id, ErrUnknownReference)
	}
	return f, nil
}

func (s *Stores) cell(id string) (*Cell, error) {
	c, ok := s.Cells.byID[id]
	if !ok {
		return nil, fmt.Errorf("cell %q: %w", id, ErrUnknownReference)
	}
	return c, nil
}

func sortedValues[T any](m map[string]*T) []*T {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
