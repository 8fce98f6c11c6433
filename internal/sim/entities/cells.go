package entities

import (
	"fmt"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type CellStore struct {
	bus    *bus.Bus
	stores *Stores
	byID   map[string]*Cell
}

func (s *CellStore) Get(id string) (*Cell, bool) {
	c, ok := s.byID[id]
	return c, ok
}

func (s *CellStore) Len() int { return len(s.byID) }

// All returns cells sorted by id.
func (s *CellStore) All() []*Cell { return sortedValues(s.byID) }

func (s *CellStore) Records() []protocol.CellRecord {
	all := s.All()
	out := make([]protocol.CellRecord, 0, len(all))
	for _, c := range all {
		out = append(out, c.Record())
	}
	return out
}

// SetOwner assigns the cell to a faction; an empty id clears ownership.
func (s *CellStore) SetOwner(id, factionID string) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	var owner *Faction
	if factionID != "" {
		if owner, err = s.stores.faction(factionID); err != nil {
			return fmt.Errorf("cell %s owner: %w", id, err)
		}
	}
	if c.Owner == owner {
		return nil
	}
	c.Owner = owner
	s.publish(id, protocol.CellPatch{Owner: protocol.Str(factionID)})
	return nil
}

func (s *CellStore) SetTerrain(id, terrain string) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if terrain == "" {
		return fmt.Errorf("cell %s terrain: %w", id, ErrInvalidValue)
	}
	if c.Terrain == terrain {
		return nil
	}
	c.Terrain = terrain
	s.publish(id, protocol.CellPatch{Terrain: protocol.Str(terrain)})
	return nil
}

func (s *CellStore) SetFortification(id string, level int) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if level < 0 {
		return fmt.Errorf("cell %s fortification %d: %w", id, level, ErrInvalidValue)
	}
	if c.Fortification == level {
		return nil
	}
	c.Fortification = level
	s.publish(id, protocol.CellPatch{Fortification: protocol.Int(level)})
	return nil
}

func (s *CellStore) get(id string) (*Cell, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("cell %q: %w", id, ErrUnknownEntity)
	}
	return c, nil
}

func (s *CellStore) publish(id string, p protocol.CellPatch) {
	bus.Publish(s.bus, CellChanged, Change[protocol.CellPatch]{ID: id, Patch: p})
}
