package entities

import (
	"fmt"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type FactionStore struct {
	bus    *bus.Bus
	stores *Stores
	byID   map[string]*Faction
}

func (s *FactionStore) Get(id string) (*Faction, bool) {
	f, ok := s.byID[id]
	return f, ok
}

func (s *FactionStore) Len() int { return len(s.byID) }

func (s *FactionStore) All() []*Faction { return sortedValues(s.byID) }

func (s *FactionStore) Records() []protocol.FactionRecord {
	all := s.All()
	out := make([]protocol.FactionRecord, 0, len(all))
	for _, f := range all {
		out = append(out, f.Record())
	}
	return out
}

func (s *FactionStore) SetName(id, name string) error {
	f, err := s.get(id)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("faction %s name: %w", id, ErrInvalidValue)
	}
	if f.Name == name {
		return nil
	}
	f.Name = name
	s.publish(id, protocol.FactionPatch{Name: protocol.Str(name)})
	return nil
}

func (s *FactionStore) SetColor(id, color string) error {
	f, err := s.get(id)
	if err != nil {
		return err
	}
	if f.Color == color {
		return nil
	}
	f.Color = color
	s.publish(id, protocol.FactionPatch{Color: protocol.Str(color)})
	return nil
}

// SetCapital moves the capital; an empty id clears it.
func (s *FactionStore) SetCapital(id, cellID string) error {
	f, err := s.get(id)
	if err != nil {
		return err
	}
	var capital *Cell
	if cellID != "" {
		if capital, err = s.stores.cell(cellID); err != nil {
			return fmt.Errorf("faction %s capital: %w", id, err)
		}
	}
	if f.Capital == capital {
		return nil
	}
	f.Capital = capital
	s.publish(id, protocol.FactionPatch{Capital: protocol.Str(cellID)})
	return nil
}

func (s *FactionStore) SetTreasury(id string, amount int) error {
	f, err := s.get(id)
	if err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("faction %s treasury %d: %w", id, amount, ErrInvalidValue)
	}
	if f.Treasury == amount {
		return nil
	}
	f.Treasury = amount
	s.publish(id, protocol.FactionPatch{Treasury: protocol.Int(amount)})
	return nil
}

func (s *FactionStore) AdjustTreasury(id string, delta int) error {
	f, err := s.get(id)
	if err != nil {
		return err
	}
	return s.SetTreasury(id, f.Treasury+delta)
}

func (s *FactionStore) get(id string) (*Faction, error) {
	f, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("faction %q: %w", id, ErrUnknownEntity)
	}
	return f, nil
}

func (s *FactionStore) publish(id string, p protocol.FactionPatch) {
	bus.Publish(s.bus, FactionChanged, Change[protocol.FactionPatch]{ID: id, Patch: p})
}
