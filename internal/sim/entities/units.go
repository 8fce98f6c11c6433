package entities

import (
	"fmt"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type UnitStore struct {
	bus    *bus.Bus
	stores *Stores
	byID   map[string]*Unit

	nextNum uint64
	retired map[string]struct{}
}

func (s *UnitStore) Get(id string) (*Unit, bool) {
	u, ok := s.byID[id]
	return u, ok
}

func (s *UnitStore) Len() int { return len(s.byID) }

func (s *UnitStore) All() []*Unit { return sortedValues(s.byID) }

func (s *UnitStore) Records() []protocol.UnitRecord {
	all := s.All()
	out := make([]protocol.UnitRecord, 0, len(all))
	for _, u := range all {
		out = append(out, u.Record())
	}
	return out
}

// Spawn creates a unit with a fresh id. Ids are never reused, including ids of
// removed units and ids loaded from the world definition.
func (s *UnitStore) Spawn(name, ownerID, locationID string, strength, morale int) (string, error) {
	owner, err := s.stores.faction(ownerID)
	if err != nil {
		return "", fmt.Errorf("spawn owner: %w", err)
	}
	loc, err := s.stores.cell(locationID)
	if err != nil {
		return "", fmt.Errorf("spawn location: %w", err)
	}
	if strength < 0 || morale < 0 {
		return "", fmt.Errorf("spawn stats: %w", ErrInvalidValue)
	}
	id := s.newID()
	s.byID[id] = &Unit{
		ID:       id,
		Name:     name,
		Owner:    owner,
		Location: loc,
		Strength: strength,
		Morale:   morale,
	}
	bus.Publish(s.bus, UnitSpawned, id)
	return id, nil
}

func (s *UnitStore) Remove(id string) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	delete(s.byID, id)
	if s.retired == nil {
		s.retired = map[string]struct{}{}
	}
	s.retired[id] = struct{}{}
	bus.Publish(s.bus, UnitRemoved, id)
	return nil
}

func (s *UnitStore) SetName(id, name string) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	if u.Name == name {
		return nil
	}
	u.Name = name
	s.publish(id, protocol.UnitPatch{Name: protocol.Str(name)})
	return nil
}

// SetOwner transfers the unit. Units always have an owner.
func (s *UnitStore) SetOwner(id, factionID string) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	owner, err := s.stores.faction(factionID)
	if err != nil {
		return fmt.Errorf("unit %s owner: %w", id, err)
	}
	if u.Owner == owner {
		return nil
	}
	u.Owner = owner
	s.publish(id, protocol.UnitPatch{Owner: protocol.Str(factionID)})
	return nil
}

func (s *UnitStore) MoveTo(id, cellID string) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	loc, err := s.stores.cell(cellID)
	if err != nil {
		return fmt.Errorf("unit %s location: %w", id, err)
	}
	if u.Location == loc {
		return nil
	}
	u.Location = loc
	s.publish(id, protocol.UnitPatch{Location: protocol.Str(cellID)})
	return nil
}

func (s *UnitStore) SetStrength(id string, strength int) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	if strength < 0 {
		return fmt.Errorf("unit %s strength %d: %w", id, strength, ErrInvalidValue)
	}
	if u.Strength == strength {
		return nil
	}
	u.Strength = strength
	s.publish(id, protocol.UnitPatch{Strength: protocol.Int(strength)})
	return nil
}

func (s *UnitStore) SetMorale(id string, morale int) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	if morale < 0 {
		return fmt.Errorf("unit %s morale %d: %w", id, morale, ErrInvalidValue)
	}
	if u.Morale == morale {
		return nil
	}
	u.Morale = morale
	s.publish(id, protocol.UnitPatch{Morale: protocol.Int(morale)})
	return nil
}

func (s *UnitStore) newID() string {
	for {
		s.nextNum++
		id := fmt.Sprintf("U%06d", s.nextNum)
		if _, taken := s.byID[id]; taken {
			continue
		}
		if _, gone := s.retired[id]; gone {
			continue
		}
		return id
	}
}

func (s *UnitStore) get(id string) (*Unit, error) {
	u, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", id, ErrUnknownEntity)
	}
	return u, nil
}

func (s *UnitStore) publish(id string, p protocol.UnitPatch) {
	bus.Publish(s.bus, UnitChanged, Change[protocol.UnitPatch]{ID: id, Patch: p})
}
