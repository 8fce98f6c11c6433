// Package entities holds the authoritative mutable records. Every setter both
// changes local state and publishes the changed fields on the kind's topic.
// All access happens on the world loop goroutine.
package entities

import (
	"errors"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

var (
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrUnknownReference = errors.New("unknown reference")
	ErrInvalidValue     = errors.New("invalid value")
)

// Change is the event published for every successful mutation.
type Change[P any] struct {
	ID    string
	Patch P
}

var (
	CellChanged    = bus.NewTopic[Change[protocol.CellPatch]]("cells.changed")
	FactionChanged = bus.NewTopic[Change[protocol.FactionPatch]]("factions.changed")
	UnitChanged    = bus.NewTopic[Change[protocol.UnitPatch]]("units.changed")

	// Spawn and removal travel out-of-band from field deltas.
	UnitSpawned = bus.NewTopic[string]("units.spawned")
	UnitRemoved = bus.NewTopic[string]("units.removed")
)

// Records hold direct references server-side. Mutate only through the stores.

type Cell struct {
	ID            string
	X, Y          int
	Neighbors     []*Cell
	Terrain       string
	Owner         *Faction
	Fortification int
}

type Faction struct {
	ID       string
	Name     string
	Color    string
	Capital  *Cell
	Treasury int
}

type Unit struct {
	ID       string
	Name     string
	Owner    *Faction
	Location *Cell
	Strength int
	Morale   int
}

func (c *Cell) Record() protocol.CellRecord {
	r := protocol.CellRecord{
		ID:            c.ID,
		X:             c.X,
		Y:             c.Y,
		Terrain:       c.Terrain,
		Fortification: c.Fortification,
	}
	if c.Owner != nil {
		r.Owner = c.Owner.ID
	}
	for _, n := range c.Neighbors {
		r.Neighbors = append(r.Neighbors, n.ID)
	}
	return r
}

func (f *Faction) Record() protocol.FactionRecord {
	r := protocol.FactionRecord{
		ID:       f.ID,
		Name:     f.Name,
		Color:    f.Color,
		Treasury: f.Treasury,
	}
	if f.Capital != nil {
		r.Capital = f.Capital.ID
	}
	return r
}

func (u *Unit) Record() protocol.UnitRecord {
	return protocol.UnitRecord{
		ID:       u.ID,
		Name:     u.Name,
		Owner:    u.Owner.ID,
		Location: u.Location.ID,
		Strength: u.Strength,
		Morale:   u.Morale,
	}
}
