package mirror

import "strategia.ai/internal/protocol"

const (
	KindCells        = protocol.ChannelCells
	KindFactions     = protocol.ChannelFactions
	KindUnits        = protocol.ChannelUnits
	KindTypes        = "types"
	KindStockpile    = "stockpile"
	KindReservations = "reservations"
)

type Cells struct {
	*Repo[protocol.CellRecord, protocol.CellPatch]
}

func newCells(set *Set) *Cells {
	return &Cells{newRepo(KindCells, set, codec[protocol.CellRecord, protocol.CellPatch]{
		id: func(c protocol.CellRecord) string { return c.ID },
		refs: func(c protocol.CellRecord) []ref {
			out := make([]ref, 0, len(c.Neighbors)+1)
			if c.Owner != "" {
				out = append(out, ref{KindFactions, c.Owner})
			}
			for _, n := range c.Neighbors {
				out = append(out, ref{KindCells, n})
			}
			return out
		},
		patchRefs: func(p protocol.CellPatch) []ref {
			if p.Owner == nil {
				return nil
			}
			return []ref{{KindFactions, *p.Owner}}
		},
		apply: func(c protocol.CellRecord, p protocol.CellPatch) protocol.CellRecord {
			if p.Terrain != nil {
				c.Terrain = *p.Terrain
			}
			if p.Owner != nil {
				c.Owner = *p.Owner
			}
			if p.Fortification != nil {
				c.Fortification = *p.Fortification
			}
			return c
		},
		indexes: map[string]func(protocol.CellRecord) []string{
			"owner": func(c protocol.CellRecord) []string { return []string{c.Owner} },
		},
	})}
}

// ByOwner returns the cells held by a faction.
func (c *Cells) ByOwner(factionID string) []protocol.CellRecord {
	return c.lookup("owner", factionID)
}

// Neighbors resolves a cell's adjacency against the mirror.
func (c *Cells) Neighbors(id string) []protocol.CellRecord {
	cell, ok := c.Get(id)
	if !ok {
		return nil
	}
	return c.collect(cell.Neighbors)
}

type Factions struct {
	*Repo[protocol.FactionRecord, protocol.FactionPatch]
}

func newFactions(set *Set) *Factions {
	return &Factions{newRepo(KindFactions, set, codec[protocol.FactionRecord, protocol.FactionPatch]{
		id: func(f protocol.FactionRecord) string { return f.ID },
		refs: func(f protocol.FactionRecord) []ref {
			if f.Capital == "" {
				return nil
			}
			return []ref{{KindCells, f.Capital}}
		},
		patchRefs: func(p protocol.FactionPatch) []ref {
			if p.Capital == nil {
				return nil
			}
			return []ref{{KindCells, *p.Capital}}
		},
		apply: func(f protocol.FactionRecord, p protocol.FactionPatch) protocol.FactionRecord {
			if p.Name != nil {
				f.Name = *p.Name
			}
			if p.Color != nil {
				f.Color = *p.Color
			}
			if p.Capital != nil {
				f.Capital = *p.Capital
			}
			if p.Treasury != nil {
				f.Treasury = *p.Treasury
			}
			return f
		},
	})}
}

type Units struct {
	*Repo[protocol.UnitRecord, protocol.UnitPatch]
}

func newUnits(set *Set) *Units {
	return &Units{newRepo(KindUnits, set, codec[protocol.UnitRecord, protocol.UnitPatch]{
		id: func(u protocol.UnitRecord) string { return u.ID },
		refs: func(u protocol.UnitRecord) []ref {
			return []ref{{KindFactions, u.Owner}, {KindCells, u.Location}}
		},
		patchRefs: func(p protocol.UnitPatch) []ref {
			var out []ref
			if p.Owner != nil {
				out = append(out, ref{KindFactions, *p.Owner})
			}
			if p.Location != nil {
				out = append(out, ref{KindCells, *p.Location})
			}
			return out
		},
		apply: func(u protocol.UnitRecord, p protocol.UnitPatch) protocol.UnitRecord {
			if p.Name != nil {
				u.Name = *p.Name
			}
			if p.Owner != nil {
				u.Owner = *p.Owner
			}
			if p.Location != nil {
				u.Location = *p.Location
			}
			if p.Strength != nil {
				u.Strength = *p.Strength
			}
			if p.Morale != nil {
				u.Morale = *p.Morale
			}
			return u
		},
		indexes: map[string]func(protocol.UnitRecord) []string{
			"owner":    func(u protocol.UnitRecord) []string { return []string{u.Owner} },
			"location": func(u protocol.UnitRecord) []string { return []string{u.Location} },
		},
	})}
}

func (u *Units) ByOwner(factionID string) []protocol.UnitRecord {
	return u.lookup("owner", factionID)
}

func (u *Units) AtLocation(cellID string) []protocol.UnitRecord {
	return u.lookup("location", cellID)
}

// ApplySpawned inserts new units. A unit already present (it was part of
// the join snapshot) is replaced.
func (u *Units) ApplySpawned(seq uint64, records []protocol.UnitRecord) error {
	return u.upsert(seq, records)
}

// ApplyRemoved drops units; ids the mirror never saw are ignored.
func (u *Units) ApplyRemoved(seq uint64, ids []string) error {
	return u.remove(seq, ids)
}
