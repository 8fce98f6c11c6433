package entities

import (
	"errors"
	"testing"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/worlddef"
)

func testDef() worlddef.Definition {
	return worlddef.Definition{
		Factions: map[string]worlddef.FactionDef{
			"F1": {Name: "Red", Capital: "c0", Treasury: 10},
			"F2": {Name: "Blue"},
		},
		Cells: map[string]worlddef.CellDef{
			"c0": {X: 0, Y: 0, Terrain: "PLAINS", Owner: "F1", Neighbors: []string{"c1"}},
			"c1": {X: 1, Y: 0, Terrain: "FOREST", Neighbors: []string{"c0"}},
		},
		Units: map[string]worlddef.UnitDef{
			"U000001": {Name: "Guard", Owner: "F1", Location: "c0", Strength: 100, Morale: 50},
		},
	}
}

func newTestStores(t *testing.T) (*Stores, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s, err := New(b, testDef())
	if err != nil {
		t.Fatalf("new stores: %v", err)
	}
	return s, b
}

func TestNew_ResolvesRelations(t *testing.T) {
	s, _ := newTestStores(t)
	c0, _ := s.Cells.Get("c0")
	if c0.Owner == nil || c0.Owner.ID != "F1" {
		t.Fatalf("c0 owner=%v", c0.Owner)
	}
	if len(c0.Neighbors) != 1 || c0.Neighbors[0].ID != "c1" {
		t.Fatalf("c0 neighbors=%v", c0.Neighbors)
	}
	f1, _ := s.Factions.Get("F1")
	if f1.Capital != c0 {
		t.Fatalf("capital not resolved")
	}
	rec := c0.Record()
	if rec.Owner != "F1" || len(rec.Neighbors) != 1 || rec.Neighbors[0] != "c1" {
		t.Fatalf("record=%+v", rec)
	}
}

func TestSetters_PublishChangedFieldsOnly(t *testing.T) {
	s, b := newTestStores(t)
	var got []Change[protocol.CellPatch]
	bus.Subscribe(b, CellChanged, func(c Change[protocol.CellPatch]) { got = append(got, c) })

	if err := s.Cells.SetOwner("c1", "F2"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := s.Cells.SetOwner("c1", "F2"); err != nil {
		t.Fatalf("set owner again: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("published=%d want 1 (no-op set must not publish)", len(got))
	}
	p := got[0].Patch
	if got[0].ID != "c1" || p.Owner == nil || *p.Owner != "F2" || p.Terrain != nil || p.Fortification != nil {
		t.Fatalf("change=%+v", got[0])
	}

	if err := s.Cells.SetOwner("c1", ""); err != nil {
		t.Fatalf("clear owner: %v", err)
	}
	c1, _ := s.Cells.Get("c1")
	if c1.Owner != nil || *got[1].Patch.Owner != "" {
		t.Fatalf("owner should be cleared")
	}
}

func TestSetters_RejectDanglingReference(t *testing.T) {
	s, b := newTestStores(t)
	published := 0
	bus.Subscribe(b, CellChanged, func(Change[protocol.CellPatch]) { published++ })
	bus.Subscribe(b, UnitChanged, func(Change[protocol.UnitPatch]) { published++ })

	if err := s.Cells.SetOwner("c0", "F9"); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("err=%v want ErrUnknownReference", err)
	}
	if err := s.Units.MoveTo("U000001", "nowhere"); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("err=%v want ErrUnknownReference", err)
	}
	if err := s.Factions.SetCapital("F1", "nowhere"); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("err=%v want ErrUnknownReference", err)
	}
	if published != 0 {
		t.Fatalf("rejected mutation published %d events", published)
	}
	c0, _ := s.Cells.Get("c0")
	if c0.Owner.ID != "F1" {
		t.Fatalf("state changed on rejected mutation")
	}
	if err := s.Cells.SetTerrain("c9", "HILLS"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("err=%v want ErrUnknownEntity", err)
	}
}

func TestUnits_SpawnRemoveNeverReuseIDs(t *testing.T) {
	s, b := newTestStores(t)
	var spawned, removed []string
	bus.Subscribe(b, UnitSpawned, func(id string) { spawned = append(spawned, id) })
	bus.Subscribe(b, UnitRemoved, func(id string) { removed = append(removed, id) })

	id, err := s.Units.Spawn("Scout", "F2", "c1", 10, 10)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if id == "U000001" {
		t.Fatalf("spawn reused a loaded id")
	}
	if err := s.Units.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Units.Remove("U000001"); err != nil {
		t.Fatalf("remove loaded: %v", err)
	}
	seen := map[string]bool{"U000001": true, id: true}
	for i := 0; i < 3; i++ {
		next, err := s.Units.Spawn("Scout", "F2", "c1", 10, 10)
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		if seen[next] {
			t.Fatalf("id %s reused", next)
		}
		seen[next] = true
	}
	if len(spawned) != 4 || len(removed) != 2 {
		t.Fatalf("spawned=%d removed=%d", len(spawned), len(removed))
	}
	if _, err := s.Units.Spawn("Ghost", "F9", "c1", 1, 1); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("err=%v want ErrUnknownReference", err)
	}
}

func TestFactions_AdjustTreasury(t *testing.T) {
	s, _ := newTestStores(t)
	if err := s.Factions.AdjustTreasury("F1", 5); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	f1, _ := s.Factions.Get("F1")
	if f1.Treasury != 15 {
		t.Fatalf("treasury=%d want 15", f1.Treasury)
	}
	if err := s.Factions.AdjustTreasury("F1", -100); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err=%v want ErrInvalidValue", err)
	}
	if !s.OwnerExists(protocol.OwnerFaction, "F2") || s.OwnerExists(protocol.OwnerUnit, "U9") {
		t.Fatalf("OwnerExists mismatch")
	}
}
