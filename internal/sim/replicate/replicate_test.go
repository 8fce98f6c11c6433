package replicate

import (
	"encoding/json"
	"testing"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/entities"
	"strategia.ai/internal/sim/worlddef"
)

type recorder struct {
	broadcast [][]byte
	sent      map[string][][]byte
}

func (r *recorder) Broadcast(msg []byte) { r.broadcast = append(r.broadcast, msg) }

func (r *recorder) Send(clientID string, msg []byte) bool {
	if r.sent == nil {
		r.sent = map[string][][]byte{}
	}
	r.sent[clientID] = append(r.sent[clientID], msg)
	return true
}

func newCellReplicator(out Broadcaster, recs func() []protocol.CellRecord) *Replicator[protocol.CellRecord, protocol.CellPatch] {
	return New[protocol.CellRecord, protocol.CellPatch](Config[protocol.CellRecord]{
		Channel: protocol.ChannelCells,
		Records: recs,
		Out:     out,
		Seq:     &Sequencer{},
		Clock:   func() uint64 { return 7 },
	})
}

func TestTick_CoalescesToFinalValue(t *testing.T) {
	out := &recorder{}
	r := newCellReplicator(out, nil)
	for i := 1; i <= 25; i++ {
		r.MarkDirty("c0", protocol.CellPatch{Fortification: protocol.Int(i)})
	}
	r.MarkDirty("c0", protocol.CellPatch{Terrain: protocol.Str("HILLS")})
	r.MarkDirty("c1", protocol.CellPatch{Owner: protocol.Str("F1")})

	sent, err := r.Tick()
	if err != nil || !sent {
		t.Fatalf("tick sent=%v err=%v", sent, err)
	}
	if len(out.broadcast) != 1 {
		t.Fatalf("broadcasts=%d want 1", len(out.broadcast))
	}
	var msg protocol.EntityUpdateMsg[protocol.CellPatch]
	if err := json.Unmarshal(out.broadcast[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != protocol.TypeEntityDelta || msg.Channel != protocol.ChannelCells || msg.Tick != 7 {
		t.Fatalf("header=%+v", msg)
	}
	if len(msg.Changes) != 2 {
		t.Fatalf("changes=%d want 2", len(msg.Changes))
	}
	c0 := msg.Changes["c0"]
	if c0.Fortification == nil || *c0.Fortification != 25 {
		t.Fatalf("c0 fortification=%v want 25", c0.Fortification)
	}
	if c0.Terrain == nil || *c0.Terrain != "HILLS" || c0.Owner != nil {
		t.Fatalf("c0=%+v", c0)
	}
	if st := r.Stats(); st.Coalesced != 25 || st.Entries != 2 || st.Messages != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestTick_EmptySendsNothing(t *testing.T) {
	out := &recorder{}
	r := newCellReplicator(out, nil)
	sent, err := r.Tick()
	if err != nil || sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
	r.MarkDirty("c0", protocol.CellPatch{Terrain: protocol.Str("HILLS")})
	_, _ = r.Tick()
	sent, _ = r.Tick()
	if sent || len(out.broadcast) != 1 {
		t.Fatalf("second tick must be empty; broadcasts=%d", len(out.broadcast))
	}
}

func TestOnClientJoin_SendsFullToThatClientOnly(t *testing.T) {
	out := &recorder{}
	r := newCellReplicator(out, func() []protocol.CellRecord {
		return []protocol.CellRecord{{ID: "c0", Terrain: "PLAINS"}, {ID: "c1", Terrain: "FOREST"}}
	})
	r.MarkDirty("c0", protocol.CellPatch{Terrain: protocol.Str("PLAINS")})
	if err := r.OnClientJoin("A"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(out.broadcast) != 0 {
		t.Fatalf("join must not broadcast")
	}
	if r.Pending() != 1 {
		t.Fatalf("join must not touch the pending set")
	}
	var full protocol.EntityFullMsg[protocol.CellRecord]
	if err := json.Unmarshal(out.sent["A"][0], &full); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if full.Type != protocol.TypeEntityFull || len(full.Records) != 2 {
		t.Fatalf("full=%+v", full)
	}
}

func TestAttach_StoreMutationsReachDirtySet(t *testing.T) {
	b := bus.New()
	stores, err := entities.New(b, worlddef.Definition{
		Factions: map[string]worlddef.FactionDef{"F1": {Name: "Red"}},
		Cells:    map[string]worlddef.CellDef{"c0": {Terrain: "PLAINS"}},
	})
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	out := &recorder{}
	r := newCellReplicator(out, stores.Cells.Records)
	unsub := Attach(b, entities.CellChanged, r)

	_ = stores.Cells.SetOwner("c0", "F1")
	_ = stores.Cells.SetFortification("c0", 2)
	if ids := r.PendingIDs(); len(ids) != 1 || ids[0] != "c0" {
		t.Fatalf("pending=%v", ids)
	}
	unsub()
	_, _ = r.Tick()
	_ = stores.Cells.SetFortification("c0", 3)
	if r.Pending() != 0 {
		t.Fatalf("unsubscribed replicator still marked dirty")
	}
}

func TestUnitLifecycle_SpawnUpdateRemoveOrder(t *testing.T) {
	b := bus.New()
	stores, err := entities.New(b, worlddef.Definition{
		Factions: map[string]worlddef.FactionDef{"F1": {Name: "Red"}},
		Cells:    map[string]worlddef.CellDef{"c0": {Terrain: "PLAINS"}, "c1": {Terrain: "PLAINS"}},
		Units:    map[string]worlddef.UnitDef{"U000001": {Owner: "F1", Location: "c0"}},
	})
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	out := &recorder{}
	seq := &Sequencer{}
	units := New[protocol.UnitRecord, protocol.UnitPatch](Config[protocol.UnitRecord]{
		Channel: protocol.ChannelUnits, Records: stores.Units.Records, Out: out, Seq: seq,
	})
	Attach(b, entities.UnitChanged, units)
	life := NewUnitLifecycle(stores.Units, units, out, seq, nil)
	life.Attach(b)

	id, _ := stores.Units.Spawn("Scout", "F1", "c0", 5, 5)
	_ = stores.Units.MoveTo(id, "c1")
	_ = stores.Units.MoveTo("U000001", "c1")
	_ = stores.Units.Remove("U000001")
	ghost, _ := stores.Units.Spawn("Ghost", "F1", "c0", 1, 1)
	_ = stores.Units.Remove(ghost)

	if _, err := life.FlushSpawned(); err != nil {
		t.Fatalf("flush spawned: %v", err)
	}
	if _, err := units.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := life.FlushRemoved(); err != nil {
		t.Fatalf("flush removed: %v", err)
	}
	if len(out.broadcast) != 3 {
		t.Fatalf("broadcasts=%d want 3", len(out.broadcast))
	}

	var spawned protocol.UnitsSpawnedMsg
	_ = json.Unmarshal(out.broadcast[0], &spawned)
	if len(spawned.Records) != 1 || spawned.Records[0].ID != id || spawned.Records[0].Location != "c1" {
		t.Fatalf("spawned=%+v", spawned)
	}
	var upd protocol.EntityUpdateMsg[protocol.UnitPatch]
	_ = json.Unmarshal(out.broadcast[1], &upd)
	if _, ok := upd.Changes["U000001"]; ok {
		t.Fatalf("removed unit must not appear in the update")
	}
	var removed protocol.UnitsRemovedMsg
	_ = json.Unmarshal(out.broadcast[2], &removed)
	if len(removed.IDs) != 1 || removed.IDs[0] != "U000001" {
		t.Fatalf("removed=%+v", removed)
	}
	if !(spawned.Seq < upd.Seq && upd.Seq < removed.Seq) {
		t.Fatalf("seq order spawned=%d update=%d removed=%d", spawned.Seq, upd.Seq, removed.Seq)
	}
}
