package replicate

import (
	"encoding/json"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/entities"
)

// UnitLifecycle batches unit spawns and removals. Spawns are flushed before the
// unit update message of the same tick so that deltas always reference known
// ids; removals are flushed after it.
type UnitLifecycle struct {
	lookup func(id string) (protocol.UnitRecord, bool)
	deltas *Replicator[protocol.UnitRecord, protocol.UnitPatch]
	out    Broadcaster
	seq    *Sequencer
	clock  func() uint64

	spawned []string
	removed []string
}

func NewUnitLifecycle(units *entities.UnitStore, deltas *Replicator[protocol.UnitRecord, protocol.UnitPatch], out Broadcaster, seq *Sequencer, clock func() uint64) *UnitLifecycle {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	return &UnitLifecycle{
		lookup: func(id string) (protocol.UnitRecord, bool) {
			u, ok := units.Get(id)
			if !ok {
				return protocol.UnitRecord{}, false
			}
			return u.Record(), true
		},
		deltas: deltas,
		out:    out,
		seq:    seq,
		clock:  clock,
	}
}

func (l *UnitLifecycle) Attach(b *bus.Bus) (unsubscribe func()) {
	u1 := bus.Subscribe(b, entities.UnitSpawned, l.OnSpawn)
	u2 := bus.Subscribe(b, entities.UnitRemoved, l.OnRemove)
	return func() {
		u1()
		u2()
	}
}

func (l *UnitLifecycle) OnSpawn(id string) {
	l.spawned = append(l.spawned, id)
}

// OnRemove drops pending state for id. A unit spawned and removed inside the
// same window is never announced.
func (l *UnitLifecycle) OnRemove(id string) {
	if l.deltas != nil {
		l.deltas.Forget(id)
	}
	for i, s := range l.spawned {
		if s == id {
			l.spawned = append(l.spawned[:i], l.spawned[i+1:]...)
			return
		}
	}
	l.removed = append(l.removed, id)
}

func (l *UnitLifecycle) PendingSpawned() int { return len(l.spawned) }
func (l *UnitLifecycle) PendingRemoved() int { return len(l.removed) }

func (l *UnitLifecycle) FlushSpawned() (bool, error) {
	if len(l.spawned) == 0 {
		return false, nil
	}
	recs := make([]protocol.UnitRecord, 0, len(l.spawned))
	for _, id := range l.spawned {
		if r, ok := l.lookup(id); ok {
			recs = append(recs, r)
		}
	}
	b, err := json.Marshal(protocol.UnitsSpawnedMsg{
		Type:            protocol.TypeUnitsNew,
		ProtocolVersion: protocol.Version,
		Seq:             l.seq.Next(),
		Tick:            l.clock(),
		Records:         recs,
	})
	if err != nil {
		return false, err
	}
	l.out.Broadcast(b)
	l.spawned = l.spawned[:0]
	return true, nil
}

func (l *UnitLifecycle) FlushRemoved() (bool, error) {
	if len(l.removed) == 0 {
		return false, nil
	}
	ids := append([]string(nil), l.removed...)
	b, err := json.Marshal(protocol.UnitsRemovedMsg{
		Type:            protocol.TypeUnitsGone,
		ProtocolVersion: protocol.Version,
		Seq:             l.seq.Next(),
		Tick:            l.clock(),
		IDs:             ids,
	})
	if err != nil {
		return false, err
	}
	l.out.Broadcast(b)
	l.removed = l.removed[:0]
	return true, nil
}
