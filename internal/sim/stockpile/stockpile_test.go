package stockpile

import (
	"encoding/json"
	"errors"
	"testing"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
)

type sink struct {
	broadcasts [][]byte
	sent       map[string][][]byte
}

func (s *sink) Broadcast(b []byte) { s.broadcasts = append(s.broadcasts, b) }
func (s *sink) Send(id string, b []byte) bool {
	if s.sent == nil {
		s.sent = map[string][][]byte{}
	}
	s.sent[id] = append(s.sent[id], b)
	return true
}

func testCatalog(t *testing.T) *catalogs.Catalog {
	t.Helper()
	cat, err := catalogs.New([]string{"RIFLE", "ARTILLERY"}, []catalogs.TypeDef{
		{ID: "rifle_m1", Category: "RIFLE"},
		{ID: "rifle_m2", Category: "RIFLE"},
		{ID: "gun_75", Category: "ARTILLERY"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func newSync(t *testing.T, out *sink) *Sync {
	return New(Config{
		Catalog: testCatalog(t),
		OwnerExists: func(kind, id string) bool {
			return (kind == protocol.OwnerFaction && (id == "F1" || id == "F2")) || (kind == protocol.OwnerUnit && id == "U1")
		},
		Out: out,
	})
}

func decode(t *testing.T, b []byte) protocol.StockpileMsg {
	t.Helper()
	var m protocol.StockpileMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestSetCount_Validation(t *testing.T) {
	s := newSync(t, &sink{})
	f1 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}

	if err := s.SetCount(f1, "RIFLE", "rifle_m1", -1); !errors.Is(err, ErrBadCount) {
		t.Fatalf("negative: err=%v", err)
	}
	if err := s.SetCount(f1, "RIFLE", "nope", 1); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: err=%v", err)
	}
	if err := s.SetCount(f1, "ARTILLERY", "rifle_m1", 1); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("category mismatch: err=%v", err)
	}
	if err := s.SetCount(Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F9"}, "RIFLE", "rifle_m1", 1); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("unknown owner: err=%v", err)
	}
}

func TestTick_DeltaCarriesAbsoluteCounts(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)
	f1 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}

	if err := s.SetCount(f1, "RIFLE", "rifle_m1", 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := s.Add(f1, "RIFLE", "rifle_m1", -3); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(out.broadcasts) != 2 {
		t.Fatalf("broadcasts=%d want 2", len(out.broadcasts))
	}
	m := decode(t, out.broadcasts[1])
	if m.Kind != protocol.KindDelta || len(m.Entries) != 1 || m.Entries[0].Count != 7 {
		t.Fatalf("unexpected delta: %+v", m)
	}
}

func TestTick_OneMessagePerTargetSorted(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)
	f2 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F2"}
	f1 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}
	u1 := Target{OwnerKind: protocol.OwnerUnit, OwnerID: "U1"}

	_ = s.SetCount(u1, "RIFLE", "rifle_m1", 1)
	_ = s.SetCount(f2, "ARTILLERY", "gun_75", 2)
	_ = s.SetCount(f1, "RIFLE", "rifle_m2", 3)
	_ = s.SetCount(f1, "ARTILLERY", "gun_75", 4)

	n, err := s.Tick()
	if err != nil || n != 3 {
		t.Fatalf("tick n=%d err=%v", n, err)
	}
	want := []Target{f1, f2, u1}
	for i, b := range out.broadcasts {
		m := decode(t, b)
		if m.Target != want[i] {
			t.Fatalf("msg %d target=%v want %v", i, m.Target, want[i])
		}
	}
	first := decode(t, out.broadcasts[0])
	if len(first.Entries) != 2 || first.Entries[0].Category != "ARTILLERY" {
		t.Fatalf("entries not sorted: %+v", first.Entries)
	}
	if n, _ := s.Tick(); n != 0 {
		t.Fatalf("second tick sent %d", n)
	}
}

func TestTotalForCategory_SumsTypes(t *testing.T) {
	s := newSync(t, &sink{})
	f1 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}
	_ = s.SetCount(f1, "RIFLE", "rifle_m1", 4)
	_ = s.SetCount(f1, "RIFLE", "rifle_m2", 6)
	_ = s.SetCount(f1, "ARTILLERY", "gun_75", 1)

	if got := s.TotalForCategory(f1, "RIFLE"); got != 10 {
		t.Fatalf("rifle total=%d want 10", got)
	}
	if got := s.Count(f1, "rifle_m2"); got != 6 {
		t.Fatalf("rifle_m2=%d want 6", got)
	}
}

func TestSendSnapshot_ScopedToTarget(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)
	f1 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}
	f2 := Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F2"}
	_ = s.SetCount(f1, "RIFLE", "rifle_m1", 4)
	_ = s.SetCount(f2, "RIFLE", "rifle_m1", 9)

	if err := s.SendSnapshot("c1", f2); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	msgs := out.sent["c1"]
	if len(msgs) != 1 {
		t.Fatalf("sent=%d want 1", len(msgs))
	}
	m := decode(t, msgs[0])
	if m.Kind != protocol.KindSnapshot || m.Target != f2 || len(m.Entries) != 1 || m.Entries[0].Count != 9 {
		t.Fatalf("unexpected snapshot: %+v", m)
	}
	if len(out.broadcasts) != 0 {
		t.Fatalf("snapshot must not broadcast")
	}
}

func TestDropOwner_ClearsPending(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)
	u1 := Target{OwnerKind: protocol.OwnerUnit, OwnerID: "U1"}
	_ = s.SetCount(u1, "RIFLE", "rifle_m1", 2)
	s.DropOwner(u1)
	if n, _ := s.Tick(); n != 0 {
		t.Fatalf("dropped owner still flushed")
	}
	if len(s.Entries(u1)) != 0 {
		t.Fatalf("entries survived drop")
	}
}
