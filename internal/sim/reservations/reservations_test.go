package reservations

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

func newSync(t *testing.T, out *sink) *Sync {
	t.Helper()
	cat, err := catalogs.New([]string{"A", "B"}, []catalogs.TypeDef{{ID: "a1", Category: "A"}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return New(Config{
		Catalog: cat,
		OwnerExists: func(kind, id string) bool {
			return (kind == protocol.OwnerFaction && id == "F1") || (kind == protocol.OwnerUnit && id == "U1")
		},
		Out: out,
	})
}

func lastMsg(t *testing.T, out *sink) protocol.ReservationMsg {
	t.Helper()
	if len(out.broadcasts) == 0 {
		t.Fatalf("nothing broadcast")
	}
	var m protocol.ReservationMsg
	if err := json.Unmarshal(out.broadcasts[len(out.broadcasts)-1], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestLifecycle_CompleteDoneCancel(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)

	id, err := s.Create("F1", "", []Requirement{{Archetype: "A", Needed: 10}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, _ := s.Get(id)
	if r.Complete() {
		t.Fatalf("fresh reservation complete")
	}
	if m := lastMsg(t, out); m.Kind != protocol.KindCreate || m.OwnerID != "F1" || m.ReservationID != id {
		t.Fatalf("create msg: %+v", m)
	}

	err = s.Progress(id, []Requirement{{Archetype: "A", Needed: 10, Delivered: 10}}, []protocol.DeliveredType{{TypeID: "a1", Count: 10}})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !r.Complete() {
		t.Fatalf("delivered reservation not complete")
	}
	if m := lastMsg(t, out); len(m.DeliveredBreakdown) != 1 || m.DeliveredBreakdown[0].Count != 10 {
		t.Fatalf("progress msg: %+v", m)
	}

	if err := s.Done(id); err != nil {
		t.Fatalf("done: %v", err)
	}
	n := len(out.broadcasts)
	if err := s.Done(id); err != nil {
		t.Fatalf("done again: %v", err)
	}
	if len(out.broadcasts) != n {
		t.Fatalf("repeated done broadcast")
	}
	if !r.Complete() {
		t.Fatalf("done reservation not complete")
	}
	if err := s.Progress(id, []Requirement{{Archetype: "A", Needed: 10}}, nil); !errors.Is(err, ErrTerminal) {
		t.Fatalf("progress after done err=%v", err)
	}

	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(s.ForOwner("F1")) != 0 {
		t.Fatalf("canceled reservation still visible")
	}
	if m := lastMsg(t, out); m.Kind != protocol.KindCancel {
		t.Fatalf("cancel msg: %+v", m)
	}
}

func TestDone_IndependentOfCounts(t *testing.T) {
	s := newSync(t, &sink{})
	id, _ := s.Create("F1", "U1", []Requirement{{Archetype: "A", Needed: 5, Delivered: 1}})
	_ = s.Done(id)
	r, _ := s.Get(id)
	if !r.Complete() {
		t.Fatalf("done reservation with shortfall should be complete")
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newSync(t, &sink{})
	if _, err := s.Create("F9", "", []Requirement{{Archetype: "A", Needed: 1}}); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("unknown faction err=%v", err)
	}
	if _, err := s.Create("F1", "U9", []Requirement{{Archetype: "A", Needed: 1}}); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("unknown unit err=%v", err)
	}
	if _, err := s.Create("F1", "", []Requirement{{Archetype: "Z", Needed: 1}}); !errors.Is(err, ErrBadRequirement) {
		t.Fatalf("unknown archetype err=%v", err)
	}
	if _, err := s.Create("F1", "", nil); !errors.Is(err, ErrBadRequirement) {
		t.Fatalf("empty requirements err=%v", err)
	}
}

func TestSendSnapshot_OwnerScoped(t *testing.T) {
	out := &sink{}
	s := newSync(t, out)
	a, _ := s.Create("F1", "", []Requirement{{Archetype: "A", Needed: 1}})
	b, _ := s.Create("F1", "U1", []Requirement{{Archetype: "B", Needed: 2}})
	_ = s.Done(b)

	watched := protocol.Target{OwnerKind: protocol.OwnerUnit, OwnerID: "U1"}
	if err := s.SendSnapshot("c1", "F1", watched); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var m protocol.ReservationMsg
	if err := json.Unmarshal(out.sent["c1"][0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Kind != protocol.KindSnapshot || len(m.Reservations) != 2 {
		t.Fatalf("snapshot: %+v", m)
	}
	if m.Target == nil || *m.Target != watched || m.OwnerID != "F1" {
		t.Fatalf("target=%v owner=%s want %v F1", m.Target, m.OwnerID, watched)
	}
	if m.Reservations[0].ReservationID != a || m.Reservations[1].ReservationID != b || !m.Reservations[1].Done {
		t.Fatalf("snapshot order/done: %+v", m.Reservations)
	}

	raw, err := s.SnapshotFor("F1")
	if err != nil {
		t.Fatalf("snapshot for: %v", err)
	}
	var plain protocol.ReservationMsg
	if err := json.Unmarshal(raw, &plain); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if plain.Target != nil || len(plain.Reservations) != 2 {
		t.Fatalf("untargeted snapshot: %+v", plain)
	}
}

func TestCancelForUnit(t *testing.T) {
	s := newSync(t, &sink{})
	_, _ = s.Create("F1", "U1", []Requirement{{Archetype: "A", Needed: 1}})
	keep, _ := s.Create("F1", "", []Requirement{{Archetype: "A", Needed: 1}})
	n, err := s.CancelForUnit("U1")
	if err != nil || n != 1 {
		t.Fatalf("cancel for unit n=%d err=%v", n, err)
	}
	if rs := s.ForOwner("F1"); len(rs) != 1 || rs[0].ID != keep {
		t.Fatalf("remaining=%v", rs)
	}
}
