package world

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"strategia.ai/internal/protocol"
)

// tape records frames and applies them to the loopback mirrors.
type tape struct {
	*loopback
	frames [][]byte
}

func (t *tape) Broadcast(msg []byte) {
	t.frames = append(t.frames, msg)
	t.loopback.Broadcast(msg)
}

func (t *tape) Send(id string, msg []byte) bool {
	t.frames = append(t.frames, msg)
	return t.loopback.Send(id, msg)
}

func TestFrames_MatchSchemas(t *testing.T) {
	w, lb := newTestWorld(t)
	tp := &tape{loopback: lb}
	w.netOut = tp
	w.out.next = tp

	s := join(t, w, lb, "c")
	tgt := protocol.Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"}
	s.Watch(tgt, "F1")
	w.WatchOnce("c", tgt)
	w.WatchOnce("c", protocol.Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F404"})

	var res string
	err := w.StepOnce(func(env *Env) error {
		if err := env.Stores.Units.MoveTo("U1", "c2"); err != nil {
			return err
		}
		if _, err := env.Stores.Units.Spawn("2nd", "F1", "c1", 10, 10); err != nil {
			return err
		}
		if err := env.Stores.Cells.SetOwner("c2", "F1"); err != nil {
			return err
		}
		if err := env.Stockpile.Add(tgt, "RIFLE", "rifle_m1", 5); err != nil {
			return err
		}
		id, err := env.Reservations.Create("F1", "U1", []protocol.Requirement{{Archetype: "RIFLE", Needed: 5}})
		res = id
		return err
	})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	w.FlushOnce()
	err = w.StepOnce(func(env *Env) error {
		reqs := []protocol.Requirement{{Archetype: "RIFLE", Needed: 5, Delivered: 5}}
		if err := env.Reservations.Progress(res, reqs, []protocol.DeliveredType{{TypeID: "rifle_m1", Count: 5}}); err != nil {
			return err
		}
		if err := env.Reservations.Done(res); err != nil {
			return err
		}
		return env.Stores.Units.Remove("U1")
	})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	w.FlushOnce()

	schemas := map[string]*jsonschema.Schema{}
	seen := map[string]bool{}
	for i, f := range tp.frames {
		base, err := protocol.DecodeBase(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		name := schemaFor(base.Type)
		sch, ok := schemas[name]
		if !ok {
			sch, err = jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", name))
			if err != nil {
				t.Fatalf("compile %s: %v", name, err)
			}
			schemas[name] = sch
		}
		var v any
		if err := json.Unmarshal(f, &v); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if err := sch.Validate(v); err != nil {
			t.Fatalf("frame %d %s: %v\n%s", i, base.Type, err, f)
		}
		seen[base.Type] = true
	}
	for _, typ := range []string{
		protocol.TypeWelcome, protocol.TypeTypeDefs, protocol.TypeEntityFull, protocol.TypeEntityDelta,
		protocol.TypeUnitsNew, protocol.TypeUnitsGone, protocol.TypeStockpile, protocol.TypeReservation, protocol.TypeError,
	} {
		if !seen[typ] {
			t.Fatalf("no %s frame emitted", typ)
		}
	}
}

func schemaFor(typ string) string {
	switch typ {
	case protocol.TypeEntityDelta:
		return "entity_update.schema.json"
	case protocol.TypeUnitsNew:
		return "units_spawned.schema.json"
	case protocol.TypeUnitsGone:
		return "units_removed.schema.json"
	}
	return strings.ToLower(typ) + ".schema.json"
}
