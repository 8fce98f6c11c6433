package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"strategia.ai/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v through encoding/json so the validator sees the wire
// shape, including omitempty.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	v := protocol.Version
	samples := []struct {
		schema string
		msg    any
	}{
		{"hello.schema.json", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: v, ClientName: "obs",
			Capabilities: protocol.HelloCapabilities{Zstd: true, MaxQueue: 128}}},
		{"welcome.schema.json", protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: v, ClientID: "C000001",
			Tick: 12, SimRateHz: 10, FlushRateHz: 4, Channels: protocol.Channels}},
		{"watch.schema.json", protocol.WatchMsg{Type: protocol.TypeWatch, ProtocolVersion: v,
			Target: protocol.Target{OwnerKind: protocol.OwnerUnit, OwnerID: "U1"}}},
		{"entity_full.schema.json", protocol.EntityFullMsg[protocol.CellRecord]{Type: protocol.TypeEntityFull, ProtocolVersion: v,
			Channel: protocol.ChannelCells, Seq: 3, Tick: 12, Records: []protocol.CellRecord{
				{ID: "c1", Terrain: "plain", Owner: "F1", Neighbors: []string{"c2"}},
				{ID: "c2", X: 1, Terrain: "hill"},
			}}},
		{"entity_full.schema.json", protocol.EntityFullMsg[protocol.UnitRecord]{Type: protocol.TypeEntityFull, ProtocolVersion: v,
			Channel: protocol.ChannelUnits, Seq: 4, Records: []protocol.UnitRecord{
				{ID: "U1", Name: "1st", Owner: "F1", Location: "c1", Strength: 100, Morale: 80},
			}}},
		{"entity_update.schema.json", protocol.EntityUpdateMsg[protocol.UnitPatch]{Type: protocol.TypeEntityDelta, ProtocolVersion: v,
			Channel: protocol.ChannelUnits, Seq: 5, Tick: 13, Changes: map[string]protocol.UnitPatch{
				"U1": {Location: protocol.Str("c2"), Morale: protocol.Int(75)},
			}}},
		{"entity_update.schema.json", protocol.EntityUpdateMsg[protocol.CellPatch]{Type: protocol.TypeEntityDelta, ProtocolVersion: v,
			Channel: protocol.ChannelCells, Seq: 6, Tick: 13, Changes: map[string]protocol.CellPatch{
				"c2": {Owner: protocol.Str("")},
			}}},
		{"units_spawned.schema.json", protocol.UnitsSpawnedMsg{Type: protocol.TypeUnitsNew, ProtocolVersion: v, Seq: 7, Tick: 13,
			Records: []protocol.UnitRecord{{ID: "U2", Name: "2nd", Owner: "F1", Location: "c1", Strength: 50, Morale: 50}}}},
		{"units_removed.schema.json", protocol.UnitsRemovedMsg{Type: protocol.TypeUnitsGone, ProtocolVersion: v, Seq: 8, Tick: 14, IDs: []string{"U1"}}},
		{"type_defs.schema.json", protocol.TypeDefsMsg{Type: protocol.TypeTypeDefs, ProtocolVersion: v, Seq: 1,
			Types: []protocol.TypeDef{{ID: "rifle_m1", Category: "RIFLE", Name: "M1 rifle"}}}},
		{"stockpile.schema.json", protocol.StockpileMsg{Type: protocol.TypeStockpile, ProtocolVersion: v, Kind: protocol.KindDelta, Seq: 9,
			Target:  protocol.Target{OwnerKind: protocol.OwnerFaction, OwnerID: "F1"},
			Entries: []protocol.StockpileEntry{{Category: "RIFLE", TypeID: "rifle_m1", Count: 0}}}},
		{"reservation.schema.json", protocol.ReservationMsg{Type: protocol.TypeReservation, ProtocolVersion: v, Kind: protocol.KindProgress, Seq: 10,
			OwnerID: "F1", UnitID: "U1", ReservationID: "R000001",
			Requirements:       []protocol.Requirement{{Archetype: "RIFLE", Needed: 10, Delivered: 4}},
			DeliveredBreakdown: []protocol.DeliveredType{{TypeID: "rifle_m1", Count: 4}}}},
		{"reservation.schema.json", protocol.ReservationMsg{Type: protocol.TypeReservation, ProtocolVersion: v, Kind: protocol.KindSnapshot, Seq: 11,
			OwnerID: "F1", Reservations: []protocol.ReservationWire{
				{ReservationID: "R000001", UnitID: "U1", Requirements: []protocol.Requirement{{Archetype: "RIFLE", Needed: 10}}, Done: true},
			}}},
		{"error.schema.json", protocol.NewError(protocol.ErrUnknownTarget, "unknown target UNIT:U9")},
	}
	schemas := map[string]*jsonschema.Schema{}
	for i, s := range samples {
		sch, ok := schemas[s.schema]
		if !ok {
			sch = compileSchema(t, s.schema)
			schemas[s.schema] = sch
		}
		if err := sch.Validate(asJSON(t, s.msg)); err != nil {
			t.Fatalf("sample %d (%s): %v", i, s.schema, err)
		}
	}
}

func TestSchemas_RejectBadMessages(t *testing.T) {
	bad := []struct {
		schema string
		raw    string
	}{
		// Cell patches cannot carry unit fields.
		{"entity_update.schema.json", `{"type":"ENTITY_UPDATE","protocol_version":"1.0","channel":"cells","seq":2,"tick":1,"changes":{"c1":{"morale":3}}}`},
		{"stockpile.schema.json", `{"type":"STOCKPILE","protocol_version":"1.0","kind":"delta","seq":2,"target":{"owner_kind":"FACTION","owner_id":"F1"},"entries":[{"category":"RIFLE","type_id":"r","count":-1}]}`},
		{"reservation.schema.json", `{"type":"RESERVATION","protocol_version":"1.0","kind":"done","seq":2,"owner_id":"F1"}`},
		{"watch.schema.json", `{"type":"WATCH","protocol_version":"1.0","target":{"owner_kind":"CELL","owner_id":"c1"}}`},
	}
	for i, b := range bad {
		var v any
		if err := json.Unmarshal([]byte(b.raw), &v); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if err := compileSchema(t, b.schema).Validate(v); err == nil {
			t.Fatalf("case %d (%s) validated", i, b.schema)
		}
	}
}
