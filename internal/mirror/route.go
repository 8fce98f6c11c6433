package mirror

import (
	"encoding/json"
	"fmt"
	"strconv"

	"strategia.ai/internal/protocol"
)

// Retry scopes. Entity channels share one scope so spawn, update and
// removal keep their relative order.
const (
	ScopeEntities     = "entities"
	ScopeTypes        = "types"
	ScopeStockpile    = "stockpile"
	ScopeReservations = "reservations"
)

// Job is one decoded server message bound to the mirror that applies it.
// Apply may be called again after a transient failure.
type Job struct {
	Type  string
	Scope string
	Key   string
	Apply func() error
}

// Route decodes a server frame and binds it to the right mirror. Control
// messages (WELCOME, ERROR) return a Job with a nil Apply.
func (s *Set) Route(data []byte) (Job, error) {
	base, err := protocol.DecodeBase(data)
	if err != nil {
		return Job{}, fmt.Errorf("decode: %w", err)
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		return Job{}, fmt.Errorf("protocol version %q: %w", base.ProtocolVersion, ErrMalformed)
	}
	job := Job{Type: base.Type}

	switch base.Type {
	case protocol.TypeEntityFull:
		var head struct {
			Channel string `json:"channel"`
			Seq     uint64 `json:"seq"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeEntities, seqKey(head.Seq)
		switch head.Channel {
		case protocol.ChannelCells:
			var m protocol.EntityFullMsg[protocol.CellRecord]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Cells.ApplySnapshot(m.Seq, m.Records) }
		case protocol.ChannelFactions:
			var m protocol.EntityFullMsg[protocol.FactionRecord]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Factions.ApplySnapshot(m.Seq, m.Records) }
		case protocol.ChannelUnits:
			var m protocol.EntityFullMsg[protocol.UnitRecord]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Units.ApplySnapshot(m.Seq, m.Records) }
		default:
			return Job{}, fmt.Errorf("channel %q: %w", head.Channel, ErrMalformed)
		}

	case protocol.TypeEntityDelta:
		var head struct {
			Channel string `json:"channel"`
			Seq     uint64 `json:"seq"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeEntities, seqKey(head.Seq)
		switch head.Channel {
		case protocol.ChannelCells:
			var m protocol.EntityUpdateMsg[protocol.CellPatch]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Cells.ApplyDelta(m.Seq, m.Changes) }
		case protocol.ChannelFactions:
			var m protocol.EntityUpdateMsg[protocol.FactionPatch]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Factions.ApplyDelta(m.Seq, m.Changes) }
		case protocol.ChannelUnits:
			var m protocol.EntityUpdateMsg[protocol.UnitPatch]
			if err := json.Unmarshal(data, &m); err != nil {
				return Job{}, err
			}
			job.Apply = func() error { return s.Units.ApplyDelta(m.Seq, m.Changes) }
		default:
			return Job{}, fmt.Errorf("channel %q: %w", head.Channel, ErrMalformed)
		}

	case protocol.TypeUnitsNew:
		var m protocol.UnitsSpawnedMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeEntities, seqKey(m.Seq)
		job.Apply = func() error { return s.Units.ApplySpawned(m.Seq, m.Records) }

	case protocol.TypeUnitsGone:
		var m protocol.UnitsRemovedMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeEntities, seqKey(m.Seq)
		job.Apply = func() error { return s.Units.ApplyRemoved(m.Seq, m.IDs) }

	case protocol.TypeTypeDefs:
		var m protocol.TypeDefsMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeTypes, seqKey(m.Seq)
		job.Apply = func() error { return s.Types.Apply(m) }

	case protocol.TypeStockpile:
		var m protocol.StockpileMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeStockpile, seqKey(m.Seq)
		job.Apply = func() error { return s.Stockpile.Apply(m) }

	case protocol.TypeReservation:
		var m protocol.ReservationMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Job{}, err
		}
		job.Scope, job.Key = ScopeReservations, seqKey(m.Seq)
		job.Apply = func() error { return s.Reservations.Apply(m) }

	case protocol.TypeWelcome, protocol.TypeError:
	default:
		return Job{}, fmt.Errorf("message type %q: %w", base.Type, ErrMalformed)
	}
	return job, nil
}

func seqKey(seq uint64) string { return strconv.FormatUint(seq, 10) }
