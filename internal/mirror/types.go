package mirror

import (
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

// Types resolves the opaque equipment type ids used by stockpile and
// reservation payloads. Definitions only accumulate.
type Types struct {
	set     *Set
	byID    map[string]protocol.TypeDef
	lastSeq uint64
}

func newTypes(set *Set) *Types {
	return &Types{set: set, byID: map[string]protocol.TypeDef{}}
}

func (t *Types) Resolve(id string) (protocol.TypeDef, bool) {
	d, ok := t.byID[id]
	return d, ok
}

func (t *Types) Len() int { return len(t.byID) }

func (t *Types) All() []protocol.TypeDef {
	out := make([]protocol.TypeDef, 0, len(t.byID))
	for _, d := range t.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Types) Apply(msg protocol.TypeDefsMsg) error {
	if msg.Seq != 0 && msg.Seq <= t.lastSeq {
		return nil
	}
	for _, d := range msg.Types {
		if d.ID == "" || d.Category == "" {
			return fmt.Errorf("type def %+v: %w", d, ErrMalformed)
		}
		if prev, ok := t.byID[d.ID]; ok && prev.Category != d.Category {
			return fmt.Errorf("type %s changed category %s -> %s: %w", d.ID, prev.Category, d.Category, ErrMalformed)
		}
	}
	ids := make([]string, 0, len(msg.Types))
	for _, d := range msg.Types {
		t.byID[d.ID] = d
		ids = append(ids, d.ID)
	}
	t.lastSeq = msg.Seq
	if t.set != nil {
		bus.Publish(t.set.bus, ChangedTopic, Changed{Kind: KindTypes, Seq: msg.Seq, IDs: ids})
	}
	return nil
}
