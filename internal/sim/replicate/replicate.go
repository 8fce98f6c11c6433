// Package replicate turns store change events into batched network messages.
//
// A Replicator owns the dirty set for one entity channel. MarkDirty coalesces
// partial records field by field; Tick flushes the set as a single update
// broadcast. Joining clients get a dedicated full snapshot, sent immediately
// and ahead of any later tick on their ordered outbound queue.
package replicate

import (
	"encoding/json"
	"sort"
	"sync/atomic"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/entities"
)

// Patch is a partial record with field-wise last-write-wins merge.
type Patch[P any] interface {
	Merge(next P) P
}

// Broadcaster is the outbound side of the transport. Send reports whether the
// message was queued for the client.
type Broadcaster interface {
	Broadcast(msg []byte)
	Send(clientID string, msg []byte) bool
}

// Sequencer hands out the message sequence numbers clients use as idempotency
// keys. One sequencer is shared by every channel of a server.
type Sequencer struct{ n atomic.Uint64 }

func (s *Sequencer) Next() uint64    { return s.n.Add(1) }
func (s *Sequencer) Current() uint64 { return s.n.Load() }

type Stats struct {
	Messages  uint64
	Bytes     uint64
	Entries   uint64
	Coalesced uint64
	Snapshots uint64
}

type Config[R any] struct {
	Channel string
	// Records returns the current committed record set.
	Records func() []R
	Out     Broadcaster
	Seq     *Sequencer
	// Clock returns the current sim tick, stamped on every message.
	Clock func() uint64
}

type Replicator[R any, P Patch[P]] struct {
	cfg     Config[R]
	pending map[string]P
	stats   Stats
}

func New[R any, P Patch[P]](cfg Config[R]) *Replicator[R, P] {
	if cfg.Seq == nil {
		cfg.Seq = &Sequencer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return 0 }
	}
	return &Replicator[R, P]{cfg: cfg, pending: map[string]P{}}
}

func (r *Replicator[R, P]) Channel() string { return r.cfg.Channel }

// MarkDirty merges p into the pending delta for id.
func (r *Replicator[R, P]) MarkDirty(id string, p P) {
	if cur, ok := r.pending[id]; ok {
		r.pending[id] = cur.Merge(p)
		r.stats.Coalesced++
		return
	}
	r.pending[id] = p
}

// Forget drops any pending delta for id.
func (r *Replicator[R, P]) Forget(id string) {
	delete(r.pending, id)
}

func (r *Replicator[R, P]) Pending() int { return len(r.pending) }

// Tick broadcasts the pending set as one update message and clears it. An
// empty set sends nothing.
func (r *Replicator[R, P]) Tick() (sent bool, err error) {
	if len(r.pending) == 0 {
		return false, nil
	}
	msg := protocol.EntityUpdateMsg[P]{
		Type:            protocol.TypeEntityDelta,
		ProtocolVersion: protocol.Version,
		Channel:         r.cfg.Channel,
		Seq:             r.cfg.Seq.Next(),
		Tick:            r.cfg.Clock(),
		Changes:         r.pending,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		// Keep the pending set; the next tick retries the flush.
		return false, err
	}
	if r.cfg.Out != nil {
		r.cfg.Out.Broadcast(b)
	}
	r.stats.Messages++
	r.stats.Bytes += uint64(len(b))
	r.stats.Entries += uint64(len(r.pending))
	r.pending = map[string]P{}
	return true, nil
}

// OnClientJoin sends the full record set to one client.
func (r *Replicator[R, P]) OnClientJoin(clientID string) error {
	b, err := r.SnapshotMessage()
	if err != nil {
		return err
	}
	if r.cfg.Out != nil && r.cfg.Out.Send(clientID, b) {
		r.stats.Snapshots++
		r.stats.Bytes += uint64(len(b))
	}
	return nil
}

// SnapshotMessage encodes the full record set without sending it.
func (r *Replicator[R, P]) SnapshotMessage() ([]byte, error) {
	var recs []R
	if r.cfg.Records != nil {
		recs = r.cfg.Records()
	}
	if recs == nil {
		recs = []R{}
	}
	return json.Marshal(protocol.EntityFullMsg[R]{
		Type:            protocol.TypeEntityFull,
		ProtocolVersion: protocol.Version,
		Channel:         r.cfg.Channel,
		Seq:             r.cfg.Seq.Next(),
		Tick:            r.cfg.Clock(),
		Records:         recs,
	})
}

func (r *Replicator[R, P]) Stats() Stats { return r.stats }

// Attach subscribes the replicator to a store's change topic.
func Attach[R any, P Patch[P]](b *bus.Bus, topic bus.Topic[entities.Change[P]], r *Replicator[R, P]) (unsubscribe func()) {
	return bus.Subscribe(b, topic, func(c entities.Change[P]) {
		r.MarkDirty(c.ID, c.Patch)
	})
}

// PendingIDs lists dirty ids in order; used by diagnostics and tests.
func (r *Replicator[R, P]) PendingIDs() []string {
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
