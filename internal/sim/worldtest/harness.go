package worldtest

import (
	"io"
	"log"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"strategia.ai/internal/mirror"
	"strategia.ai/internal/mirror/retry"
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/reservations"
	"strategia.ai/internal/sim/world"
	"strategia.ai/internal/sim/worlddef"
)

// Harness is a black-box test helper for driving a world through its
// exported APIs with any number of in-process clients:
// - Join() admits a client and gives it its own mirror.Set
// - Step()/Flush() advance the world; frames land in client mirrors at once
// - Check() compares every client mirror with authoritative state
//
// Clients apply frames through a retry.Queue on a virtual clock, the way a
// networked client session does.
type Harness struct {
	T *testing.T
	W *world.World

	clients map[string]*Client
	pending map[string]*Client
}

type Client struct {
	ID     string
	Set    *mirror.Set
	Frames int
	Target protocol.Target

	queue *retry.Queue
	clock time.Time
}

// ConfigDir locates configs/ from a package directory under internal/.
func ConfigDir() string { return filepath.Join("..", "..", "..", "configs") }

// New builds a world from configs/world.yaml and configs/catalog.yaml.
func New(t *testing.T) *Harness {
	t.Helper()
	def, err := worlddef.Load(filepath.Join(ConfigDir(), "world.yaml"))
	if err != nil {
		t.Fatalf("world def: %v", err)
	}
	cat, err := catalogs.Load(filepath.Join(ConfigDir(), "catalog.yaml"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewWith(t, def, cat)
}

func NewWith(t *testing.T, def worlddef.Definition, cat *catalogs.Catalog) *Harness {
	t.Helper()
	h := &Harness{
		T:       t,
		clients: map[string]*Client{},
		pending: map[string]*Client{},
	}
	w, err := world.New(world.Config{ID: "worldtest", SimRateHz: 10, FlushRateHz: 5}, def, cat, h, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	h.W = w
	return h
}

func (h *Harness) Activate(id string) bool {
	c, ok := h.pending[id]
	if !ok {
		return false
	}
	delete(h.pending, id)
	h.clients[id] = c
	return true
}

func (h *Harness) Clients() int { return len(h.clients) }

func (h *Harness) Broadcast(msg []byte) {
	for _, id := range h.ids() {
		h.deliver(h.clients[id], msg)
	}
}

func (h *Harness) Send(id string, msg []byte) bool {
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	h.deliver(c, msg)
	return true
}

func (h *Harness) ids() []string {
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Harness) deliver(c *Client, msg []byte) {
	h.T.Helper()
	c.Frames++
	job, err := c.Set.Route(msg)
	if err != nil {
		h.T.Fatalf("client %s route: %v", c.ID, err)
	}
	if job.Type == protocol.TypeError {
		h.T.Fatalf("client %s got ERROR: %s", c.ID, msg)
	}
	if job.Apply == nil {
		return
	}
	if err := c.queue.Submit(job.Scope, job.Key, job.Apply); err != nil {
		h.T.Fatalf("client %s apply %s seq=%s: %v", c.ID, job.Type, job.Key, err)
	}
}

// Join admits a client and returns it with its snapshots applied.
func (h *Harness) Join(id string) *Client {
	h.T.Helper()
	c := &Client{ID: id, Set: mirror.NewSet(nil), queue: retry.New(time.Millisecond), clock: time.Unix(0, 0)}
	c.queue.SetClock(func() time.Time { return c.clock })
	h.pending[id] = c
	if _, err := h.W.JoinOnce(id, id); err != nil {
		h.T.Fatalf("join %s: %v", id, err)
	}
	if !c.Set.Ready() {
		h.T.Fatalf("client %s not ready after join", id)
	}
	return c
}

func (h *Harness) Leave(id string) {
	delete(h.clients, id)
	h.W.Leave() <- id
}

// Watch scopes the client's stockpile and reservation mirrors, then asks
// the world for the snapshots.
func (h *Harness) Watch(c *Client, t protocol.Target) {
	h.T.Helper()
	owner := t.OwnerID
	if t.OwnerKind == protocol.OwnerUnit {
		u, ok := c.Set.Units.Get(t.OwnerID)
		if !ok {
			h.T.Fatalf("watch %s: unit not in %s mirror", t, c.ID)
		}
		owner = u.Owner
	}
	c.queue.Drop(mirror.ScopeStockpile)
	c.queue.Drop(mirror.ScopeReservations)
	c.Set.Watch(t, owner)
	c.Target = t
	h.W.WatchOnce(c.ID, t)
}

func (h *Harness) Step(fns ...func(env *world.Env) error) {
	h.T.Helper()
	if err := h.W.StepOnce(fns...); err != nil {
		h.T.Fatalf("tick %d: %v", h.W.CurrentTick(), err)
	}
	h.retry()
}

func (h *Harness) Flush() world.FlushEntry {
	h.T.Helper()
	e := h.W.FlushOnce()
	h.retry()
	return e
}

// retry advances every client clock past the retry delay.
func (h *Harness) retry() {
	h.T.Helper()
	for _, id := range h.ids() {
		c := h.clients[id]
		c.clock = c.clock.Add(c.queue.Delay())
		for _, f := range c.queue.RunDue(c.clock) {
			h.T.Fatalf("client %s retry %s/%s: %v", id, f.Scope, f.Key, f.Err)
		}
	}
}

// State is the authoritative view a client mirror must match after a flush.
type State struct {
	Factions     []protocol.FactionRecord
	Cells        []protocol.CellRecord
	Units        []protocol.UnitRecord
	Stockpiles   map[protocol.Target][]protocol.StockpileEntry
	Reservations map[string][]mirror.Reservation
}

// Read captures authoritative state. It runs as the first command of a new
// tick, before the driver mutates anything.
func (h *Harness) Read() State {
	h.T.Helper()
	s := State{
		Stockpiles:   map[protocol.Target][]protocol.StockpileEntry{},
		Reservations: map[string][]mirror.Reservation{},
	}
	h.Step(func(env *world.Env) error {
		s.Factions = env.Stores.Factions.Records()
		s.Cells = env.Stores.Cells.Records()
		s.Units = env.Stores.Units.Records()
		for _, c := range h.clients {
			if !c.Target.Valid() {
				continue
			}
			s.Stockpiles[c.Target] = env.Stockpile.Entries(c.Target)
			owner := c.Set.Reservations.Owner()
			if _, ok := s.Reservations[owner]; ok {
				continue
			}
			rs := []mirror.Reservation{}
			for _, r := range env.Reservations.ForOwner(owner) {
				rs = append(rs, mirror.Reservation{
					ID:           r.ID,
					OwnerID:      r.OwnerID,
					UnitID:       r.UnitID,
					Requirements: append([]protocol.Requirement(nil), r.Requirements...),
					Done:         r.State == reservations.Done,
				})
			}
			s.Reservations[owner] = rs
		}
		return nil
	})
	return s
}

// Check compares every connected client's mirror with s.
func (h *Harness) Check(s State, label string) {
	h.T.Helper()
	for _, id := range h.ids() {
		c := h.clients[id]
		if halted := c.Set.Halted(); len(halted) != 0 {
			h.T.Fatalf("%s: client %s halted: %v", label, id, halted)
		}
		if got := c.Set.Factions.All(); !reflect.DeepEqual(got, s.Factions) {
			h.T.Fatalf("%s: client %s factions:\n got %+v\nwant %+v", label, id, got, s.Factions)
		}
		if got := c.Set.Cells.All(); !reflect.DeepEqual(got, s.Cells) {
			h.T.Fatalf("%s: client %s cells:\n got %+v\nwant %+v", label, id, got, s.Cells)
		}
		if got := c.Set.Units.All(); !reflect.DeepEqual(got, s.Units) {
			h.T.Fatalf("%s: client %s units:\n got %+v\nwant %+v", label, id, got, s.Units)
		}
		if !c.Target.Valid() {
			continue
		}
		if want, ok := s.Stockpiles[c.Target]; ok {
			for _, e := range want {
				if got := c.Set.Stockpile.CountForType(e.TypeID); got != e.Count {
					h.T.Fatalf("%s: client %s stockpile %s %s=%d want %d", label, id, c.Target, e.TypeID, got, e.Count)
				}
			}
		}
		want := s.Reservations[c.Set.Reservations.Owner()]
		got := c.Set.Reservations.All()
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			h.T.Fatalf("%s: client %s reservations:\n got %+v\nwant %+v", label, id, got, want)
		}
	}
}
