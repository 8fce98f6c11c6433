// Package world runs the authoritative simulation loop: it owns the entity
// stores and every replicator, and is the only goroutine that mutates them.
package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/entities"
	"strategia.ai/internal/sim/replicate"
	"strategia.ai/internal/sim/reservations"
	"strategia.ai/internal/sim/stockpile"
	"strategia.ai/internal/sim/worlddef"
)

var ErrStopped = errors.New("world stopped")

type Config struct {
	ID          string
	SimRateHz   int
	FlushRateHz int
}

// Transport is the client side of the world: a Broadcaster that can also
// admit a client to the broadcast set and report who is connected.
type Transport interface {
	replicate.Broadcaster
	Activate(clientID string) bool
	Clients() int
}

type JoinRequest struct {
	ClientID string
	Name     string
	Resp     chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Err     error
}

type WatchRequest struct {
	ClientID string
	Target   protocol.Target
}

// Env is what sim code sees while it runs on the world goroutine.
type Env struct {
	Tick         uint64
	Stores       *entities.Stores
	Stockpile    *stockpile.Sync
	Reservations *reservations.Sync
	Catalog      *catalogs.Catalog

	w *World
}

// DefineType adds an equipment type at runtime. Clients learn about it from
// a TYPE_DEFS message sent at the next flush, ahead of any stockpile delta.
func (e *Env) DefineType(d catalogs.TypeDef) error {
	if err := e.Catalog.Define(d); err != nil {
		return err
	}
	e.w.newTypes = append(e.w.newTypes, d)
	return nil
}

// Driver advances external simulation logic (movement, AI) once per sim tick.
type Driver func(env *Env) error

type command struct {
	fn   func(env *Env) error
	resp chan error
}

// FlushEntry summarizes one replication flush.
type FlushEntry struct {
	Tick       uint64         `json:"tick"`
	Flush      uint64         `json:"flush"`
	Seq        uint64         `json:"seq"`
	Channels   map[string]int `json:"channels"`
	Spawned    int            `json:"spawned"`
	Removed    int            `json:"removed"`
	Stockpiles int            `json:"stockpiles"`
	Messages   int            `json:"messages"`
	Bytes      int            `json:"bytes"`
	Clients    int            `json:"clients"`
	DurationUS int64          `json:"duration_us"`
}

// FrameEntry is one outbound wire message. Kind is "broadcast" or "send".
type FrameEntry struct {
	Tick   uint64          `json:"tick"`
	Kind   string          `json:"kind"`
	Client string          `json:"client,omitempty"`
	Msg    json.RawMessage `json:"msg"`
}

// SessionEntry records a join, leave or watch.
type SessionEntry struct {
	Tick     uint64 `json:"tick"`
	ClientID string `json:"client_id"`
	Event    string `json:"event"`
	Name     string `json:"name,omitempty"`
	Target   string `json:"target,omitempty"`
}

type FlushLogger interface {
	WriteFlush(entry FlushEntry) error
}

type FrameLogger interface {
	WriteFrame(entry FrameEntry) error
}

type SessionLogger interface {
	WriteSession(entry SessionEntry) error
}

// World is a single-threaded authoritative simulation.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg    Config
	logger *log.Logger

	bus      *bus.Bus
	stores   *entities.Stores
	catalog  *catalogs.Catalog
	seq      *replicate.Sequencer
	out      *recorder
	netOut   Transport
	newTypes []catalogs.TypeDef

	factions  *replicate.Replicator[protocol.FactionRecord, protocol.FactionPatch]
	cells     *replicate.Replicator[protocol.CellRecord, protocol.CellPatch]
	units     *replicate.Replicator[protocol.UnitRecord, protocol.UnitPatch]
	lifecycle *replicate.UnitLifecycle

	stockpile    *stockpile.Sync
	reservations *reservations.Sync

	tick    atomic.Uint64
	flushes uint64

	join    chan JoinRequest
	leave   chan string
	watch   chan WatchRequest
	inbox   chan command
	stop    chan struct{}
	stopped atomic.Bool
	// done closes once the world will not read its channels again.
	done     chan struct{}
	doneOnce sync.Once

	driver Driver

	flushLogger   FlushLogger
	sessionLogger SessionLogger

	watching map[string]protocol.Target
	counters counters
	metrics  atomic.Value
}

// New builds the stores and wires every replicator to the bus and to out.
func New(cfg Config, def worlddef.Definition, cat *catalogs.Catalog, out Transport, logger *log.Logger) (*World, error) {
	if cfg.SimRateHz <= 0 {
		return nil, fmt.Errorf("sim rate must be > 0")
	}
	if cfg.FlushRateHz <= 0 {
		return nil, fmt.Errorf("flush rate must be > 0")
	}
	if cat == nil {
		return nil, fmt.Errorf("nil catalog")
	}
	if out == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds)
	}
	b := bus.New()
	stores, err := entities.New(b, def)
	if err != nil {
		return nil, err
	}

	w := &World{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		stores:   stores,
		catalog:  cat,
		seq:      &replicate.Sequencer{},
		netOut:   out,
		join:     make(chan JoinRequest, 64),
		leave:    make(chan string, 64),
		watch:    make(chan WatchRequest, 256),
		inbox:    make(chan command, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watching: map[string]protocol.Target{},
	}
	w.out = &recorder{w: w, next: out}
	clock := w.tick.Load

	w.factions = replicate.New[protocol.FactionRecord, protocol.FactionPatch](replicate.Config[protocol.FactionRecord]{
		Channel: protocol.ChannelFactions, Records: stores.Factions.Records, Out: w.out, Seq: w.seq, Clock: clock,
	})
	w.cells = replicate.New[protocol.CellRecord, protocol.CellPatch](replicate.Config[protocol.CellRecord]{
		Channel: protocol.ChannelCells, Records: stores.Cells.Records, Out: w.out, Seq: w.seq, Clock: clock,
	})
	w.units = replicate.New[protocol.UnitRecord, protocol.UnitPatch](replicate.Config[protocol.UnitRecord]{
		Channel: protocol.ChannelUnits, Records: stores.Units.Records, Out: w.out, Seq: w.seq, Clock: clock,
	})
	replicate.Attach(b, entities.FactionChanged, w.factions)
	replicate.Attach(b, entities.CellChanged, w.cells)
	replicate.Attach(b, entities.UnitChanged, w.units)
	w.lifecycle = replicate.NewUnitLifecycle(stores.Units, w.units, w.out, w.seq, clock)
	w.lifecycle.Attach(b)

	w.stockpile = stockpile.New(stockpile.Config{
		Catalog: cat, OwnerExists: stores.OwnerExists, Out: w.out, Seq: w.seq, Clock: clock,
	})
	w.reservations = reservations.New(reservations.Config{
		Catalog: cat, OwnerExists: stores.OwnerExists, Out: w.out, Seq: w.seq,
	})
	bus.Subscribe(b, entities.UnitRemoved, w.onUnitRemoved)

	for _, sd := range def.Stockpiles {
		t := protocol.Target{OwnerKind: sd.OwnerKind, OwnerID: sd.OwnerID}
		if err := w.stockpile.SetCount(t, sd.Category, sd.TypeID, sd.Count); err != nil {
			return nil, fmt.Errorf("stockpile %s: %w", t, err)
		}
	}
	// Initial stockpiles reach clients through their join snapshot.
	if _, err := w.stockpile.Tick(); err != nil {
		return nil, err
	}
	w.publishMetrics(0)
	return w, nil
}

func (w *World) Join() chan<- JoinRequest   { return w.join }
func (w *World) Leave() chan<- string       { return w.leave }
func (w *World) Watch() chan<- WatchRequest { return w.watch }

// Done is closed when Run has returned or Stop was called. Senders on
// Join, Leave and Watch select on it so they never block on a dead loop.
func (w *World) Done() <-chan struct{} { return w.done }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }
func (w *World) Sequence() uint64    { return w.seq.Current() }

func (w *World) SetDriver(d Driver)               { w.driver = d }
func (w *World) SetFlushLogger(l FlushLogger)     { w.flushLogger = l }
func (w *World) SetFrameLogger(l FrameLogger)     { w.out.log = l }
func (w *World) SetSessionLogger(l SessionLogger) { w.sessionLogger = l }

// Stop ends Run without a context cancel.
func (w *World) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stop)
	}
	w.finish()
}

func (w *World) finish() { w.doneOnce.Do(func() { close(w.done) }) }

// recorder counts outbound traffic and tees it to the frame journal.
type recorder struct {
	w    *World
	next replicate.Broadcaster
	log  FrameLogger

	messages int
	bytes    int
}

func (r *recorder) Broadcast(msg []byte) {
	r.messages++
	r.bytes += len(msg)
	if r.log != nil {
		_ = r.log.WriteFrame(FrameEntry{Tick: r.w.tick.Load(), Kind: "broadcast", Msg: msg})
	}
	r.next.Broadcast(msg)
}

func (r *recorder) Send(clientID string, msg []byte) bool {
	r.messages++
	r.bytes += len(msg)
	if r.log != nil {
		_ = r.log.WriteFrame(FrameEntry{Tick: r.w.tick.Load(), Kind: "send", Client: clientID, Msg: msg})
	}
	return r.next.Send(clientID, msg)
}
