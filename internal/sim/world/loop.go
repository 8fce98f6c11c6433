package world

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
)

func (w *World) Run(ctx context.Context) error {
	simTicker := time.NewTicker(time.Second / time.Duration(w.cfg.SimRateHz))
	defer simTicker.Stop()
	flushTicker := time.NewTicker(time.Second / time.Duration(w.cfg.FlushRateHz))
	defer flushTicker.Stop()
	defer w.finish()

	var pending []command
	for {
		select {
		case <-ctx.Done():
			w.failPending(pending, ctx.Err())
			return ctx.Err()
		case <-w.stop:
			w.failPending(pending, ErrStopped)
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case req := <-w.watch:
			w.handleWatch(req)
		case cmd := <-w.inbox:
			pending = append(pending, cmd)
		case <-simTicker.C:
			w.step(pending)
			pending = pending[:0]
		case <-flushTicker.C:
			w.flush()
		}
	}
}

// Submit queues fn to run on the world goroutine at the next sim tick and
// waits for its result.
func (w *World) Submit(ctx context.Context, fn func(env *Env) error) error {
	resp := make(chan error, 1)
	select {
	case w.inbox <- command{fn: fn, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrStopped
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepOnce runs one sim tick with the given commands. Tests and tools drive
// the world with it instead of Run.
func (w *World) StepOnce(fns ...func(env *Env) error) error {
	var firstErr error
	cmds := make([]command, 0, len(fns))
	for _, fn := range fns {
		cmds = append(cmds, command{fn: fn, resp: make(chan error, 1)})
	}
	w.step(cmds)
	for _, c := range cmds {
		if err := <-c.resp; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushOnce runs one replication flush outside Run.
func (w *World) FlushOnce() FlushEntry { return w.flush() }

// JoinOnce admits a client outside Run.
func (w *World) JoinOnce(clientID, name string) (protocol.WelcomeMsg, error) {
	resp := make(chan JoinResponse, 1)
	w.handleJoin(JoinRequest{ClientID: clientID, Name: name, Resp: resp})
	r := <-resp
	return r.Welcome, r.Err
}

// WatchOnce handles a WATCH outside Run.
func (w *World) WatchOnce(clientID string, t protocol.Target) {
	w.handleWatch(WatchRequest{ClientID: clientID, Target: t})
}

func (w *World) env() *Env {
	return &Env{
		Tick:         w.tick.Load(),
		Stores:       w.stores,
		Stockpile:    w.stockpile,
		Reservations: w.reservations,
		Catalog:      w.catalog,
		w:            w,
	}
}

func (w *World) step(cmds []command) {
	start := time.Now()
	w.tick.Add(1)
	env := w.env()
	for _, c := range cmds {
		err := c.fn(env)
		if err != nil {
			w.counters.commandErrors++
		}
		c.resp <- err
	}
	if w.driver != nil {
		if err := w.driver(env); err != nil {
			w.counters.driverErrors++
			w.logger.Printf("driver tick=%d: %v", env.Tick, err)
		}
	}
	w.counters.commands += uint64(len(cmds))
	w.counters.stepMS = float64(time.Since(start).Microseconds()) / 1000
	w.publishMetrics(0)
}

func (w *World) failPending(cmds []command, err error) {
	for _, c := range cmds {
		c.resp <- err
	}
}

// flush sends every pending change. Order: new type definitions, factions,
// cells, spawned units, unit updates, removed units, stockpiles.
func (w *World) flush() FlushEntry {
	start := time.Now()
	w.flushes++
	w.out.messages, w.out.bytes = 0, 0
	entry := FlushEntry{
		Tick:     w.tick.Load(),
		Flush:    w.flushes,
		Channels: map[string]int{},
	}

	if len(w.newTypes) > 0 {
		if err := w.broadcastTypes(w.newTypes); err != nil {
			w.logger.Printf("flush types: %v", err)
		} else {
			w.newTypes = w.newTypes[:0]
		}
	}
	entry.Channels[protocol.ChannelFactions] = w.factions.Pending()
	if _, err := w.factions.Tick(); err != nil {
		w.logger.Printf("flush factions: %v", err)
	}
	entry.Channels[protocol.ChannelCells] = w.cells.Pending()
	if _, err := w.cells.Tick(); err != nil {
		w.logger.Printf("flush cells: %v", err)
	}
	entry.Spawned = w.lifecycle.PendingSpawned()
	if _, err := w.lifecycle.FlushSpawned(); err != nil {
		w.logger.Printf("flush spawned: %v", err)
	}
	entry.Channels[protocol.ChannelUnits] = w.units.Pending()
	if _, err := w.units.Tick(); err != nil {
		w.logger.Printf("flush units: %v", err)
	}
	entry.Removed = w.lifecycle.PendingRemoved()
	if _, err := w.lifecycle.FlushRemoved(); err != nil {
		w.logger.Printf("flush removed: %v", err)
	}
	n, err := w.stockpile.Tick()
	if err != nil {
		w.logger.Printf("flush stockpile: %v", err)
	}
	entry.Stockpiles = n

	entry.Seq = w.seq.Current()
	entry.Messages = w.out.messages
	entry.Bytes = w.out.bytes
	entry.Clients = w.netOut.Clients()
	entry.DurationUS = time.Since(start).Microseconds()

	w.counters.flushMessages += uint64(entry.Messages)
	w.counters.flushBytes += uint64(entry.Bytes)
	if entry.Messages > 0 && w.flushLogger != nil {
		_ = w.flushLogger.WriteFlush(entry)
	}
	w.publishMetrics(float64(entry.DurationUS) / 1000)
	return entry
}

// handleJoin admits a client. WELCOME, the type catalog and one full
// snapshot per channel are queued before the client receives any broadcast.
func (w *World) handleJoin(req JoinRequest) {
	reply := func(r JoinResponse) {
		if req.Resp != nil {
			req.Resp <- r
		}
	}
	if !w.netOut.Activate(req.ClientID) {
		reply(JoinResponse{Err: fmt.Errorf("client %s not registered", req.ClientID)})
		return
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        req.ClientID,
		Tick:            w.tick.Load(),
		SimRateHz:       w.cfg.SimRateHz,
		FlushRateHz:     w.cfg.FlushRateHz,
		Channels:        protocol.Channels,
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		reply(JoinResponse{Err: err})
		return
	}
	if !w.out.Send(req.ClientID, b) {
		reply(JoinResponse{Err: fmt.Errorf("client %s: queue full", req.ClientID)})
		return
	}
	if err := w.sendTypes(req.ClientID, w.catalog.Types()); err != nil {
		reply(JoinResponse{Err: err})
		return
	}
	for _, join := range []func(string) error{w.factions.OnClientJoin, w.cells.OnClientJoin, w.units.OnClientJoin} {
		if err := join(req.ClientID); err != nil {
			reply(JoinResponse{Err: err})
			return
		}
	}
	w.counters.joins++
	w.logSession(SessionEntry{ClientID: req.ClientID, Event: "join", Name: req.Name})
	reply(JoinResponse{Welcome: welcome})
}

func (w *World) handleLeave(clientID string) {
	delete(w.watching, clientID)
	w.counters.leaves++
	w.logSession(SessionEntry{ClientID: clientID, Event: "leave"})
}

// handleWatch answers a WATCH with a stockpile snapshot for the target and a
// reservation snapshot for the faction that owns it.
func (w *World) handleWatch(req WatchRequest) {
	t := req.Target
	if !t.Valid() || !w.stores.OwnerExists(t.OwnerKind, t.OwnerID) {
		w.sendError(req.ClientID, protocol.ErrUnknownTarget, fmt.Sprintf("unknown target %s", t))
		return
	}
	owner := t.OwnerID
	if t.OwnerKind == protocol.OwnerUnit {
		u, _ := w.stores.Units.Get(t.OwnerID)
		owner = u.Owner.ID
	}
	if err := w.stockpile.SendSnapshot(req.ClientID, t); err != nil {
		w.logger.Printf("watch %s stockpile: %v", t, err)
		return
	}
	if err := w.reservations.SendSnapshot(req.ClientID, owner, t); err != nil {
		w.logger.Printf("watch %s reservations: %v", t, err)
		return
	}
	w.watching[req.ClientID] = t
	w.logSession(SessionEntry{ClientID: req.ClientID, Event: "watch", Target: t.String()})
}

// onUnitRemoved drops state owned by a removed unit.
func (w *World) onUnitRemoved(id string) {
	w.stockpile.DropOwner(protocol.Target{OwnerKind: protocol.OwnerUnit, OwnerID: id})
	if _, err := w.reservations.CancelForUnit(id); err != nil {
		w.logger.Printf("cancel reservations for %s: %v", id, err)
	}
}

func (w *World) broadcastTypes(defs []catalogs.TypeDef) error {
	b, err := w.typeDefs(defs)
	if err != nil {
		return err
	}
	w.out.Broadcast(b)
	return nil
}

func (w *World) sendTypes(clientID string, defs []catalogs.TypeDef) error {
	b, err := w.typeDefs(defs)
	if err != nil {
		return err
	}
	w.out.Send(clientID, b)
	return nil
}

func (w *World) typeDefs(defs []catalogs.TypeDef) ([]byte, error) {
	return json.Marshal(protocol.TypeDefsMsg{
		Type:            protocol.TypeTypeDefs,
		ProtocolVersion: protocol.Version,
		Seq:             w.seq.Next(),
		Types:           catalogs.Wire(defs),
	})
}

func (w *World) sendError(clientID, code, message string) {
	b, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	w.out.Send(clientID, b)
}

func (w *World) logSession(e SessionEntry) {
	if w.sessionLogger == nil {
		return
	}
	e.Tick = w.tick.Load()
	_ = w.sessionLogger.WriteSession(e)
}
