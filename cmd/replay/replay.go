package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"strategia.ai/internal/mirror"
	"strategia.ai/internal/mirror/retry"
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
	"strategia.ai/internal/sim/world"
)

var errStop = errors.New("stop")

// replayer rebuilds one client's mirror from a frame journal. Broadcasts
// before the client's first direct send went to other clients only.
// Retries run on a virtual clock that advances one delay per frame.
type replayer struct {
	client string
	set    *mirror.Set
	queue  *retry.Queue
	clock  time.Time

	joined   bool
	frames   int
	skipped  int
	failures int
	errs     []string
	changes  map[string]int

	onChange func(line string)
}

func newReplayer(clientID string) *replayer {
	r := &replayer{
		client:  clientID,
		set:     mirror.NewSet(bus.New()),
		queue:   retry.New(0),
		clock:   time.Unix(0, 0),
		changes: map[string]int{},
	}
	r.queue.SetClock(func() time.Time { return r.clock })
	bus.Subscribe(r.set.Bus(), mirror.ChangedTopic, func(c mirror.Changed) {
		r.changes[c.Kind]++
		if r.onChange != nil {
			r.onChange(fmt.Sprintf("%s seq=%d ids=%v", c.Kind, c.Seq, c.IDs))
		}
	})
	return r
}

// Feed applies one journal entry if the client would have received it.
func (r *replayer) Feed(e world.FrameEntry) error {
	switch e.Kind {
	case "send":
		if e.Client != r.client {
			return nil
		}
		r.joined = true
	case "broadcast":
		if !r.joined {
			r.skipped++
			return nil
		}
	default:
		return fmt.Errorf("tick %d: unknown frame kind %q", e.Tick, e.Kind)
	}
	r.frames++

	job, err := r.set.Route(e.Msg)
	if err != nil {
		r.fail(fmt.Errorf("tick %d: %w", e.Tick, err))
		return nil
	}
	if job.Type == protocol.TypeStockpile && e.Kind == "send" {
		var m protocol.StockpileMsg
		if err := json.Unmarshal(e.Msg, &m); err == nil && m.Kind == protocol.KindSnapshot {
			r.retarget(m.Target)
		}
	}
	if job.Apply != nil {
		if err := r.queue.Submit(job.Scope, job.Key, job.Apply); err != nil {
			r.fail(fmt.Errorf("tick %d %s seq=%s: %w", e.Tick, job.Type, job.Key, err))
		}
	}
	r.advance()
	return nil
}

// retarget follows the client's WATCH: a stockpile snapshot sent for a new
// target means the client asked for it.
func (r *replayer) retarget(t protocol.Target) {
	if t == r.set.Stockpile.Target() {
		return
	}
	owner := t.OwnerID
	if t.OwnerKind == protocol.OwnerUnit {
		owner = ""
		if u, found := r.set.Units.Get(t.OwnerID); found {
			owner = u.Owner
		}
	}
	r.queue.Drop(mirror.ScopeStockpile)
	r.queue.Drop(mirror.ScopeReservations)
	r.set.Watch(t, owner)
}

func (r *replayer) advance() {
	r.clock = r.clock.Add(r.queue.Delay())
	for _, f := range r.queue.RunDue(r.clock) {
		r.fail(fmt.Errorf("retry %s/%s: %w", f.Scope, f.Key, f.Err))
	}
}

func (r *replayer) fail(err error) {
	r.failures++
	r.errs = append(r.errs, err.Error())
}

type summary struct {
	Client       string            `json:"client"`
	Frames       int               `json:"frames"`
	Skipped      int               `json:"skipped"`
	Failures     int               `json:"failures"`
	Errors       []string          `json:"errors,omitempty"`
	Pending      int               `json:"pending"`
	Ready        bool              `json:"ready"`
	Types        int               `json:"types"`
	Factions     int               `json:"factions"`
	Cells        int               `json:"cells"`
	Units        int               `json:"units"`
	Target       string            `json:"target,omitempty"`
	Stockpile    int               `json:"stockpile_entries"`
	Reservations int               `json:"reservations"`
	Changes      map[string]int    `json:"changes"`
	Halted       map[string]string `json:"halted,omitempty"`
}

// Finish drains remaining retries and reports the mirror's final shape.
func (r *replayer) Finish() summary {
	for i := 0; i < 8 && r.queue.Stats().Pending > 0; i++ {
		r.advance()
	}
	s := summary{
		Client:       r.client,
		Frames:       r.frames,
		Skipped:      r.skipped,
		Failures:     r.failures,
		Errors:       r.errs,
		Pending:      r.queue.Stats().Pending,
		Ready:        r.set.Ready(),
		Types:        r.set.Types.Len(),
		Factions:     r.set.Factions.Len(),
		Cells:        r.set.Cells.Len(),
		Units:        r.set.Units.Len(),
		Stockpile:    len(r.set.Stockpile.Entries()),
		Reservations: len(r.set.Reservations.All()),
		Changes:      r.changes,
	}
	if t := r.set.Stockpile.Target(); t.Valid() {
		s.Target = t.String()
	}
	if halted := r.set.Halted(); len(halted) > 0 {
		s.Halted = map[string]string{}
		kinds := make([]string, 0, len(halted))
		for k := range halted {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			s.Halted[k] = halted[k].Error()
		}
	}
	return s
}
