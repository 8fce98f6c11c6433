package mirror

import (
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

type Reservation struct {
	ID           string
	OwnerID      string
	UnitID       string
	Requirements []protocol.Requirement
	Done         bool
}

// Complete is true once every requirement is met or the reservation was
// finalized.
func (r Reservation) Complete() bool {
	if r.Done {
		return true
	}
	for _, q := range r.Requirements {
		if q.Delivered < q.Needed {
			return false
		}
	}
	return true
}

// Reservations mirrors the reservation set of one faction.
type Reservations struct {
	set   *Set
	owner string
	// target is the WATCH target the owner was derived from, if any.
	target protocol.Target
	byID  map[string]*Reservation
	// canceled remembers ids removed by a cancel; later messages for them
	// are absorbed.
	canceled map[string]struct{}
	// delivered accumulates progress breakdowns per concrete type.
	delivered map[string]int

	ready   bool
	lastSeq uint64
	halted  error
}

func newReservations(set *Set) *Reservations {
	return &Reservations{
		set:       set,
		byID:      map[string]*Reservation{},
		canceled:  map[string]struct{}{},
		delivered: map[string]int{},
	}
}

func (r *Reservations) Watch(ownerID string) {
	r.target = protocol.Target{}
	r.owner = ownerID
	r.byID = map[string]*Reservation{}
	r.canceled = map[string]struct{}{}
	r.delivered = map[string]int{}
	r.ready = false
	r.lastSeq = 0
	r.halted = nil
}

func (r *Reservations) Owner() string { return r.owner }
func (r *Reservations) Ready() bool   { return r.ready }
func (r *Reservations) Halted() error { return r.halted }

func (r *Reservations) Get(id string) (Reservation, bool) {
	v, ok := r.byID[id]
	if !ok {
		return Reservation{}, false
	}
	return *v, true
}

func (r *Reservations) All() []Reservation {
	out := make([]Reservation, 0, len(r.byID))
	for _, v := range r.byID {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reservations) IsComplete(id string) bool {
	v, ok := r.byID[id]
	return ok && v.Complete()
}

// DeliveredByType returns how many of a concrete type progress breakdowns
// have reported for this owner.
func (r *Reservations) DeliveredByType(typeID string) int { return r.delivered[typeID] }

// Apply consumes one RESERVATION message. Everything but the snapshot is
// ignored until the snapshot for the watched owner has arrived.
func (r *Reservations) Apply(msg protocol.ReservationMsg) error {
	if r.halted != nil {
		return fmt.Errorf("%s: %w: %v", KindReservations, ErrHalted, r.halted)
	}
	if msg.Kind == protocol.KindSnapshot && msg.Target != nil && r.target.Valid() &&
		*msg.Target == r.target && msg.OwnerID != "" && msg.OwnerID != r.owner {
		// The server resolved the target's owner; it wins over the local guess.
		r.owner = msg.OwnerID
		r.canceled = map[string]struct{}{}
		r.delivered = map[string]int{}
	}
	if r.owner == "" || msg.OwnerID != r.owner {
		return nil
	}
	if msg.Seq != 0 && msg.Seq <= r.lastSeq {
		return nil
	}
	if msg.Kind != protocol.KindSnapshot && !r.ready {
		return nil
	}
	if _, gone := r.canceled[msg.ReservationID]; gone && msg.Kind != protocol.KindSnapshot {
		r.lastSeq = msg.Seq
		return nil
	}
	for _, d := range msg.DeliveredBreakdown {
		if _, ok := r.set.Types.Resolve(d.TypeID); !ok {
			return fmt.Errorf("reservation %s breakdown %s: %w", msg.ReservationID, d.TypeID, ErrUnresolvedType)
		}
	}

	switch msg.Kind {
	case protocol.KindSnapshot:
		next := make(map[string]*Reservation, len(msg.Reservations))
		for _, w := range msg.Reservations {
			if w.ReservationID == "" {
				return r.halt(fmt.Errorf("snapshot entry without id: %w", ErrMalformed))
			}
			next[w.ReservationID] = &Reservation{
				ID:           w.ReservationID,
				OwnerID:      msg.OwnerID,
				UnitID:       w.UnitID,
				Requirements: append([]protocol.Requirement(nil), w.Requirements...),
				Done:         w.Done,
			}
		}
		r.byID = next
		r.ready = true
	case protocol.KindCreate:
		if msg.ReservationID == "" {
			return r.halt(fmt.Errorf("create without id: %w", ErrMalformed))
		}
		r.byID[msg.ReservationID] = &Reservation{
			ID:           msg.ReservationID,
			OwnerID:      msg.OwnerID,
			UnitID:       msg.UnitID,
			Requirements: append([]protocol.Requirement(nil), msg.Requirements...),
		}
	case protocol.KindProgress:
		v, ok := r.byID[msg.ReservationID]
		if !ok {
			return r.halt(fmt.Errorf("progress %s: %w", msg.ReservationID, ErrUnknownID))
		}
		if v.Done {
			break
		}
		v.Requirements = append([]protocol.Requirement(nil), msg.Requirements...)
		for _, d := range msg.DeliveredBreakdown {
			r.delivered[d.TypeID] += d.Count
		}
	case protocol.KindDone:
		v, ok := r.byID[msg.ReservationID]
		if !ok {
			return r.halt(fmt.Errorf("done %s: %w", msg.ReservationID, ErrUnknownID))
		}
		v.Done = true
	case protocol.KindCancel:
		delete(r.byID, msg.ReservationID)
		if msg.ReservationID != "" {
			r.canceled[msg.ReservationID] = struct{}{}
		}
	default:
		return r.halt(fmt.Errorf("reservation kind %q: %w", msg.Kind, ErrMalformed))
	}
	r.lastSeq = msg.Seq
	bus.Publish(r.set.bus, ChangedTopic, Changed{Kind: KindReservations, Seq: msg.Seq, IDs: []string{msg.ReservationID}})
	return nil
}

func (r *Reservations) halt(err error) error {
	r.halted = err
	return err
}
