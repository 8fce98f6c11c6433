// Package reservations tracks multi-step equipment fulfillment requests and
// replicates their lifecycle to clients scoped by owning faction.
package reservations

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/replicate"
)

var (
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrTerminal           = errors.New("reservation is terminal")
	ErrBadRequirement     = errors.New("invalid requirement")
	ErrUnknownOwner       = errors.New("unknown reservation owner")
)

type State string

const (
	Active   State = "ACTIVE"
	Done     State = "DONE"
	Canceled State = "CANCELED"
)

type Requirement = protocol.Requirement

type Reservation struct {
	ID           string
	OwnerID      string
	UnitID       string
	Requirements []Requirement
	State        State
}

// Complete reports whether every requirement is met, or the reservation was
// explicitly finalized.
func (r *Reservation) Complete() bool {
	if r.State == Done {
		return true
	}
	for _, q := range r.Requirements {
		if q.Delivered < q.Needed {
			return false
		}
	}
	return true
}

func (r *Reservation) wire() protocol.ReservationWire {
	return protocol.ReservationWire{
		ReservationID: r.ID,
		UnitID:        r.UnitID,
		Requirements:  append([]Requirement(nil), r.Requirements...),
		Done:          r.State == Done,
	}
}

type Config struct {
	Catalog     *catalogs.Catalog
	OwnerExists func(kind, id string) bool
	Out         replicate.Broadcaster
	Seq         *replicate.Sequencer
}

type Sync struct {
	cfg    Config
	byID   map[string]*Reservation
	nextID uint64

	messages uint64
}

func New(cfg Config) *Sync {
	if cfg.Seq == nil {
		cfg.Seq = &replicate.Sequencer{}
	}
	return &Sync{cfg: cfg, byID: map[string]*Reservation{}}
}

func (s *Sync) Get(id string) (*Reservation, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// ForOwner returns the owner's visible reservations (canceled ones are gone).
func (s *Sync) ForOwner(ownerID string) []*Reservation {
	var out []*Reservation
	for _, r := range s.byID {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForUnit returns the reservations scoped to one unit.
func (s *Sync) ForUnit(unitID string) []*Reservation {
	var out []*Reservation
	for _, r := range s.byID {
		if r.UnitID == unitID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Sync) Create(ownerID, unitID string, reqs []Requirement) (string, error) {
	if s.cfg.OwnerExists != nil {
		if !s.cfg.OwnerExists(protocol.OwnerFaction, ownerID) {
			return "", fmt.Errorf("faction %q: %w", ownerID, ErrUnknownOwner)
		}
		if unitID != "" && !s.cfg.OwnerExists(protocol.OwnerUnit, unitID) {
			return "", fmt.Errorf("unit %q: %w", unitID, ErrUnknownOwner)
		}
	}
	if err := s.checkRequirements(reqs); err != nil {
		return "", err
	}
	s.nextID++
	r := &Reservation{
		ID:           fmt.Sprintf("R%06d", s.nextID),
		OwnerID:      ownerID,
		UnitID:       unitID,
		Requirements: append([]Requirement(nil), reqs...),
		State:        Active,
	}
	s.byID[r.ID] = r
	return r.ID, s.broadcast(protocol.ReservationMsg{
		Kind:          protocol.KindCreate,
		OwnerID:       ownerID,
		UnitID:        unitID,
		ReservationID: r.ID,
		Requirements:  r.Requirements,
	})
}

// Progress replaces the requirement list. breakdown lists exactly which
// concrete types were delivered in this step and may be nil.
func (s *Sync) Progress(id string, reqs []Requirement, breakdown []protocol.DeliveredType) error {
	r, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownReservation)
	}
	if r.State != Active {
		return fmt.Errorf("%s: %w", id, ErrTerminal)
	}
	if err := s.checkRequirements(reqs); err != nil {
		return err
	}
	for _, d := range breakdown {
		if d.Count < 0 {
			return fmt.Errorf("breakdown %s=%d: %w", d.TypeID, d.Count, ErrBadRequirement)
		}
		if s.cfg.Catalog != nil {
			if _, ok := s.cfg.Catalog.Lookup(d.TypeID); !ok {
				return fmt.Errorf("breakdown type %q: %w", d.TypeID, ErrBadRequirement)
			}
		}
	}
	r.Requirements = append([]Requirement(nil), reqs...)
	return s.broadcast(protocol.ReservationMsg{
		Kind:               protocol.KindProgress,
		OwnerID:            r.OwnerID,
		ReservationID:      id,
		Requirements:       r.Requirements,
		DeliveredBreakdown: breakdown,
	})
}

// Done finalizes a reservation regardless of counts. Repeated calls are no-ops.
func (s *Sync) Done(id string) error {
	r, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownReservation)
	}
	if r.State == Done {
		return nil
	}
	r.State = Done
	return s.broadcast(protocol.ReservationMsg{
		Kind:          protocol.KindDone,
		OwnerID:       r.OwnerID,
		ReservationID: id,
	})
}

// Cancel removes the reservation from its owner's set.
func (s *Sync) Cancel(id string) error {
	r, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownReservation)
	}
	r.State = Canceled
	delete(s.byID, id)
	return s.broadcast(protocol.ReservationMsg{
		Kind:          protocol.KindCancel,
		OwnerID:       r.OwnerID,
		ReservationID: id,
	})
}

// CancelForUnit cancels every reservation scoped to a removed unit.
func (s *Sync) CancelForUnit(unitID string) (int, error) {
	rs := s.ForUnit(unitID)
	for _, r := range rs {
		if err := s.Cancel(r.ID); err != nil {
			return 0, err
		}
	}
	return len(rs), nil
}

// SnapshotFor encodes the full replacement list for one owner.
func (s *Sync) SnapshotFor(ownerID string) ([]byte, error) {
	return s.snapshot(ownerID, nil)
}

// SendSnapshot answers a WATCH of t with the reservations of ownerID, the
// faction that owns t. The message names t so the client can adopt the
// owner even when its own view of t's faction is stale.
func (s *Sync) SendSnapshot(clientID, ownerID string, t protocol.Target) error {
	b, err := s.snapshot(ownerID, &t)
	if err != nil {
		return err
	}
	if s.cfg.Out != nil {
		s.cfg.Out.Send(clientID, b)
	}
	return nil
}

func (s *Sync) snapshot(ownerID string, t *protocol.Target) ([]byte, error) {
	rs := s.ForOwner(ownerID)
	list := make([]protocol.ReservationWire, 0, len(rs))
	for _, r := range rs {
		list = append(list, r.wire())
	}
	return s.encode(protocol.ReservationMsg{
		Kind:         protocol.KindSnapshot,
		OwnerID:      ownerID,
		Reservations: list,
		Target:       t,
	})
}

func (s *Sync) Messages() uint64 { return s.messages }

func (s *Sync) checkRequirements(reqs []Requirement) error {
	if len(reqs) == 0 {
		return fmt.Errorf("empty requirement list: %w", ErrBadRequirement)
	}
	for _, q := range reqs {
		if q.Needed < 0 || q.Delivered < 0 {
			return fmt.Errorf("%s needed=%d delivered=%d: %w", q.Archetype, q.Needed, q.Delivered, ErrBadRequirement)
		}
		if s.cfg.Catalog != nil && !s.cfg.Catalog.HasCategory(q.Archetype) {
			return fmt.Errorf("archetype %q: %w", q.Archetype, ErrBadRequirement)
		}
	}
	return nil
}

func (s *Sync) encode(m protocol.ReservationMsg) ([]byte, error) {
	m.Type = protocol.TypeReservation
	m.ProtocolVersion = protocol.Version
	m.Seq = s.cfg.Seq.Next()
	return json.Marshal(m)
}

func (s *Sync) broadcast(m protocol.ReservationMsg) error {
	b, err := s.encode(m)
	if err != nil {
		return err
	}
	if s.cfg.Out != nil {
		s.cfg.Out.Broadcast(b)
	}
	s.messages++
	return nil
}
