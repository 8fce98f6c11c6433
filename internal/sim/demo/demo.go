// Package demo drives a world with scripted campaign activity so a local
// server has something to replicate: units march and fight over cells,
// factions are resupplied, and units file equipment reservations that are
// filled from their faction's stockpile.
package demo

import (
	"errors"
	"fmt"
	"math/rand"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/entities"
	"strategia.ai/internal/sim/reservations"
	"strategia.ai/internal/sim/world"
)

type Config struct {
	Seed int64

	// Intervals in sim ticks; zero disables the activity.
	MoveEvery   uint64
	SupplyEvery uint64
	SpawnEvery  uint64

	MaxUnits int
	// DeliverPerStep caps how much of one requirement is filled per supply step.
	DeliverPerStep int
}

func Defaults() Config {
	return Config{
		Seed:           1,
		MoveEvery:      5,
		SupplyEvery:    10,
		SpawnEvery:     120,
		MaxUnits:       12,
		DeliverPerStep: 5,
	}
}

type driver struct {
	cfg Config
	rng *rand.Rand
}

// Driver returns a world.Driver. Runs with the same seed against the same
// world produce the same mutations.
func Driver(cfg Config) world.Driver {
	if cfg.DeliverPerStep <= 0 {
		cfg.DeliverPerStep = 5
	}
	d := &driver{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	return d.tick
}

func every(tick, n uint64) bool { return n > 0 && tick%n == 0 }

func (d *driver) tick(env *world.Env) error {
	var errs []error
	if every(env.Tick, d.cfg.MoveEvery) {
		errs = append(errs, d.march(env))
	}
	if every(env.Tick, d.cfg.SupplyEvery) {
		errs = append(errs, d.supply(env), d.requisition(env), d.deliver(env))
	}
	if every(env.Tick, d.cfg.SpawnEvery) {
		errs = append(errs, d.reinforce(env))
	}
	return errors.Join(errs...)
}

// march moves one unit to a neighboring cell. Entering enemy ground costs
// strength and wears down fortifications until the cell falls.
func (d *driver) march(env *world.Env) error {
	units := env.Stores.Units.All()
	if len(units) == 0 {
		return nil
	}
	u := units[d.rng.Intn(len(units))]
	if len(u.Location.Neighbors) == 0 {
		return nil
	}
	dest := u.Location.Neighbors[d.rng.Intn(len(u.Location.Neighbors))]
	if err := env.Stores.Units.MoveTo(u.ID, dest.ID); err != nil {
		return err
	}
	if dest.Owner == nil || dest.Owner == u.Owner {
		return env.Stores.Units.SetMorale(u.ID, min(100, u.Morale+1))
	}

	loss := 1 + d.rng.Intn(10)
	if u.Strength <= loss {
		return env.Stores.Units.Remove(u.ID)
	}
	if err := env.Stores.Units.SetStrength(u.ID, u.Strength-loss); err != nil {
		return err
	}
	if err := env.Stores.Units.SetMorale(u.ID, max(0, u.Morale-loss/2)); err != nil {
		return err
	}
	if dest.Fortification > 0 {
		return env.Stores.Cells.SetFortification(dest.ID, dest.Fortification-1)
	}
	if err := env.Stores.Cells.SetOwner(dest.ID, u.Owner.ID); err != nil {
		return err
	}
	return d.cededCapital(env, dest)
}

// cededCapital moves a faction's capital off a cell it just lost.
func (d *driver) cededCapital(env *world.Env, lost *entities.Cell) error {
	for _, f := range env.Stores.Factions.All() {
		if f.Capital != lost || f == lost.Owner {
			continue
		}
		next := ""
		for _, c := range env.Stores.Cells.All() {
			if c.Owner == f {
				next = c.ID
				break
			}
		}
		if err := env.Stores.Factions.SetCapital(f.ID, next); err != nil {
			return err
		}
	}
	return nil
}

// supply pays each faction and adds a random batch of equipment to its
// stockpile.
func (d *driver) supply(env *world.Env) error {
	types := env.Catalog.Types()
	for _, f := range env.Stores.Factions.All() {
		if err := env.Stores.Factions.AdjustTreasury(f.ID, 5+d.rng.Intn(10)); err != nil {
			return err
		}
		if len(types) == 0 {
			continue
		}
		td := types[d.rng.Intn(len(types))]
		t := factionTarget(f.ID)
		if err := env.Stockpile.Add(t, td.Category, td.ID, 1+d.rng.Intn(10)); err != nil {
			return err
		}
	}
	return nil
}

// requisition opens a reservation for a unit that has none open.
func (d *driver) requisition(env *world.Env) error {
	cats := env.Catalog.Categories()
	if len(cats) == 0 {
		return nil
	}
	for _, u := range env.Stores.Units.All() {
		if hasActive(env.Reservations.ForUnit(u.ID)) || d.rng.Intn(4) != 0 {
			continue
		}
		cat := cats[d.rng.Intn(len(cats))]
		reqs := []protocol.Requirement{{Archetype: cat, Needed: 5 + d.rng.Intn(20)}}
		if _, err := env.Reservations.Create(u.Owner.ID, u.ID, reqs); err != nil {
			return fmt.Errorf("requisition %s: %w", u.ID, err)
		}
	}
	return nil
}

// deliver moves equipment from faction stockpiles into units against their
// open reservations and finalizes the ones that are filled.
func (d *driver) deliver(env *world.Env) error {
	for _, f := range env.Stores.Factions.All() {
		from := factionTarget(f.ID)
		for _, r := range env.Reservations.ForOwner(f.ID) {
			if r.State != reservations.Active {
				continue
			}
			to := protocol.Target{OwnerKind: protocol.OwnerUnit, OwnerID: r.UnitID}
			reqs := append([]protocol.Requirement(nil), r.Requirements...)
			var breakdown []protocol.DeliveredType
			for i := range reqs {
				want := min(d.cfg.DeliverPerStep, reqs[i].Needed-reqs[i].Delivered)
				for _, td := range typesIn(env.Catalog, reqs[i].Archetype) {
					if want <= 0 {
						break
					}
					take := min(want, env.Stockpile.Count(from, td.ID))
					if take <= 0 {
						continue
					}
					if err := env.Stockpile.Add(from, td.Category, td.ID, -take); err != nil {
						return err
					}
					if err := env.Stockpile.Add(to, td.Category, td.ID, take); err != nil {
						return err
					}
					reqs[i].Delivered += take
					want -= take
					breakdown = append(breakdown, protocol.DeliveredType{TypeID: td.ID, Count: take})
				}
			}
			if len(breakdown) == 0 {
				continue
			}
			if err := env.Reservations.Progress(r.ID, reqs, breakdown); err != nil {
				return err
			}
			if r.Complete() {
				if err := env.Reservations.Done(r.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// reinforce spawns a fresh unit at a faction capital.
func (d *driver) reinforce(env *world.Env) error {
	if env.Stores.Units.Len() >= d.cfg.MaxUnits {
		return nil
	}
	var candidates []*entities.Faction
	for _, f := range env.Stores.Factions.All() {
		if f.Capital != nil {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	f := candidates[d.rng.Intn(len(candidates))]
	_, err := env.Stores.Units.Spawn(f.Name+" Reserve", f.ID, f.Capital.ID, 60, 70)
	return err
}

func factionTarget(id string) protocol.Target {
	return protocol.Target{OwnerKind: protocol.OwnerFaction, OwnerID: id}
}

func hasActive(rs []*reservations.Reservation) bool {
	for _, r := range rs {
		if r.State == reservations.Active {
			return true
		}
	}
	return false
}

func typesIn(cat *catalogs.Catalog, category string) []catalogs.TypeDef {
	var out []catalogs.TypeDef
	for _, td := range cat.Types() {
		if td.Category == category {
			out = append(out, td)
		}
	}
	return out
}
