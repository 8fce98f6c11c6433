// Package worlddef loads the initial authoritative record set. The file maps
// entity ids to their static fields; map generation happens elsewhere.
package worlddef

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type Definition struct {
	Factions   map[string]FactionDef `yaml:"factions"`
	Cells      map[string]CellDef    `yaml:"cells"`
	Units      map[string]UnitDef    `yaml:"units"`
	Stockpiles []StockpileDef        `yaml:"stockpiles,omitempty"`
}

type FactionDef struct {
	Name     string `yaml:"name"`
	Color    string `yaml:"color,omitempty"`
	Capital  string `yaml:"capital,omitempty"`
	Treasury int    `yaml:"treasury,omitempty"`
}

type CellDef struct {
	X             int      `yaml:"x"`
	Y             int      `yaml:"y"`
	Terrain       string   `yaml:"terrain"`
	Owner         string   `yaml:"owner,omitempty"`
	Fortification int      `yaml:"fortification,omitempty"`
	Neighbors     []string `yaml:"neighbors,omitempty"`
}

type UnitDef struct {
	Name     string `yaml:"name"`
	Owner    string `yaml:"owner"`
	Location string `yaml:"location"`
	Strength int    `yaml:"strength"`
	Morale   int    `yaml:"morale"`
}

type StockpileDef struct {
	OwnerKind string `yaml:"owner_kind"`
	OwnerID   string `yaml:"owner_id"`
	Category  string `yaml:"category"`
	TypeID    string `yaml:"type_id"`
	Count     int    `yaml:"count"`
}

func Load(path string) (Definition, error) {
	var d Definition
	raw, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("world.yaml: %w", err)
	}
	if err := d.Validate(); err != nil {
		return d, fmt.Errorf("world.yaml: %w", err)
	}
	return d, nil
}

// Validate checks that every relation resolves within the definition.
func (d Definition) Validate() error {
	for _, id := range SortedKeys(d.Factions) {
		f := d.Factions[id]
		if f.Capital != "" {
			if _, ok := d.Cells[f.Capital]; !ok {
				return fmt.Errorf("faction %s: unknown capital %q", id, f.Capital)
			}
		}
	}
	for _, id := range SortedKeys(d.Cells) {
		c := d.Cells[id]
		if c.Owner != "" {
			if _, ok := d.Factions[c.Owner]; !ok {
				return fmt.Errorf("cell %s: unknown owner %q", id, c.Owner)
			}
		}
		for _, n := range c.Neighbors {
			if _, ok := d.Cells[n]; !ok {
				return fmt.Errorf("cell %s: unknown neighbor %q", id, n)
			}
		}
	}
	for _, id := range SortedKeys(d.Units) {
		u := d.Units[id]
		if _, ok := d.Factions[u.Owner]; !ok {
			return fmt.Errorf("unit %s: unknown owner %q", id, u.Owner)
		}
		if _, ok := d.Cells[u.Location]; !ok {
			return fmt.Errorf("unit %s: unknown location %q", id, u.Location)
		}
	}
	for i, s := range d.Stockpiles {
		if s.Count < 0 {
			return fmt.Errorf("stockpiles[%d]: negative count", i)
		}
	}
	return nil
}

func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
