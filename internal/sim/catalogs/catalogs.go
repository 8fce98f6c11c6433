// Package catalogs is the server-side equipment type repository. Stockpile and
// reservation payloads reference types by opaque id; clients resolve those ids
// against the definitions broadcast on the TYPE_DEFS channel.
package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"strategia.ai/internal/protocol"
)

type TypeDef struct {
	ID       string `yaml:"id" json:"id"`
	Category string `yaml:"category" json:"category"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
}

type file struct {
	Categories []string  `yaml:"categories"`
	Types      []TypeDef `yaml:"types"`
}

// Catalog is owned by the world loop goroutine.
type Catalog struct {
	categories map[string]struct{}
	types      map[string]TypeDef
	digest     string
}

func New(categories []string, defs []TypeDef) (*Catalog, error) {
	c := &Catalog{
		categories: map[string]struct{}{},
		types:      map[string]TypeDef{},
	}
	for _, cat := range categories {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			return nil, fmt.Errorf("catalog: empty category")
		}
		c.categories[cat] = struct{}{}
	}
	for _, d := range defs {
		if err := c.add(d); err != nil {
			return nil, err
		}
	}
	c.redigest()
	return c, nil
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	c, err := New(f.Categories, f.Types)
	if err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	return c, nil
}

// Define registers a new type at runtime. Redefining an existing id with a
// different category is rejected; ids are never reused.
func (c *Catalog) Define(d TypeDef) error {
	if err := c.add(d); err != nil {
		return err
	}
	c.redigest()
	return nil
}

func (c *Catalog) add(d TypeDef) error {
	if d.ID == "" {
		return fmt.Errorf("catalog: empty type id")
	}
	if _, ok := c.categories[d.Category]; !ok {
		return fmt.Errorf("catalog: type %s: unknown category %q", d.ID, d.Category)
	}
	if prev, ok := c.types[d.ID]; ok && prev.Category != d.Category {
		return fmt.Errorf("catalog: type %s already defined in %s", d.ID, prev.Category)
	}
	c.types[d.ID] = d
	return nil
}

func (c *Catalog) Lookup(id string) (TypeDef, bool) {
	d, ok := c.types[id]
	return d, ok
}

func (c *Catalog) HasCategory(cat string) bool {
	_, ok := c.categories[cat]
	return ok
}

func (c *Catalog) Categories() []string {
	out := make([]string, 0, len(c.categories))
	for cat := range c.categories {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// Types returns every definition sorted by id.
func (c *Catalog) Types() []TypeDef {
	out := make([]TypeDef, 0, len(c.types))
	for _, d := range c.types {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Digest() string { return c.digest }

func (c *Catalog) redigest() {
	b, _ := json.Marshal(struct {
		Categories []string  `json:"categories"`
		Types      []TypeDef `json:"types"`
	}{c.Categories(), c.Types()})
	sum := sha256.Sum256(b)
	c.digest = hex.EncodeToString(sum[:])
}

// Wire converts definitions for the TYPE_DEFS channel.
func Wire(defs []TypeDef) []protocol.TypeDef {
	out := make([]protocol.TypeDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, protocol.TypeDef{ID: d.ID, Category: d.Category, Name: d.Name})
	}
	return out
}
