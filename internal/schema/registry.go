package schema

import (
	"fmt"
	"strings"
)

// Descriptor describes one backed-up table: its application namespace, its
// table name and the qualified names of the tables it references via foreign
// key. The registry is the engine's only view of the store schema, so the
// dependency graph stays an explicit input instead of live introspection.
type Descriptor struct {
	App        string   `yaml:"app"        json:"app"`
	Table      string   `yaml:"table"      json:"table"`
	References []string `yaml:"references" json:"references"`
}

// Qualified returns the "app.table" identifier used in fixtures, selective
// restore lists and the persisted table order.
func (d Descriptor) Qualified() string {
	return d.App + "." + d.Table
}

// DBTable returns the physical table name in the store database.
func (d Descriptor) DBTable() string {
	return d.App + "_" + d.Table
}

// FixtureName returns the fixture file name for this table.
func (d Descriptor) FixtureName() string {
	return d.App + "_" + d.Table + ".json"
}

// Registry is an explicit, ordered set of table descriptors.
type Registry struct {
	tables []Descriptor
	byName map[string]Descriptor
}

func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor)}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Qualified names must be unique and self
// references are dropped on registration.
func (r *Registry) Register(d Descriptor) error {
	if d.App == "" || d.Table == "" {
		return fmt.Errorf("descriptor missing app or table name: %+v", d)
	}
	name := d.Qualified()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("duplicate table descriptor: %s", name)
	}

	refs := make([]string, 0, len(d.References))
	for _, ref := range d.References {
		if strings.EqualFold(ref, name) {
			continue
		}
		refs = append(refs, ref)
	}
	d.References = refs

	r.byName[name] = d
	r.tables = append(r.tables, d)
	return nil
}

// Tables returns all registered descriptors in registration order.
func (r *Registry) Tables() []Descriptor {
	out := make([]Descriptor, len(r.tables))
	copy(out, r.tables)
	return out
}

// Lookup finds a descriptor by qualified name.
func (r *Registry) Lookup(qualified string) (Descriptor, bool) {
	d, ok := r.byName[qualified]
	return d, ok
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.tables)
}

// DefaultRegistry returns the store schema of the shop platform: catalog,
// cart, order, incomplete-order recovery and inventory tables. Deployments
// with a different schema supply their own descriptors via configuration.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Descriptor{App: "catalog", Table: "category"},
		Descriptor{App: "catalog", Table: "product", References: []string{"catalog.category"}},
		Descriptor{App: "catalog", Table: "productimage", References: []string{"catalog.product"}},
		Descriptor{App: "cart", Table: "cart"},
		Descriptor{App: "cart", Table: "cartitem", References: []string{"cart.cart", "catalog.product"}},
		Descriptor{App: "orders", Table: "order", References: []string{"cart.cart"}},
		Descriptor{App: "orders", Table: "orderitem", References: []string{"orders.order", "catalog.product"}},
		Descriptor{App: "orders", Table: "incompleteorder", References: []string{"cart.cart"}},
		Descriptor{App: "inventory", Table: "stockactivity", References: []string{"catalog.product"}},
	)
	if err != nil {
		panic(err)
	}
	return r
}
