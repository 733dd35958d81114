// Package schema holds the static field-kind registry describing the syncable
// shape of every entity type known to the possync engine. The registry is the
// engine's only source of field metadata: which fields take part in content
// hashing and diffing, how their values are compared and merged, which fields
// identify duplicates, and whether an entity type supports soft-deactivation.
package schema

import (
	"fmt"
	"sort"
)

// FieldKind classifies a field for comparison and merge dispatch.
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindLongText FieldKind = "longtext"
	KindNumber   FieldKind = "number"
	KindMoney    FieldKind = "money"
	KindQuantity FieldKind = "quantity"
	KindBool     FieldKind = "bool"
	KindDate     FieldKind = "date"
	KindDateTime FieldKind = "datetime"
	KindEnum     FieldKind = "enum"
	KindRelation FieldKind = "relation"
)

// Field describes one syncable field of an entity type.
type Field struct {
	Name string
	Kind FieldKind
	// Unique marks fields that identify an existing entity during
	// duplicate detection (name, barcode, reference, email, login).
	Unique bool
	// Target names the referenced entity type for KindRelation fields.
	Target string
}

// EntityType describes one syncable entity type.
type EntityType struct {
	Name   string
	Fields []Field
	// SoftDeactivate reports whether the type carries an "active" flag,
	// allowing deletes with dependent references to deactivate instead.
	SoftDeactivate bool
}

// Field returns the declared field with the given name.
func (e *EntityType) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// UniqueFields returns the declared duplicate-detection fields in
// declaration order.
func (e *EntityType) UniqueFields() []Field {
	var unique []Field
	for _, f := range e.Fields {
		if f.Unique {
			unique = append(unique, f)
		}
	}
	return unique
}

// Registry is an immutable lookup table of entity types. It replaces runtime
// type introspection: every syncable field is declared up front and unknown
// entity types are processing errors, not silent passthroughs.
type Registry struct {
	types map[string]EntityType
	names []string
}

// NewRegistry builds a registry from the given entity type declarations.
func NewRegistry(types ...EntityType) *Registry {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		if _, dup := r.types[t.Name]; !dup {
			r.names = append(r.names, t.Name)
		}
		r.types[t.Name] = t
	}
	sort.Strings(r.names)
	return r
}

// Lookup returns the declaration for an entity type.
func (r *Registry) Lookup(name string) (EntityType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// EntityTypes returns all registered type names in sorted order.
func (r *Registry) EntityTypes() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// SyncableFields returns the declared fields of an entity type, i.e. the
// fields that participate in content hashing and conflict diffing. Computed
// and audit fields (id, created/updated metadata) are never declared.
func (r *Registry) SyncableFields(name string) ([]Field, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("entity type %q is not registered", name)
	}
	return t.Fields, nil
}

// FieldKind returns the declared kind of a field on an entity type.
func (r *Registry) FieldKind(entityType, field string) (FieldKind, bool) {
	t, ok := r.types[entityType]
	if !ok {
		return "", false
	}
	f, ok := t.Field(field)
	if !ok {
		return "", false
	}
	return f.Kind, true
}

// RelationsTo returns every (entity type, field) pair declaring a relation
// targeting the given entity type. The batch processor uses this to scan for
// dependent references before a hard delete.
func (r *Registry) RelationsTo(target string) []Relation {
	var rels []Relation
	for _, name := range r.names {
		for _, f := range r.types[name].Fields {
			if f.Kind == KindRelation && f.Target == target {
				rels = append(rels, Relation{EntityType: name, Field: f.Name})
			}
		}
	}
	return rels
}

// Relation identifies a relation field on a referencing entity type.
type Relation struct {
	EntityType string
	Field      string
}

// Default returns the registry for the tilldesk point-of-sale entity set.
func Default() *Registry {
	return NewRegistry(
		EntityType{
			Name:           "products",
			SoftDeactivate: true,
			Fields: []Field{
				{Name: "name", Kind: KindText, Unique: true},
				{Name: "barcode", Kind: KindText, Unique: true},
				{Name: "description", Kind: KindLongText},
				{Name: "price", Kind: KindMoney},
				{Name: "cost", Kind: KindMoney},
				{Name: "quantity", Kind: KindQuantity},
				{Name: "unit", Kind: KindEnum},
				{Name: "category", Kind: KindRelation, Target: "categories"},
				{Name: "active", Kind: KindBool},
			},
		},
		EntityType{
			Name:           "categories",
			SoftDeactivate: true,
			Fields: []Field{
				{Name: "name", Kind: KindText, Unique: true},
				{Name: "description", Kind: KindLongText},
				{Name: "active", Kind: KindBool},
			},
		},
		EntityType{
			Name:           "customers",
			SoftDeactivate: true,
			Fields: []Field{
				{Name: "name", Kind: KindText},
				{Name: "email", Kind: KindText, Unique: true},
				{Name: "phone", Kind: KindText},
				{Name: "loyalty_points", Kind: KindNumber},
				{Name: "notes", Kind: KindLongText},
				{Name: "active", Kind: KindBool},
			},
		},
		EntityType{
			Name: "orders",
			Fields: []Field{
				{Name: "reference", Kind: KindText, Unique: true},
				{Name: "customer", Kind: KindRelation, Target: "customers"},
				{Name: "status", Kind: KindEnum},
				{Name: "total", Kind: KindMoney},
				{Name: "discount", Kind: KindMoney},
				{Name: "note", Kind: KindLongText},
				{Name: "placed_at", Kind: KindDateTime},
			},
		},
		EntityType{
			Name: "order_lines",
			Fields: []Field{
				{Name: "order", Kind: KindRelation, Target: "orders"},
				{Name: "product", Kind: KindRelation, Target: "products"},
				{Name: "quantity", Kind: KindQuantity},
				{Name: "price", Kind: KindMoney},
				{Name: "amount", Kind: KindMoney},
			},
		},
		EntityType{
			Name: "payments",
			Fields: []Field{
				{Name: "reference", Kind: KindText, Unique: true},
				{Name: "order", Kind: KindRelation, Target: "orders"},
				{Name: "method", Kind: KindEnum},
				{Name: "amount", Kind: KindMoney},
				{Name: "paid_at", Kind: KindDateTime},
			},
		},
		EntityType{
			Name:           "users",
			SoftDeactivate: true,
			Fields: []Field{
				{Name: "login", Kind: KindText, Unique: true},
				{Name: "name", Kind: KindText},
				{Name: "email", Kind: KindText, Unique: true},
				{Name: "role", Kind: KindEnum},
				{Name: "last_seen_at", Kind: KindDateTime},
				{Name: "active", Kind: KindBool},
			},
		},
	)
}
