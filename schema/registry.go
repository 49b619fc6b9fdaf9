package schema

import (
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Registry is a static Provider built once at startup. It is safe for
// concurrent reads because nothing mutates it after NewRegistry returns.
type Registry struct {
	entities map[string]*Entity
	order    []string
}

var _ Provider = (*Registry)(nil)

// NewRegistry validates and registers the given entity types. Defaults for
// Table and PrimaryKey are filled in on the stored copies.
func NewRegistry(entities ...Entity) (*Registry, error) {
	r := &Registry{entities: make(map[string]*Entity, len(entities))}

	for i := range entities {
		e := entities[i]
		e.Columns = slices.Clone(e.Columns)
		e.normalize()
		if err := validateEntity(&e); err != nil {
			return nil, fmt.Errorf("schema: entity %q: %w", e.Name, err)
		}
		if _, exists := r.entities[e.Name]; exists {
			return nil, fmt.Errorf("schema: entity %q registered twice", e.Name)
		}
		r.entities[e.Name] = &e
		r.order = append(r.order, e.Name)
	}

	for _, name := range r.order {
		for _, ref := range r.entities[name].References {
			if _, ok := r.entities[ref.Entity]; !ok {
				return nil, fmt.Errorf("schema: entity %q: column %q references %w", name, ref.Column, unknown(ref.Entity))
			}
		}
	}

	return r, nil
}

// Entity implements Provider.
func (r *Registry) Entity(name string) (*Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, unknown(name)
	}
	return e, nil
}

// Names returns the registered entity types in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

func validateEntity(e *Entity) error {
	columnRule := validation.By(func(v any) error {
		c, _ := v.(string)
		if !e.HasColumn(c) {
			return fmt.Errorf("unknown column %q", c)
		}
		return nil
	})

	return validation.ValidateStruct(e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.Columns, validation.Required, validation.Each(validation.Required,
			validation.By(func(v any) error {
				if c, _ := v.(string); c == e.PrimaryKey {
					return fmt.Errorf("primary key %q must not be listed in Columns", c)
				}
				return nil
			}))),
		validation.Field(&e.SoftDelete, validation.When(e.SoftDelete != "", columnRule)),
		validation.Field(&e.Unique, validation.Each(validation.By(func(v any) error {
			idx, _ := v.(UniqueIndex)
			return validation.ValidateStruct(&idx,
				validation.Field(&idx.Name, validation.Required),
				validation.Field(&idx.Columns, validation.Required, validation.Each(columnRule)),
			)
		}))),
		validation.Field(&e.References, validation.Each(validation.By(func(v any) error {
			ref, _ := v.(Reference)
			return validation.ValidateStruct(&ref,
				validation.Field(&ref.Column, validation.Required, columnRule),
				validation.Field(&ref.Entity, validation.Required),
			)
		}))),
	)
}
