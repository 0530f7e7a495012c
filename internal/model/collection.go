package model

import "github.com/rotisserie/eris"

// DefaultExternalIDField is the column holding the provider record id.
const DefaultExternalIDField = "fulcrum_id"

// TargetCollection is a local table kept in sync with one provider form.
type TargetCollection struct {
	Name            string
	Table           string // optionally schema-qualified, e.g. "fulcrum.hydrants"
	Schema          Schema
	ExternalIDField string
	GeometryField   string            // empty when the table has no spatial column
	Aliases         map[string]string // raw key -> schema field
}

// NewTargetCollection builds a collection and validates its schema.
func NewTargetCollection(name, table string, schema Schema, aliases map[string]string) (*TargetCollection, error) {
	c := &TargetCollection{
		Name:            name,
		Table:           table,
		Schema:          schema,
		ExternalIDField: DefaultExternalIDField,
		Aliases:         aliases,
	}
	if c.Table == "" {
		c.Table = name
	}
	geoms := schema.GeometryFields()
	if len(geoms) > 1 {
		return nil, eris.Errorf("model: collection %q declares %d geometry fields, want at most one", name, len(geoms))
	}
	if len(geoms) == 1 {
		c.GeometryField = geoms[0]
	}
	return c, nil
}

// Validate checks the invariants the engine relies on.
func (c *TargetCollection) Validate() error {
	if c.Name == "" {
		return eris.New("model: collection has no name")
	}
	if c.Table == "" {
		return eris.Errorf("model: collection %q has no table", c.Name)
	}
	if c.Schema.Len() == 0 {
		return eris.Errorf("model: collection %q has an empty schema", c.Name)
	}
	if !c.Schema.Has(c.ExternalIDField) {
		return eris.Errorf("model: collection %q does not declare external id field %q", c.Name, c.ExternalIDField)
	}
	for from, to := range c.Aliases {
		if !c.Schema.Has(to) {
			return eris.Errorf("model: collection %q alias %q targets undeclared field %q", c.Name, from, to)
		}
	}
	return nil
}
