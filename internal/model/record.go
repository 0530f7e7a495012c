package model

import (
	"encoding/json"

	"github.com/twpayne/go-geom"
)

// RawRecord is one provider feature before normalization.
type RawRecord struct {
	ExternalID string          `json:"external_id"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
}

// NormalizedRecord holds values coerced to a collection's declared types.
// Fields only contains schema keys; a nil value is stored as NULL.
type NormalizedRecord struct {
	ExternalID string
	Fields     map[string]any
	Geometry   geom.T
}

// Columns returns the record's field names in schema order. When the
// collection has a geometry column it is always included so a missing
// geometry clears the stored one.
func (r *NormalizedRecord) Columns(c *TargetCollection) []string {
	cols := make([]string, 0, len(r.Fields)+1)
	for _, f := range c.Schema.Fields {
		if f.Name == c.GeometryField {
			cols = append(cols, f.Name)
			continue
		}
		if _, ok := r.Fields[f.Name]; ok {
			cols = append(cols, f.Name)
		}
	}
	return cols
}
