// Package store persists normalized records into per-collection tables keyed
// by the provider's external id.
package store

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/fulcrum-sync/internal/model"
)

// RecordStore is the persistence surface the sync engine needs. Every
// operation addresses rows of a collection's table by its external id column.
type RecordStore interface {
	// Count returns the number of rows in the collection's table.
	Count(ctx context.Context, c *model.TargetCollection) (int64, error)
	// Exists reports whether a row with the external id is stored.
	Exists(ctx context.Context, c *model.TargetCollection, externalID string) (bool, error)
	// Create inserts rec. A uniqueness or validation rejection is returned
	// as a *ConstraintError.
	Create(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) error
	// Update overwrites the stored row for rec.ExternalID and returns the
	// number of rows changed.
	Update(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) (int64, error)
	// Delete removes the row for the external id and returns the number of
	// rows removed. Deleting an absent id is not an error.
	Delete(ctx context.Context, c *model.TargetCollection, externalID string) (int64, error)
	Close() error
}

// geomEncoder converts a geometry to the driver's column value.
type geomEncoder func(geom.T) (any, error)

// row is a record flattened into ordered columns and arguments.
type row struct {
	cols    []string
	args    []any
	geomIdx int // index of the geometry column in cols, -1 when absent
}

// buildRow flattens rec in schema order. The external id is always written
// so a record coerced without its id column still lands under the right key.
func buildRow(c *model.TargetCollection, rec *model.NormalizedRecord, enc geomEncoder) (row, error) {
	if rec == nil || rec.ExternalID == "" {
		return row{}, eris.New("store: record has no external id")
	}

	fields := maps.Clone(rec.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields[c.ExternalIDField] = rec.ExternalID

	norm := &model.NormalizedRecord{ExternalID: rec.ExternalID, Fields: fields, Geometry: rec.Geometry}
	cols := norm.Columns(c)

	r := row{cols: cols, args: make([]any, len(cols)), geomIdx: -1}
	for i, col := range cols {
		if col == c.GeometryField {
			v, err := enc(rec.Geometry)
			if err != nil {
				return row{}, eris.Wrapf(err, "store: encode geometry for %s", rec.ExternalID)
			}
			r.args[i] = v
			r.geomIdx = i
			continue
		}
		v, err := columnValue(fields[col])
		if err != nil {
			return row{}, eris.Wrapf(err, "store: encode field %q for %s", col, rec.ExternalID)
		}
		r.args[i] = v
	}
	return r, nil
}

// columnValue stores nested Other values (choice lists, photo arrays) as
// JSON text. Scalars pass through to the driver.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}
