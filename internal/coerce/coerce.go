// Package coerce maps provider feature properties onto a collection's
// declared schema.
package coerce

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fulcrum-sync/internal/geo"
	"github.com/sells-group/fulcrum-sync/internal/model"
)

// Mode controls what happens when a single field fails to coerce.
type Mode int

const (
	// Strict aborts the whole record on the first failing field.
	Strict Mode = iota
	// Lenient stores NULL for failing fields and keeps the record.
	Lenient
)

// DefaultAliases are raw keys the provider spells differently from the
// column they populate.
var DefaultAliases = map[string]string{
	"marker-color": "marker_color",
}

// FieldError reports a value that could not be converted to its field type.
type FieldError struct {
	Field string
	Type  model.FieldType
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("coerce: field %q (%s): cannot convert %v: %v", e.Field, e.Type, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Coercer normalizes raw records. It holds no per-record state and is safe
// for concurrent use.
type Coercer struct {
	mode    Mode
	aliases map[string]string
}

// Option configures a Coercer.
type Option func(*Coercer)

// WithMode sets the failure mode. Default is Strict.
func WithMode(m Mode) Option {
	return func(c *Coercer) { c.mode = m }
}

// WithAliases adds raw-key renames on top of DefaultAliases.
func WithAliases(aliases map[string]string) Option {
	return func(c *Coercer) {
		for k, v := range aliases {
			c.aliases[k] = v
		}
	}
}

// New creates a Coercer.
func New(opts ...Option) *Coercer {
	c := &Coercer{
		mode:    Strict,
		aliases: make(map[string]string, len(DefaultAliases)),
	}
	for k, v := range DefaultAliases {
		c.aliases[k] = v
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Coerce restricts raw's properties to the collection schema and converts
// each value to its declared type. Geometry-typed fields are left to
// Normalize.
//
// When several raw keys map to one field, an explicit alias beats a
// hyphenated key, which beats the field's own name. Fields are converted in
// schema order.
//
// In Strict mode the first FieldError aborts the record. In Lenient mode the
// failing fields are set to nil and the record is returned together with the
// joined FieldErrors.
func (c *Coercer) Coerce(coll *model.TargetCollection, raw model.RawRecord) (*model.NormalizedRecord, error) {
	out := &model.NormalizedRecord{
		ExternalID: raw.ExternalID,
		Fields:     make(map[string]any, len(raw.Properties)),
	}

	keys := slices.Sorted(maps.Keys(raw.Properties))
	type source struct {
		key  string
		rank int
	}
	sources := make(map[string]source, len(keys))
	for _, key := range keys {
		name, rank, ok := c.resolve(coll, key)
		if !ok {
			continue
		}
		if cur, seen := sources[name]; seen && cur.rank >= rank {
			continue
		}
		sources[name] = source{key: key, rank: rank}
	}

	var errs []error
	for _, field := range coll.Schema.Fields {
		src, ok := sources[field.Name]
		if !ok || field.Type == model.Geometry {
			continue
		}

		val := raw.Properties[src.key]
		v, err := Value(field.Type, val)
		if err != nil {
			fe := &FieldError{Field: field.Name, Type: field.Type, Value: val, Err: err}
			if c.mode == Strict {
				return nil, fe
			}
			errs = append(errs, fe)
			v = nil
		}
		out.Fields[field.Name] = v
	}

	if out.ExternalID == "" {
		if id, ok := out.Fields[coll.ExternalIDField].(string); ok {
			out.ExternalID = id
		}
	}

	return out, errors.Join(errs...)
}

// Normalize coerces raw and attaches its parsed geometry. A malformed
// geometry yields a nil Geometry and a *geo.ParseError in the returned error;
// the record itself is still returned.
func (c *Coercer) Normalize(coll *model.TargetCollection, raw model.RawRecord) (*model.NormalizedRecord, error) {
	rec, err := c.Coerce(coll, raw)
	if rec == nil {
		return nil, err
	}

	if coll.GeometryField == "" {
		return rec, err
	}

	g, gerr := geo.ParseGeoJSON(raw.Geometry)
	if gerr != nil {
		return rec, errors.Join(err, gerr)
	}
	rec.Geometry = g
	return rec, err
}

// Source ranks for raw keys competing for the same field.
const (
	rankDirect = iota
	rankHyphenated
	rankAlias
	rankCollectionAlias
)

// resolve maps a raw key to a schema field name and the key's rank.
func (c *Coercer) resolve(coll *model.TargetCollection, key string) (string, int, bool) {
	if to, ok := coll.Aliases[key]; ok && coll.Schema.Has(to) {
		return to, rankCollectionAlias, true
	}
	if to, ok := c.aliases[key]; ok && coll.Schema.Has(to) {
		return to, rankAlias, true
	}
	if coll.Schema.Has(key) {
		return key, rankDirect, true
	}
	if strings.Contains(key, "-") {
		underscored := strings.ReplaceAll(key, "-", "_")
		if coll.Schema.Has(underscored) {
			return underscored, rankHyphenated, true
		}
	}
	return "", 0, false
}

// Value converts a single raw value to the given type. Null and empty
// string values return nil without error.
func Value(t model.FieldType, v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}

	switch t {
	case model.DateTime:
		return toDateTime(v)
	case model.Date:
		return toDate(v)
	case model.Integer:
		return toInteger(v)
	case model.Float:
		return toFloat(v)
	case model.Text:
		return toText(v), nil
	default:
		return v, nil
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

// dateTimeLayouts are tried in order once the zone token has been removed.
var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func toDateTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		tokens := strings.Fields(s)
		if len(tokens) == 1 {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts, nil
			}
		} else {
			// "2021-06-01 10:00:00 UTC": the last token names the zone.
			s = strings.Join(tokens[:len(tokens)-1], "T")
		}
		for _, layout := range dateTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, eris.Errorf("unrecognized timestamp %q", x)
	default:
		return nil, eris.Errorf("unsupported timestamp value of type %T", v)
	}
}

func toDate(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(x))
		if err != nil {
			return nil, eris.Wrapf(err, "malformed date %q", x)
		}
		return d, nil
	default:
		return nil, eris.Errorf("unsupported date value of type %T", v)
	}
}

func toInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return floatToInt64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "invalid integer %q", x.String())
		}
		return floatToInt64(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid integer %q", x)
		}
		return n, nil
	default:
		return nil, eris.Errorf("unsupported integer value of type %T", v)
	}
}

// floatToInt64 truncates f toward zero. Values outside the int64 range are
// rejected instead of wrapping.
func floatToInt64(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, eris.Errorf("non-finite number %v", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64+1 {
		return nil, eris.Errorf("number %v out of int64 range", f)
	}
	return int64(f), nil
}

// toText renders scalars as strings. Nested values pass through and are
// stored as JSON.
func toText(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		return v
	}
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "invalid number %q", x.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid number %q", x)
		}
		return f, nil
	default:
		return nil, eris.Errorf("unsupported number value of type %T", v)
	}
}
