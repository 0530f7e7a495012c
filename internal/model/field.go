package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// FieldType is the semantic type of a collection field.
type FieldType int

const (
	// Other passes values through untouched.
	Other FieldType = iota
	// Text passes values through untouched.
	Text
	// Integer is a base-10 64-bit integer.
	Integer
	// Float is a 64-bit floating point number.
	Float
	// DateTime is a timestamp. Trailing zone names are discarded.
	DateTime
	// Date is a calendar date in YYYY-MM-DD form.
	Date
	// Geometry is a spatial column populated from the feature geometry.
	Geometry
)

// String returns the canonical lowercase name of the type.
func (t FieldType) String() string {
	switch t {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case DateTime:
		return "datetime"
	case Date:
		return "date"
	case Geometry:
		return "geometry"
	default:
		return "other"
	}
}

// fieldTypeNames accepts the canonical names plus the Django internal type
// names used by existing collection definitions.
var fieldTypeNames = map[string]FieldType{
	"text":     Text,
	"string":   Text,
	"integer":  Integer,
	"int":      Integer,
	"bigint":   Integer,
	"float":    Float,
	"double":   Float,
	"datetime": DateTime,
	"date":     Date,
	"geometry": Geometry,
	"other":    Other,

	"charfield":               Text,
	"textfield":               Text,
	"slugfield":               Text,
	"urlfield":                Text,
	"emailfield":              Text,
	"uuidfield":               Text,
	"integerfield":            Integer,
	"bigintegerfield":         Integer,
	"smallintegerfield":       Integer,
	"positiveintegerfield":    Integer,
	"autofield":               Integer,
	"bigautofield":            Integer,
	"floatfield":              Float,
	"decimalfield":            Float,
	"datetimefield":           DateTime,
	"datefield":               Date,
	"geometryfield":           Geometry,
	"pointfield":              Geometry,
	"linestringfield":         Geometry,
	"polygonfield":            Geometry,
	"multipointfield":         Geometry,
	"multilinestringfield":    Geometry,
	"multipolygonfield":       Geometry,
	"geometrycollectionfield": Geometry,
	"booleanfield":            Other,
	"jsonfield":               Other,
}

// ParseFieldType converts a type name into a FieldType. Matching is
// case-insensitive.
func ParseFieldType(s string) (FieldType, error) {
	t, ok := fieldTypeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Other, eris.Errorf("model: unknown field type %q", s)
	}
	return t, nil
}

// UnmarshalYAML lets registry files spell field types by name.
func (t *FieldType) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseFieldType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText renders the canonical type name.
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Field is a single declared column of a collection.
type Field struct {
	Name string    `yaml:"name" json:"name"`
	Type FieldType `yaml:"type" json:"type"`
}

// Schema is the ordered field set of a collection with indexed lookup.
type Schema struct {
	Fields []Field
	byName map[string]int
}

// NewSchema indexes the given fields. Later duplicates are rejected.
func NewSchema(fields []Field) (Schema, error) {
	s := Schema{
		Fields: fields,
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return Schema{}, eris.Errorf("model: field %d has no name", i)
		}
		if _, dup := s.byName[f.Name]; dup {
			return Schema{}, eris.Errorf("model: duplicate field %q", f.Name)
		}
		s.byName[f.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for static declarations; it panics on error.
func MustSchema(fields ...Field) Schema {
	s, err := NewSchema(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the field with the given name.
func (s Schema) Lookup(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Has reports whether the schema declares name.
func (s Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Len returns the number of declared fields.
func (s Schema) Len() int {
	return len(s.Fields)
}

// GeometryFields returns the names of all Geometry-typed fields in order.
func (s Schema) GeometryFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Type == Geometry {
			out = append(out, f.Name)
		}
	}
	return out
}
