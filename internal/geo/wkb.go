// Package geo converts provider GeoJSON geometries into go-geom values and
// encodes them for the record stores.
package geo

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// SRID is the spatial reference of provider geometries (WGS 84).
const SRID = 4326

// ParseError reports a malformed geometry payload.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "geo: parse geometry: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseGeoJSON decodes a GeoJSON geometry object and tags it with SRID 4326.
// Returns nil, nil for an absent or JSON null payload.
func ParseGeoJSON(raw json.RawMessage) (geom.T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var g geom.T
	if err := geojson.Unmarshal(trimmed, &g); err != nil {
		return nil, &ParseError{Err: err}
	}
	if g == nil {
		return nil, &ParseError{Err: eris.New("empty geometry")}
	}

	return withSRID(g), nil
}

// EncodeEWKB converts a geometry to little-endian EWKB for PostGIS.
// Returns nil, nil for a nil geometry.
func EncodeEWKB(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, nil
	}

	data, err := ewkb.Marshal(withSRID(g), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode EWKB")
	}

	return data, nil
}

// EncodeGeoJSON renders a geometry as GeoJSON text for stores without a
// spatial type. Returns nil, nil for a nil geometry.
func EncodeGeoJSON(g geom.T) (*string, error) {
	if g == nil {
		return nil, nil
	}

	data, err := geojson.Marshal(g)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode GeoJSON")
	}

	s := string(data)
	return &s, nil
}

// withSRID tags g with SRID 4326 unless it already carries one.
func withSRID(g geom.T) geom.T {
	if g.SRID() != 0 {
		return g
	}

	switch v := g.(type) {
	case *geom.Point:
		return v.SetSRID(SRID)
	case *geom.LineString:
		return v.SetSRID(SRID)
	case *geom.Polygon:
		return v.SetSRID(SRID)
	case *geom.MultiPoint:
		return v.SetSRID(SRID)
	case *geom.MultiLineString:
		return v.SetSRID(SRID)
	case *geom.MultiPolygon:
		return v.SetSRID(SRID)
	case *geom.GeometryCollection:
		return v.SetSRID(SRID)
	default:
		return g
	}
}
