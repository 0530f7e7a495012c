package registry

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fulcrum-sync/internal/model"
)

// File is the on-disk registry format.
//
//	collections:
//	  - name: garland_valves
//	    form_id: 6a1c...
//	    share_token: 4ccb5b6c8b4f0fc0
//	    table: fulcrum.garland_valves
//	    aliases: {"Valve Size": valve_size}
//	    fields:
//	      - {name: fulcrum_id, type: text}
//	      - {name: valve_size, type: BigIntegerField}
//	      - {name: geometry, type: PointField}
type File struct {
	Collections []CollectionSpec `yaml:"collections"`
}

// CollectionSpec declares one synced form.
type CollectionSpec struct {
	Name            string            `yaml:"name"`
	FormID          string            `yaml:"form_id"`
	ShareToken      string            `yaml:"share_token"`
	Table           string            `yaml:"table"`
	ExternalIDField string            `yaml:"external_id_field"`
	Aliases         map[string]string `yaml:"aliases"`
	Fields          []model.Field     `yaml:"fields"`
}

// LoadFile reads a YAML registry file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: open file")
	}
	defer f.Close() //nolint:errcheck

	return Load(f)
}

// Load decodes a YAML registry and validates every collection.
func Load(r io.Reader) (*Registry, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "registry: decode yaml")
	}

	reg := New()
	for i, spec := range file.Collections {
		coll, err := spec.build()
		if err != nil {
			return nil, eris.Wrapf(err, "registry: collection %d (%s)", i, spec.Name)
		}
		if err := reg.Register(Entry{FormID: spec.FormID, ShareToken: spec.ShareToken, Collection: coll}); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func (s CollectionSpec) build() (*model.TargetCollection, error) {
	schema, err := model.NewSchema(s.Fields)
	if err != nil {
		return nil, err
	}
	coll, err := model.NewTargetCollection(s.Name, s.Table, schema, s.Aliases)
	if err != nil {
		return nil, err
	}
	if s.ExternalIDField != "" {
		coll.ExternalIDField = s.ExternalIDField
	}
	return coll, nil
}
