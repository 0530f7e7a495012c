// Package registry resolves provider form ids to the local collections they
// sync into. A Registry is built once at startup and read-only afterwards.
package registry

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/fulcrum-sync/internal/model"
)

// ErrNotFound is returned by Resolve for forms that are not synced.
var ErrNotFound = eris.New("registry: form not registered")

// Entry binds a provider form to its data share and target collection.
type Entry struct {
	FormID     string
	ShareToken string
	Collection *model.TargetCollection
}

// Registry maps form ids to entries.
type Registry struct {
	entries map[string]Entry
	order   []string // insertion order for deterministic iteration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register adds an entry. Form ids must be unique.
func (r *Registry) Register(e Entry) error {
	if e.FormID == "" {
		return eris.New("registry: entry has no form id")
	}
	if e.ShareToken == "" {
		return eris.Errorf("registry: form %s has no share token", e.FormID)
	}
	if e.Collection == nil {
		return eris.Errorf("registry: form %s has no collection", e.FormID)
	}
	if err := e.Collection.Validate(); err != nil {
		return eris.Wrapf(err, "registry: form %s", e.FormID)
	}
	if _, dup := r.entries[e.FormID]; dup {
		return eris.Errorf("registry: form %s registered twice", e.FormID)
	}
	r.entries[e.FormID] = e
	r.order = append(r.order, e.FormID)
	return nil
}

// Resolve returns the entry for a form id, or ErrNotFound.
func (r *Registry) Resolve(formID string) (Entry, error) {
	e, ok := r.entries[formID]
	if !ok {
		return Entry{}, eris.Wrapf(ErrNotFound, "form %q", formID)
	}
	return e, nil
}

// ByName returns the entry whose collection has the given name.
func (r *Registry) ByName(name string) (Entry, error) {
	for _, id := range r.order {
		if r.entries[id].Collection.Name == name {
			return r.entries[id], nil
		}
	}
	return Entry{}, eris.Wrapf(ErrNotFound, "collection %q", name)
}

// Lookup resolves either a form id or a collection name, for CLI use.
func (r *Registry) Lookup(key string) (Entry, error) {
	if e, err := r.Resolve(key); err == nil {
		return e, nil
	}
	return r.ByName(key)
}

// All returns all entries in registration order.
func (r *Registry) All() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Len returns the number of registered forms.
func (r *Registry) Len() int {
	return len(r.order)
}
