package slidingsync

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"dario.cat/mergo"
)

// Registry holds the effective definition of every configured list.
type Registry struct {
	mu    sync.Mutex
	lists map[string]ListDefinition
}

// NewRegistry creates a registry seeded with the given lists.
func NewRegistry(seed map[string]ListDefinition) *Registry {
	r := &Registry{lists: make(map[string]ListDefinition, len(seed))}
	for id, def := range seed {
		r.lists[id] = cloneDefinition(def)
	}

	return r
}

// Get returns a copy of the list definition.
func (r *Registry) Get(listID string) (ListDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.lists[listID]
	if !ok {
		return ListDefinition{}, false
	}

	return cloneDefinition(def), true
}

// Set replaces the list definition.
func (r *Registry) Set(listID string, def ListDefinition) {
	r.mu.Lock()
	r.lists[listID] = cloneDefinition(def)
	r.mu.Unlock()
}

// SetRanges replaces only the ranges of an existing list.
func (r *Registry) SetRanges(listID string, ranges []Range) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def := r.lists[listID]
	def.Ranges = cloneRanges(ranges)
	r.lists[listID] = def
}

// ids returns the list ids in sorted order.
func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.lists))
	for id := range r.lists {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// MergeList applies update on top of existing, or on top of the new list
// template when the list does not exist. Fields set in update win.
func MergeList(existing ListDefinition, exists bool, update ListUpdate) (ListDefinition, error) {
	base := newListTemplate()
	if exists {
		base = cloneDefinition(existing)
	}

	patch := ListDefinition{
		Ranges:        update.Ranges,
		Sort:          update.Sort,
		RequiredState: update.RequiredState,
	}

	if err := mergo.Merge(&base, patch, mergo.WithOverride); err != nil {
		return ListDefinition{}, fmt.Errorf("merging list definition: %w", err)
	}

	// Filters replace wholesale rather than merging field by field, so an
	// update can drop a filter the previous definition had.
	if update.Filters != nil {
		base.Filters = cloneFilters(update.Filters)
	}

	if update.TimelineLimit != nil {
		base.TimelineLimit = *update.TimelineLimit
	}

	return cloneDefinition(base), nil
}

// EqualLists compares two definitions by value.
func EqualLists(a, b ListDefinition) bool {
	return reflect.DeepEqual(a, b)
}

func cloneDefinition(d ListDefinition) ListDefinition {
	out := d
	out.Ranges = cloneRanges(d.Ranges)
	out.RequiredState = cloneStateKeys(d.RequiredState)
	out.Filters = cloneFilters(d.Filters)

	if d.Sort != nil {
		out.Sort = append([]string(nil), d.Sort...)
	}

	return out
}

func cloneRanges(ranges []Range) []Range {
	if ranges == nil {
		return nil
	}

	out := make([]Range, len(ranges))
	copy(out, ranges)

	return out
}

func cloneFilters(f *ListFilters) *ListFilters {
	if f == nil {
		return nil
	}

	out := *f
	if f.IsDM != nil {
		out.IsDM = boolPtr(*f.IsDM)
	}

	if f.IsInvite != nil {
		out.IsInvite = boolPtr(*f.IsInvite)
	}

	if f.RoomTypes != nil {
		out.RoomTypes = append([]string(nil), f.RoomTypes...)
	}

	if f.Tags != nil {
		out.Tags = append([]string(nil), f.Tags...)
	}

	if f.NotTags != nil {
		out.NotTags = append([]string(nil), f.NotTags...)
	}

	return &out
}
