// Package listconfig loads list presets from a YAML file and reapplies
// them to a running controller whenever the file changes.
package listconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout:
//
//	lists:
//	  dms:
//	    ranges: [[0, 20]]
//	    timeline_limit: 1
//	    filters:
//	      is_dm: true
type File struct {
	Lists map[string]slidingsync.ListUpdate `yaml:"lists"`
}

// Load reads and validates a presets file.
func Load(path string) (map[string]slidingsync.ListUpdate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading list presets: %w", err)
	}

	lists, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return lists, nil
}

// Parse decodes and validates presets. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func Parse(data []byte) (map[string]slidingsync.ListUpdate, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	if f.Lists == nil {
		f.Lists = make(map[string]slidingsync.ListUpdate)
	}

	for id, u := range f.Lists {
		if err := validate(id, u); err != nil {
			return nil, err
		}
	}

	return f.Lists, nil
}

func validate(id string, u slidingsync.ListUpdate) error {
	if id == "" {
		return fmt.Errorf("list with empty id")
	}

	for i, r := range u.Ranges {
		if r[0] < 0 || r[1] < r[0] {
			return fmt.Errorf("list %q: range %d [%d, %d] is invalid", id, i, r[0], r[1])
		}
	}

	if u.TimelineLimit != nil && *u.TimelineLimit < 0 {
		return fmt.Errorf("list %q: timeline_limit must not be negative", id)
	}

	return nil
}

// Definitions resolves presets into the full list set registered when a
// session starts: built-in lists patched by matching presets, plus any
// new lists built from the new-list template.
func Definitions(updates map[string]slidingsync.ListUpdate) (map[string]slidingsync.ListDefinition, error) {
	out := slidingsync.InitialLists()

	for _, id := range sortedIDs(updates) {
		existing, exists := out[id]

		def, err := slidingsync.MergeList(existing, exists, updates[id])
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", id, err)
		}

		out[id] = def
	}

	return out, nil
}

// Configurer is the part of the controller presets are applied through.
type Configurer interface {
	ConfigureList(ctx context.Context, listID string, update slidingsync.ListUpdate) (slidingsync.ListDefinition, error)
}

// Apply pushes every preset through target in list id order. It keeps
// going after a failure and returns all failures joined.
func Apply(ctx context.Context, target Configurer, updates map[string]slidingsync.ListUpdate) error {
	var errs []error

	for _, id := range sortedIDs(updates) {
		if _, err := target.ConfigureList(ctx, id, updates[id]); err != nil {
			errs = append(errs, fmt.Errorf("list %q: %w", id, err))

			if ctx.Err() != nil {
				break
			}
		}
	}

	return errors.Join(errs...)
}

func sortedIDs(m map[string]slidingsync.ListUpdate) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
