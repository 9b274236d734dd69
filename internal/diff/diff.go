// Package diff computes structural differences between the stored and the
// observed serialized view of an asset and derives the next version.
package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/nucleus/collector/internal/core"
)

// Kind classifies a single change.
type Kind string

const (
	FieldChanged Kind = "FIELD_CHANGED"
	Added        Kind = "ADDED"
	Removed      Kind = "REMOVED"
	Modified     Kind = "MODIFIED"
)

// listFields are embedded lists matched element-wise by name.
var listFields = map[string]struct{}{
	"columns":     {},
	"constraints": {},
}

// bookkeeping fields never take part in a comparison.
var ignoredFields = map[string]struct{}{
	"id":         {},
	"version":    {},
	"updated_at": {},
	"created_at": {},
	"tree":       {},
}

var ignoredElementFields = map[string]struct{}{
	"id":         {},
	"table_id":   {},
	"created_at": {},
	"updated_at": {},
}

// editable fields are subject to the override policy.
var editableFields = map[string]struct{}{
	"description":  {},
	"display_name": {},
}

// Change is one typed difference. Element and Attribute are set for list
// fields only.
type Change struct {
	Kind      Kind
	Field     string
	Element   string
	Attribute string
	Old       any
	New       any
}

func (c Change) String() string {
	switch c.Kind {
	case FieldChanged:
		return fmt.Sprintf("FIELD_CHANGED(%s, %v, %v)", c.Field, c.Old, c.New)
	case Added, Removed:
		return fmt.Sprintf("%s(%s.%s)", c.Kind, c.Field, c.Element)
	default:
		return fmt.Sprintf("MODIFIED(%s.%s.%s, %v, %v)", c.Field, c.Element, c.Attribute, c.Old, c.New)
	}
}

// Result is the outcome of Compare.
type Result struct {
	Changes []Change
}

// Empty reports whether the two views were equal.
func (r Result) Empty() bool { return len(r.Changes) == 0 }

// Lines renders each change for the execution log.
func (r Result) Lines() []string {
	lines := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		lines[i] = c.String()
	}
	return lines
}

// Option tunes a comparison.
type Option func(*options)

type options struct {
	policy core.OverridePolicy
}

// WithOverridePolicy controls whether observed descriptions and display
// names replace the ones stored in the catalog.
func WithOverridePolicy(p core.OverridePolicy) Option {
	return func(o *options) { o.policy = p }
}

func buildOptions(opts []Option) options {
	o := options{policy: core.OverrideAll}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// View serializes an asset into the map form compared by this package.
func View(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize asset: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("deserialize asset view: %w", err)
	}
	return m, nil
}

// Compare diffs current against observed. Only fields present in observed
// are compared: catalog-managed fields the connectors never produce are
// left alone.
func Compare(current, observed map[string]any, opts ...Option) Result {
	o := buildOptions(opts)
	var res Result

	for _, field := range sortedKeys(observed) {
		if _, skip := ignoredFields[field]; skip {
			continue
		}
		newVal := observed[field]
		oldVal := currentValue(current, field)

		if _, isList := listFields[field]; isList {
			res.Changes = append(res.Changes, compareList(field, oldVal, newVal)...)
			continue
		}
		if _, editable := editableFields[field]; editable && !o.overrides(oldVal) {
			continue
		}
		if !equal(oldVal, newVal) {
			res.Changes = append(res.Changes, Change{Kind: FieldChanged, Field: field, Old: oldVal, New: newVal})
		}
	}
	return res
}

// Apply returns current with every compared scalar overwritten by observed,
// lists replaced wholesale, and MAJOR bumped when res is non-empty.
func Apply(current, observed map[string]any, res Result, opts ...Option) map[string]any {
	o := buildOptions(opts)
	merged := make(map[string]any, len(current)+len(observed))
	for k, v := range current {
		merged[k] = v
	}
	for field, v := range observed {
		if _, skip := ignoredFields[field]; skip {
			continue
		}
		if _, editable := editableFields[field]; editable && !o.overrides(currentValue(current, field)) {
			continue
		}
		merged[field] = v
	}

	version := VersionOf(current)
	if !res.Empty() {
		version = version.BumpMajor()
	}
	merged["version"] = version.String()
	return merged
}

// VersionOf reads the version field of a view, defaulting to 0.0.0.
func VersionOf(view map[string]any) core.Version {
	s, _ := view["version"].(string)
	v, err := core.ParseVersion(s)
	if err != nil {
		return core.Version{}
	}
	return v
}

func (o options) overrides(current any) bool {
	switch o.policy {
	case core.OverrideNone:
		return false
	case core.OverrideMissing:
		return isZero(current)
	default:
		return true
	}
}

// currentValue resolves reference fields: for "<x>_id" the stored value may
// be the nested object "<x>" whose id is compared.
func currentValue(current map[string]any, field string) any {
	v, ok := current[field]
	if strings.HasSuffix(field, "_id") {
		if nested, isMap := v.(map[string]any); isMap {
			return nested["id"]
		}
		if !ok {
			if nested, isMap := current[strings.TrimSuffix(field, "_id")].(map[string]any); isMap {
				return nested["id"]
			}
		}
	}
	return v
}

func compareList(field string, oldVal, newVal any) []Change {
	oldItems := indexByName(oldVal)
	newItems := indexByName(newVal)
	var changes []Change

	for _, name := range sortedKeys(newItems) {
		n := newItems[name]
		o, ok := oldItems[name]
		if !ok {
			changes = append(changes, Change{Kind: Added, Field: field, Element: name, New: n})
			continue
		}
		attrs := map[string]any{}
		for k := range o {
			attrs[k] = nil
		}
		for k := range n {
			attrs[k] = nil
		}
		for _, attr := range sortedKeys(attrs) {
			if _, skip := ignoredElementFields[attr]; skip {
				continue
			}
			if !equal(o[attr], n[attr]) {
				changes = append(changes, Change{
					Kind: Modified, Field: field, Element: name, Attribute: attr,
					Old: o[attr], New: n[attr],
				})
			}
		}
	}
	for _, name := range sortedKeys(oldItems) {
		if _, ok := newItems[name]; !ok {
			changes = append(changes, Change{Kind: Removed, Field: field, Element: name, Old: oldItems[name]})
		}
	}
	return changes
}

func indexByName(v any) map[string]map[string]any {
	out := map[string]map[string]any{}
	items, _ := v.([]any)
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		out[name] = m
	}
	return out
}

// equal treats an absent value and a zero value as the same, since the
// wire format omits empty fields.
func equal(a, b any) bool {
	if isZero(a) && isZero(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
