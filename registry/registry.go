// CLAUDE:SUMMARY Keyed record registry — ordered records with baseline defaults, lookups, update-or-create with additive fields, secondary-key merge.
// Package registry holds an ordered list of loosely-typed records plus a
// per-module side table, and knows how to consolidate duplicate records.
//
// Records are maps: fields materialise from whatever keys callers supply,
// a baseline Schema provides defaults, and fields outside the baseline are
// carried through untouched.
//
//	r := registry.New(registry.UserSchema)
//	r.UpdateOrCreate("discord_id", "d1", registry.Record{"points": 10})
//	report, err := r.MergeBySecondaryKey("wallet_address")
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Record is one registry entry. A nil value means the field is absent.
type Record map[string]any

// Match is a record together with its position in the registry.
type Match struct {
	Record Record `json:"record"`
	Index  int    `json:"index"`
}

// Registry is safe for concurrent use. Returned records are copies.
type Registry struct {
	mu         sync.RWMutex
	schema     Schema
	records    []Record
	moduleData map[string]any
}

// New returns an empty registry over schema.
func New(schema Schema) *Registry {
	return &Registry{
		schema:     schema,
		moduleData: make(map[string]any),
	}
}

// Schema returns the registry's baseline field table.
func (r *Registry) Schema() Schema { return r.schema }

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Records returns copies of all records in insertion order.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = Record(cloneMap(rec))
	}
	return out
}

// CreateRecord appends a record holding every baseline field plus every
// supplied field. Supplied values win; missing baseline fields get their
// default.
func (r *Registry) CreateRecord(fields Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.newRecord(fields)
	r.records = append(r.records, rec)
	return Record(cloneMap(rec))
}

func (r *Registry) newRecord(fields Record) Record {
	rec := make(Record, len(r.schema)+len(fields))
	for _, f := range r.schema {
		rec[f.Name] = cloneValue(f.Default)
	}
	for k, v := range fields {
		rec[k] = cloneValue(v)
	}
	return rec
}

// FindByField returns the first record whose field equals value. A nil
// value matches nothing.
func (r *Registry) FindByField(field string, value any) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexOf(field, value)
	if i < 0 {
		return Match{}, false
	}
	return Match{Record: Record(cloneMap(r.records[i])), Index: i}, true
}

// FindAllByField returns every record whose field equals value, in
// insertion order.
func (r *Registry) FindAllByField(field string, value any) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Match
	for _, i := range r.indicesOf(field, value) {
		out = append(out, Match{Record: Record(cloneMap(r.records[i])), Index: i})
	}
	return out
}

func (r *Registry) indexOf(field string, value any) int {
	if value == nil {
		return -1
	}
	key := canonical(value)
	for i, rec := range r.records {
		if v, ok := rec[field]; ok && v != nil && canonical(v) == key {
			return i
		}
	}
	return -1
}

func (r *Registry) indicesOf(field string, value any) []int {
	if value == nil {
		return nil
	}
	key := canonical(value)
	var out []int
	for i, rec := range r.records {
		if v, ok := rec[field]; ok && v != nil && canonical(v) == key {
			out = append(out, i)
		}
	}
	return out
}

// UpdateOrCreate updates the first record whose field equals value with
// patch, or creates {field: value} overlaid with patch when there is none. Patch
// values replace existing ones, except additive fields, which are summed.
// created reports which branch ran.
func (r *Registry) UpdateOrCreate(field string, value any, patch Record) (m Match, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(field, value)
	if i < 0 {
		fields := Record{field: value}
		for k, v := range patch {
			fields[k] = v
		}
		for k, v := range fields {
			if v == nil || !r.schema.Additive(k) {
				continue
			}
			total, err := sum(k, v)
			if err != nil {
				return Match{}, false, err
			}
			fields[k] = total
		}
		rec := r.newRecord(fields)
		r.records = append(r.records, rec)
		return Match{Record: Record(cloneMap(rec)), Index: len(r.records) - 1}, true, nil
	}

	old := r.records[i]
	next := Record(cloneMap(old))
	for k, v := range patch {
		if r.schema.Additive(k) {
			total, err := sum(k, old[k], v)
			if err != nil {
				return Match{}, false, err
			}
			next[k] = total
			continue
		}
		next[k] = cloneValue(v)
	}
	r.records[i] = next
	return Match{Record: Record(cloneMap(next)), Index: i}, false, nil
}

// MergeReport summarises a MergeBySecondaryKey pass.
type MergeReport struct {
	Key     string `json:"key"`
	Groups  int    `json:"groups"`  // groups consolidated
	Removed int    `json:"removed"` // records removed, before the consolidated ones were appended
}

// MergeBySecondaryKey consolidates records sharing a non-absent value of
// key. Groups are handled in order of first appearance. Additive fields
// are summed; other fields must agree on a single non-absent value or the
// pass stops with a *MergeConflict. Groups merged before the conflict stay
// merged; the conflicting group is left as is.
func (r *Registry) MergeBySecondaryKey(key string) (MergeReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := MergeReport{Key: key}
	var order []any
	seen := make(map[string]bool)
	for _, rec := range r.records {
		v := rec[key]
		if v == nil {
			continue
		}
		c := canonical(v)
		if !seen[c] {
			seen[c] = true
			order = append(order, v)
		}
	}

	for _, kv := range order {
		idx := r.indicesOf(key, kv)
		if len(idx) < 2 {
			continue
		}
		merged, err := r.consolidate(key, kv, idx)
		if err != nil {
			return report, err
		}
		sort.Sort(sort.Reverse(sort.IntSlice(idx)))
		for _, i := range idx {
			r.records = append(r.records[:i], r.records[i+1:]...)
		}
		r.records = append(r.records, merged)
		report.Groups++
		report.Removed += len(idx)
	}
	return report, nil
}

func (r *Registry) consolidate(key string, kv any, idx []int) (Record, error) {
	var fields []string
	known := make(map[string]bool)
	for _, i := range idx {
		names := make([]string, 0, len(r.records[i]))
		for name := range r.records[i] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if name != key && !known[name] {
				known[name] = true
				fields = append(fields, name)
			}
		}
	}

	resolved := make(Record, len(fields)+1)
	for _, name := range fields {
		var values []any
		for _, i := range idx {
			if v := r.records[i][name]; v != nil {
				values = append(values, v)
			}
		}
		if r.schema.Additive(name) {
			total, err := sum(name, values...)
			if err != nil {
				return nil, err
			}
			resolved[name] = total
			continue
		}
		distinct := distinctValues(values)
		switch len(distinct) {
		case 0:
			resolved[name] = nil
		case 1:
			resolved[name] = distinct[0]
		default:
			return nil, &MergeConflict{Key: key, KeyValue: kv, Field: name, Values: distinct}
		}
	}
	resolved[key] = kv
	return r.newRecord(resolved), nil
}

func distinctValues(values []any) []any {
	var out []any
	seen := make(map[string]bool)
	for _, v := range values {
		c := canonical(v)
		if !seen[c] {
			seen[c] = true
			out = append(out, v)
		}
	}
	return out
}

// ModuleData returns a copy of the side-table entry for module.
func (r *Registry) ModuleData(module string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.moduleData[module]
	return cloneValue(v), ok
}

// SetModuleData replaces the side-table entry for module. The value is
// opaque to the registry but must be JSON-encodable to survive Document.
func (r *Registry) SetModuleData(module string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleData[module] = cloneValue(v)
}

// Points returns the additive total of rec, or an error if it is not a number.
func Points(rec Record) (float64, error) {
	f, err := sum("points", rec["points"])
	if err != nil {
		return 0, fmt.Errorf("registry: %w", err)
	}
	return f, nil
}
