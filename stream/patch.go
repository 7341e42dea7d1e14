package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
)

// patchOp is one RFC 6902 operation.
type patchOp struct {
	Op    string
	Path  string
	Value any
}

// MarshalJSON keeps "value" for add/replace even when it is null.
func (o patchOp) MarshalJSON() ([]byte, error) {
	if o.Op == "remove" {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{o.Op, o.Path, o.Value})
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// Diff returns the JSON Patch turning prior into next. Objects are diffed
// key by key (sorted) and arrays element by element: changed elements are
// patched in place, elements past the end of prior are added with
// ".../-" and a shrunk array loses its tail, last index first. The patch
// therefore costs the size of what changed, not the size of the document.
func Diff(prior, next Document) (json.RawMessage, error) {
	a, err := normalize(prior)
	if err != nil {
		return nil, fmt.Errorf("stream: diff prior: %w", err)
	}
	b, err := normalize(next)
	if err != nil {
		return nil, fmt.Errorf("stream: diff next: %w", err)
	}
	if a == nil {
		a = map[string]any{}
	}
	if b == nil {
		b = map[string]any{}
	}
	var ops []patchOp
	diffValue("", a, b, &ops)
	if ops == nil {
		ops = []patchOp{}
	}
	return json.Marshal(ops)
}

func diffValue(path string, a, b any, ops *[]patchOp) {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffObject(path, av, bv, ops)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffArray(path, av, bv, ops)
			return
		}
	}
	if !equalJSON(a, b) {
		*ops = append(*ops, patchOp{Op: "replace", Path: path, Value: b})
	}
}

func diffArray(path string, a, b []any, ops *[]patchOp) {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		diffValue(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	for i := len(a) - 1; i >= len(b); i-- {
		*ops = append(*ops, patchOp{Op: "remove", Path: path + "/" + strconv.Itoa(i)})
	}
	for _, item := range b[common:] {
		*ops = append(*ops, patchOp{Op: "add", Path: path + "/-", Value: item})
	}
}

func diffObject(path string, a, b map[string]any, ops *[]patchOp) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := path + "/" + pointerEscaper.Replace(k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case !inB:
			*ops = append(*ops, patchOp{Op: "remove", Path: p})
		case !inA:
			*ops = append(*ops, patchOp{Op: "add", Path: p, Value: bv})
		default:
			diffValue(p, av, bv, ops)
		}
	}
}

// applyPatch applies RFC 6902 operations to a JSON document.
func applyPatch(doc []byte, ops json.RawMessage) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if len(patch) == 0 {
		return doc, nil
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}

// normalize converts v to its plain JSON form (maps, slices, float64...).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeDocument returns a deep copy of doc in plain JSON form.
func NormalizeDocument(doc Document) (Document, error) {
	v, err := normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("stream: normalize document: %w", err)
	}
	m, _ := v.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return Document(m), nil
}

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// EqualDocuments reports whether a and b have the same JSON form.
func EqualDocuments(a, b Document) bool {
	return equalJSON(orEmpty(a), orEmpty(b))
}

// CommonPrefix returns how many leading elements a and b share.
func CommonPrefix(a, b []any) int {
	n := 0
	for n < len(a) && n < len(b) && equalJSON(a[n], b[n]) {
		n++
	}
	return n
}
