package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict is matched by every *MergeConflict.
var ErrConflict = errors.New("registry: merge conflict")

// ErrNotNumeric is returned when an additive field holds a non-number.
var ErrNotNumeric = errors.New("registry: additive field is not a number")

// MergeConflict reports a non-additive field with distinct values across
// records that share a secondary key. The conflicting group is left
// untouched.
type MergeConflict struct {
	Key      string // secondary key used for grouping
	KeyValue any    // shared value of Key
	Field    string // field whose values disagree
	Values   []any  // distinct non-absent values, first-seen order
}

func (e *MergeConflict) Error() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("registry: merge conflict on %s=%v: field %q has values [%s]",
		e.Key, e.KeyValue, e.Field, strings.Join(vals, ", "))
}

func (e *MergeConflict) Is(target error) bool { return target == ErrConflict }
