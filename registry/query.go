package registry

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
)

// Select returns the records for which the boolean expression holds.
// Record fields are the expression's variables; missing ones are nil.
//
//	r.Select(`points >= 100 && wallet_address != nil`)
func (r *Registry) Select(expression string) ([]Match, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("registry: compile %q: %w", expression, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Match
	for i, rec := range r.records {
		res, err := expr.Run(program, map[string]any(rec))
		if err != nil {
			return nil, fmt.Errorf("registry: eval record %d: %w", i, err)
		}
		ok, isBool := res.(bool)
		if !isBool {
			return nil, fmt.Errorf("registry: expression %q returned %T, want bool", expression, res)
		}
		if ok {
			out = append(out, Match{Record: Record(cloneMap(rec)), Index: i})
		}
	}
	return out, nil
}

// Leaderboard returns up to n records ordered by points, highest first.
// Ties keep insertion order. Records with non-numeric points rank as zero.
// n <= 0 returns every record.
func (r *Registry) Leaderboard(n int) []Match {
	r.mu.RLock()
	all := make([]Match, len(r.records))
	for i, rec := range r.records {
		all[i] = Match{Record: Record(cloneMap(rec)), Index: i}
	}
	r.mu.RUnlock()

	score := func(m Match) float64 {
		f, _ := Points(m.Record)
		return f
	}
	sort.SliceStable(all, func(i, j int) bool { return score(all[i]) > score(all[j]) })
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}
