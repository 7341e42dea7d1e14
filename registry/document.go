package registry

import (
	"encoding/json"
	"fmt"
)

// Document returns the registry in its persisted layout:
// {"users": [...], "module_data": {...}}.
func (r *Registry) Document() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]any, len(r.records))
	for i, rec := range r.records {
		users[i] = cloneMap(rec)
	}
	return map[string]any{
		"users":       users,
		"module_data": cloneMap(r.moduleData),
	}
}

type persisted struct {
	Users      []Record       `json:"users"`
	ModuleData map[string]any `json:"module_data"`
}

// Load replaces the registry contents with doc. Unknown record fields are
// kept as they are; baseline fields are not back-filled.
func (r *Registry) Load(doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: encode document: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("registry: decode document: %w", err)
	}
	for i, rec := range p.Users {
		if rec == nil {
			return fmt.Errorf("registry: users[%d] is null", i)
		}
	}
	if p.ModuleData == nil {
		p.ModuleData = make(map[string]any)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = p.Users
	r.moduleData = p.ModuleData
	return nil
}
