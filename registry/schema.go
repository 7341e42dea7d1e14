// CLAUDE:SUMMARY Baseline field table for registry records — per-field defaults and the additive (summed) flag.
package registry

// Field describes one baseline record field.
type Field struct {
	Name     string
	Default  any  // value given to records that do not supply the field; nil = absent
	Additive bool // updates and merges sum the field instead of replacing it
}

// Schema is the ordered baseline field table of a registry. Records may
// carry fields outside it; those have no default and are never additive.
type Schema []Field

// UserSchema is the baseline of the community user registry.
var UserSchema = Schema{
	{Name: "discord_id"},
	{Name: "discord_handle"},
	{Name: "twitter_id"},
	{Name: "twitter_handle"},
	{Name: "telegram_id"},
	{Name: "telegram_handle"},
	{Name: "wallet_address"},
	{Name: "token_id"},
	{Name: "points", Default: float64(0), Additive: true},
}

// Lookup returns the baseline entry for name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Additive reports whether name is an additive field.
func (s Schema) Additive(name string) bool {
	f, ok := s.Lookup(name)
	return ok && f.Additive
}
