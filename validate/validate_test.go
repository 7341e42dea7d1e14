package validate

import (
	"errors"
	"testing"

	"github.com/hazyhaar/streamreg/stream"
)

func TestRegistry_AcceptsWellFormed(t *testing.T) {
	v := Registry()
	doc := stream.Document{
		"users": []map[string]any{
			{"discord_id": "d1", "points": 10},
			{"discord_id": "d2", "points": nil},
		},
		"module_data": map[string]any{"quests": map[string]any{"open": 3}},
	}
	if err := v.Validate(doc); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRegistry_RejectsMalformed(t *testing.T) {
	v := Registry()
	cases := map[string]stream.Document{
		"missing users":  {"module_data": map[string]any{}},
		"users not list": {"users": "nope"},
		"points string":  {"users": []any{map[string]any{"points": "ten"}}},
		"user not obj":   {"users": []any{42}},
	}
	for name, doc := range cases {
		if err := v.Validate(doc); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidate_NilDocument(t *testing.T) {
	if err := Registry().Validate(nil); err == nil {
		t.Fatal("expected error for nil document")
	}
}

func TestNew_BadSchema(t *testing.T) {
	if _, err := New([]byte(`{"type":`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestClient_ValidatorBlocksCreate(t *testing.T) {
	c := stream.NewClient(nil, nil, stream.WithValidator(Registry()))
	_, err := c.CreateStream(t.Context(), stream.Identity{}, stream.Document{"users": 1}, stream.Metadata{})
	if !errors.Is(err, stream.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
