package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCreateRecord_Defaults(t *testing.T) {
	r := New(UserSchema)
	rec := r.CreateRecord(Record{})

	if len(rec) != len(UserSchema) {
		t.Fatalf("record has %d fields, want %d", len(rec), len(UserSchema))
	}
	for _, f := range UserSchema {
		v, ok := rec[f.Name]
		if !ok {
			t.Errorf("field %s missing", f.Name)
			continue
		}
		if f.Additive {
			if v != float64(0) {
				t.Errorf("%s = %v, want 0", f.Name, v)
			}
		} else if v != nil {
			t.Errorf("%s = %v, want absent", f.Name, v)
		}
	}
}

func TestCreateRecord_KeepsUnknownFields(t *testing.T) {
	r := New(UserSchema)
	rec := r.CreateRecord(Record{"discord_id": "d1", "favourite_colour": "teal"})
	if rec["discord_id"] != "d1" || rec["favourite_colour"] != "teal" {
		t.Fatalf("rec = %v", rec)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestFindByField(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"discord_id": "a", "wallet_address": "0x1"})
	r.CreateRecord(Record{"discord_id": "b", "wallet_address": "0x1"})
	r.CreateRecord(Record{"discord_id": "c", "wallet_address": "0x2"})

	m, ok := r.FindByField("wallet_address", "0x1")
	if !ok || m.Index != 0 || m.Record["discord_id"] != "a" {
		t.Fatalf("FindByField = %+v %v", m, ok)
	}
	if _, ok := r.FindByField("wallet_address", "0x9"); ok {
		t.Fatal("unexpected match")
	}
	if _, ok := r.FindByField("twitter_id", nil); ok {
		t.Fatal("nil value should match nothing")
	}

	all := r.FindAllByField("wallet_address", "0x1")
	if len(all) != 2 || all[0].Index != 0 || all[1].Index != 1 {
		t.Fatalf("FindAllByField = %+v", all)
	}
}

func TestFindByField_NumericEquality(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"token_id": float64(7)})
	if _, ok := r.FindByField("token_id", 7); !ok {
		t.Fatal("int 7 should match float64 7")
	}
}

func TestFindByField_ReturnsCopy(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"discord_id": "a"})
	m, _ := r.FindByField("discord_id", "a")
	m.Record["discord_id"] = "mutated"
	if _, ok := r.FindByField("discord_id", "a"); !ok {
		t.Fatal("registry state changed through a returned record")
	}
}

func TestUpdateOrCreate(t *testing.T) {
	r := New(UserSchema)

	m, created, err := r.UpdateOrCreate("discord_id", "d1", Record{"points": 10, "discord_handle": "alice"})
	if err != nil || !created || m.Index != 0 {
		t.Fatalf("first call: %+v %v %v", m, created, err)
	}
	if m.Record["discord_id"] != "d1" || m.Record["twitter_id"] != nil {
		t.Fatalf("created record = %v", m.Record)
	}

	m, created, err = r.UpdateOrCreate("discord_id", "d1", Record{"points": 5, "discord_handle": "alice2", "twitter_id": "t1"})
	if err != nil || created {
		t.Fatalf("second call: %v %v", created, err)
	}
	want := Record{
		"discord_id": "d1", "discord_handle": "alice2", "twitter_id": "t1",
		"twitter_handle": nil, "telegram_id": nil, "telegram_handle": nil,
		"wallet_address": nil, "token_id": nil, "points": float64(15),
	}
	if diff := cmp.Diff(want, m.Record); diff != "" {
		t.Fatalf("updated record (-want +got):\n%s", diff)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestUpdateOrCreate_CreateOverlaysPatch(t *testing.T) {
	r := New(UserSchema)

	m, created, err := r.UpdateOrCreate("discord_id", "d1", Record{"discord_id": "d1-renamed", "points": 3})
	if err != nil || !created {
		t.Fatalf("UpdateOrCreate: %v %v", created, err)
	}
	if m.Record["discord_id"] != "d1-renamed" {
		t.Fatalf("discord_id = %v, want the patch value", m.Record["discord_id"])
	}
	if p, ok := m.Record["points"].(float64); !ok || p != 3 {
		t.Fatalf("points = %#v, want float64(3)", m.Record["points"])
	}

	m, _, _ = r.UpdateOrCreate("discord_id", "d2", Record{"points": nil})
	if m.Record["points"] != nil {
		t.Fatalf("null points = %#v, want nil", m.Record["points"])
	}
}

func TestUpdateOrCreate_AdditiveWithoutPatchKeepsValue(t *testing.T) {
	r := New(UserSchema)
	r.UpdateOrCreate("discord_id", "d1", Record{"points": 10})
	m, _, _ := r.UpdateOrCreate("discord_id", "d1", Record{"discord_handle": "x"})
	if f, _ := Points(m.Record); f != 10 {
		t.Fatalf("points = %v, want 10", m.Record["points"])
	}
}

func TestUpdateOrCreate_NonNumericPoints(t *testing.T) {
	r := New(UserSchema)
	r.UpdateOrCreate("discord_id", "d1", Record{"points": 1})
	_, _, err := r.UpdateOrCreate("discord_id", "d1", Record{"points": "lots"})
	if !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric, got %v", err)
	}
	if _, _, err := r.UpdateOrCreate("discord_id", "d2", Record{"points": "lots"}); !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric on create, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestMerge_AdditivePoints(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"wallet_address": "0xabc", "points": 10, "discord_id": "d1"})
	r.CreateRecord(Record{"wallet_address": "0xabc", "points": 15, "twitter_handle": "al"})

	report, err := r.MergeBySecondaryKey("wallet_address")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if report.Groups != 1 || report.Removed != 2 {
		t.Fatalf("report = %+v", report)
	}
	recs := r.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	got := recs[0]
	if got["points"] != float64(25) || got["discord_id"] != "d1" || got["twitter_handle"] != "al" || got["wallet_address"] != "0xabc" {
		t.Fatalf("merged = %v", got)
	}
}

func TestMerge_EqualValuesCollapse(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"wallet_address": "0xabc", "discord_id": "d1", "token_id": 3})
	r.CreateRecord(Record{"wallet_address": "0xabc", "discord_id": "d1", "token_id": float64(3)})
	if _, err := r.MergeBySecondaryKey("wallet_address"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestMerge_Conflict(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"wallet_address": "0xabc", "twitter_handle": "a"})
	r.CreateRecord(Record{"wallet_address": "0xabc", "twitter_handle": "b"})
	before := r.Records()

	_, err := r.MergeBySecondaryKey("wallet_address")
	var conflict *MergeConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MergeConflict, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatal("errors.Is(err, ErrConflict) = false")
	}
	if conflict.Field != "twitter_handle" || conflict.KeyValue != "0xabc" {
		t.Fatalf("conflict = %+v", conflict)
	}
	if diff := cmp.Diff([]any{"a", "b"}, conflict.Values); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, r.Records()); diff != "" {
		t.Fatalf("records changed (-want +got):\n%s", diff)
	}
}

func TestMerge_EarlierGroupsStayMerged(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"wallet_address": "0x1", "points": 1})
	r.CreateRecord(Record{"wallet_address": "0x2", "discord_id": "x"})
	r.CreateRecord(Record{"wallet_address": "0x1", "points": 2})
	r.CreateRecord(Record{"wallet_address": "0x2", "discord_id": "y"})
	r.CreateRecord(Record{"discord_id": "loner"})

	report, err := r.MergeBySecondaryKey("wallet_address")
	if err == nil {
		t.Fatal("expected conflict on 0x2")
	}
	if report.Groups != 1 {
		t.Fatalf("report = %+v", report)
	}

	recs := r.Records()
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	last := recs[len(recs)-1]
	if last["wallet_address"] != "0x1" || last["points"] != float64(3) {
		t.Fatalf("consolidated = %v", last)
	}
	if len(r.FindAllByField("wallet_address", "0x2")) != 2 {
		t.Fatal("conflicting group should be untouched")
	}
}

func TestMerge_SkipsAbsentKeyAndSingletons(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"discord_id": "a"})
	r.CreateRecord(Record{"discord_id": "b"})
	r.CreateRecord(Record{"wallet_address": "0x1"})

	report, err := r.MergeBySecondaryKey("wallet_address")
	if err != nil || report.Groups != 0 || r.Len() != 3 {
		t.Fatalf("report = %+v err = %v len = %d", report, err, r.Len())
	}
}

func TestMerge_MultipleGroupsOrder(t *testing.T) {
	r := New(UserSchema)
	r.CreateRecord(Record{"wallet_address": "0xA", "points": 1})
	r.CreateRecord(Record{"wallet_address": "0xB", "points": 2})
	r.CreateRecord(Record{"discord_id": "keep"})
	r.CreateRecord(Record{"wallet_address": "0xB", "points": 3})
	r.CreateRecord(Record{"wallet_address": "0xA", "points": 4})

	report, err := r.MergeBySecondaryKey("wallet_address")
	if err != nil || report.Groups != 2 || report.Removed != 4 {
		t.Fatalf("report = %+v err = %v", report, err)
	}
	recs := r.Records()
	if len(recs) != 3 || recs[0]["discord_id"] != "keep" {
		t.Fatalf("records = %v", recs)
	}
	if recs[1]["wallet_address"] != "0xA" || recs[1]["points"] != float64(5) {
		t.Fatalf("first merged = %v", recs[1])
	}
	if recs[2]["wallet_address"] != "0xB" || recs[2]["points"] != float64(5) {
		t.Fatalf("second merged = %v", recs[2])
	}
}

func TestModuleData(t *testing.T) {
	r := New(UserSchema)
	if _, ok := r.ModuleData("quests"); ok {
		t.Fatal("unexpected module data")
	}
	r.SetModuleData("quests", map[string]any{"open": []any{"q1"}})
	v, ok := r.ModuleData("quests")
	if !ok {
		t.Fatal("module data missing")
	}
	v.(map[string]any)["open"] = nil
	v2, _ := r.ModuleData("quests")
	if v2.(map[string]any)["open"] == nil {
		t.Fatal("module data mutated through returned copy")
	}
}
