package registry

import "testing"

func seeded() *Registry {
	r := New(UserSchema)
	r.CreateRecord(Record{"discord_id": "a", "points": 5})
	r.CreateRecord(Record{"discord_id": "b", "points": 50, "wallet_address": "0x1"})
	r.CreateRecord(Record{"discord_id": "c", "points": 20})
	r.CreateRecord(Record{"discord_id": "d", "points": 50})
	return r
}

func TestSelect(t *testing.T) {
	r := seeded()
	got, err := r.Select(`points >= 20 && wallet_address == nil`)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 || got[0].Record["discord_id"] != "c" || got[1].Record["discord_id"] != "d" {
		t.Fatalf("Select = %+v", got)
	}

	got, err = r.Select(`nickname == "zed"`)
	if err != nil || len(got) != 0 {
		t.Fatalf("undefined field: %v %v", got, err)
	}
}

func TestSelect_Errors(t *testing.T) {
	r := seeded()
	if _, err := r.Select(`points >=`); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := r.Select(`discord_id`); err == nil {
		t.Fatal("expected non-bool error")
	}
}

func TestLeaderboard(t *testing.T) {
	r := seeded()
	top := r.Leaderboard(3)
	if len(top) != 3 {
		t.Fatalf("len = %d", len(top))
	}
	ids := []string{top[0].Record["discord_id"].(string), top[1].Record["discord_id"].(string), top[2].Record["discord_id"].(string)}
	if ids[0] != "b" || ids[1] != "d" || ids[2] != "c" {
		t.Fatalf("order = %v", ids)
	}
	if len(r.Leaderboard(0)) != 4 {
		t.Fatal("n=0 should return everything")
	}
}
