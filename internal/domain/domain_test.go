package domain

import "testing"

func TestChatTypeValid(t *testing.T) {
	cases := map[ChatType]bool{
		ChatText:  true,
		ChatVideo: true,
		ChatNone:  false,
		ChatType("bogus"): false,
	}
	for ct, want := range cases {
		if got := ct.Valid(); got != want {
			t.Fatalf("ChatType(%q).Valid() = %v, want %v", ct, got, want)
		}
	}
}

func TestGenderValid(t *testing.T) {
	cases := map[Gender]bool{
		GenderMale:      true,
		GenderFemale:    true,
		GenderOther:     true,
		GenderUnset:     true,
		Gender("bogus"): false,
	}
	for g, want := range cases {
		if got := g.Valid(); got != want {
			t.Fatalf("Gender(%q).Valid() = %v, want %v", g, got, want)
		}
	}
}

func TestOnlineUserHasInterest(t *testing.T) {
	u := &OnlineUser{Interests: []string{"music", "games"}}
	if !u.HasInterest("music") {
		t.Fatal("expected music to be present")
	}
	if u.HasInterest("sports") {
		t.Fatal("sports should not be present")
	}
}

func TestOnlineUserOverlapCount(t *testing.T) {
	u := &OnlineUser{Interests: []string{"music", "games", "books"}}
	if got := u.OverlapCount([]string{"games", "travel"}); got != 1 {
		t.Fatalf("expected overlap 1, got %d", got)
	}
	if got := u.OverlapCount(nil); got != 0 {
		t.Fatalf("expected overlap 0 for nil, got %d", got)
	}
}

func TestOnlineUserCloneIsIndependent(t *testing.T) {
	u := &OnlineUser{ID: "u1", Interests: []string{"music"}}
	cp := u.Clone()
	cp.Interests[0] = "games"
	if u.Interests[0] != "music" {
		t.Fatal("mutating the clone's interests should not affect the original")
	}
	if cp.ID != "u1" {
		t.Fatalf("expected cloned ID to match, got %s", cp.ID)
	}
}

func TestOnlineUserCloneNil(t *testing.T) {
	var u *OnlineUser
	if u.Clone() != nil {
		t.Fatal("cloning a nil user should return nil")
	}
}
