package matrixclient

import "testing"

func TestUserCache_ObserveUpdatesDisplayName(t *testing.T) {
	c := newUserCache()
	c.observe("@bob:hs", "Bob", "")
	u := c.getOrCreate("@bob:hs")
	if u.DisplayName() != "Bob" {
		t.Fatalf("expected Bob, got %q", u.DisplayName())
	}
}

func TestUser_DisplayNameFallsBackToID(t *testing.T) {
	c := newUserCache()
	u := c.getOrCreate("@nodisplayname:hs")
	if u.DisplayName() != "@nodisplayname:hs" {
		t.Fatalf("expected fallback to id, got %q", u.DisplayName())
	}
}

func TestUserCache_ObserveDoesNotClearExistingFieldsWithEmptyUpdates(t *testing.T) {
	c := newUserCache()
	c.observe("@bob:hs", "Bob", "mxc://avatar")
	c.observe("@bob:hs", "", "")
	u := c.getOrCreate("@bob:hs")
	if u.DisplayName() != "Bob" || u.AvatarURL() != "mxc://avatar" {
		t.Fatalf("expected fields preserved, got name=%q avatar=%q", u.DisplayName(), u.AvatarURL())
	}
}
