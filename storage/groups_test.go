package storage

import (
	"errors"
	"testing"

	"ledgerchat/address"
	"ledgerchat/models"
)

func TestSaveGroupsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	groups := []models.Group{
		{ID: "group_1_a", Address: testKey(1), Name: "old", Creator: testKey(10), CreatedAt: 1,
			Participants: []address.PublicKey{testKey(10), testKey(12), testKey(11)}},
		{ID: "group_2_b", Address: testKey(2), Name: "new", Creator: testKey(11), CreatedAt: 2,
			Participants: []address.PublicKey{testKey(11)}},
	}
	if err := store.SaveGroups(groups); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}

	got, err := store.GetGroup("group_1_a")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if got.Name != "old" || got.Creator != testKey(10) || len(got.Participants) != 3 || got.Participants[1] != testKey(12) {
		t.Fatalf("unexpected group %+v", got)
	}

	listed, err := store.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "group_2_b" || len(listed[1].Participants) != 3 {
		t.Fatalf("unexpected listing %+v", listed)
	}

	if err := store.SaveGroups(groups[1:]); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	if _, err := store.GetGroup("group_1_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after replacement, got %v", err)
	}
	var members int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM group_members WHERE group_id = ?`, "group_1_a").Scan(&members); err != nil {
		t.Fatalf("count members: %v", err)
	}
	if members != 0 {
		t.Fatalf("members must cascade with their group, got %d", members)
	}
}

func TestSaveGroupsRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveGroups([]models.Group{{Name: "nameless"}}); err == nil {
		t.Fatalf("expected missing id error")
	}
}
