package storage

import (
	"testing"

	"ledgerchat/models"
	"ledgerchat/protocol"
)

func TestSaveMessagesReplacesScopeSnapshot(t *testing.T) {
	store := newTestStore(t)

	first := []models.Message{
		{Address: testKey(1), Sender: testKey(10), Recipient: testKey(11), Content: "old", Timestamp: 100},
		{Address: testKey(2), Sender: testKey(11), Recipient: testKey(10), Content: "older", Timestamp: 50, Status: protocol.StatusRead},
	}
	if err := store.SaveMessages(DirectScope, first); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	group := []models.Message{
		{Address: testKey(3), Sender: testKey(10), Recipient: testKey(12), Content: "g", Timestamp: 70, GroupID: "group_1_x", IsEncrypted: true},
	}
	if err := store.SaveMessages("group_1_x", group); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	second := []models.Message{
		{Address: testKey(4), Sender: testKey(10), Recipient: testKey(11), Content: "new", Timestamp: 200, Status: protocol.StatusDelivered},
		first[0],
	}
	if err := store.SaveMessages(DirectScope, second); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	got, err := store.GetMessages(DirectScope, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after replacement, got %d", len(got))
	}
	if got[0].Address != testKey(4) || got[0].Status != protocol.StatusDelivered || got[0].Timestamp != 200 {
		t.Fatalf("unexpected newest message %+v", got[0])
	}
	if got[1].Content != "old" || got[1].Sender != testKey(10) {
		t.Fatalf("unexpected second message %+v", got[1])
	}

	grouped, err := store.GetMessages("group_1_x", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(grouped) != 1 || !grouped[0].IsEncrypted || grouped[0].GroupID != "group_1_x" {
		t.Fatalf("other scopes must be untouched, got %+v", grouped)
	}
}

func TestSaveMessagesRejectsInvalidStatus(t *testing.T) {
	store := newTestStore(t)

	bad := []models.Message{{Address: testKey(1), Status: protocol.Status(9)}}
	if err := store.SaveMessages(DirectScope, bad); err == nil {
		t.Fatalf("expected invalid status error")
	}

	keep := []models.Message{{Address: testKey(2), Content: "kept", Timestamp: 1}}
	if err := store.SaveMessages(DirectScope, keep); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	if err := store.SaveMessages(DirectScope, append(keep, bad...)); err == nil {
		t.Fatalf("expected invalid status error")
	}
	got, err := store.GetMessages(DirectScope, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "kept" {
		t.Fatalf("failed snapshot must roll back, got %+v", got)
	}
}
