package storage

import (
	"testing"

	"ledgerchat/protocol"
)

func TestReceiptsLifecycle(t *testing.T) {
	store := newTestStore(t)

	if ok, err := store.HasReceipt("m1", protocol.StatusDelivered); err != nil || ok {
		t.Fatalf("expected no receipt, got ok=%v err=%v", ok, err)
	}
	if err := store.InsertReceipt("m1", protocol.StatusDelivered, 100); err != nil {
		t.Fatalf("InsertReceipt failed: %v", err)
	}
	if err := store.InsertReceipt("m1", protocol.StatusDelivered, 150); err != nil {
		t.Fatalf("duplicate InsertReceipt failed: %v", err)
	}
	if err := store.InsertReceipt("m2", protocol.StatusRead, 300); err != nil {
		t.Fatalf("InsertReceipt failed: %v", err)
	}

	if ok, _ := store.HasReceipt("m1", protocol.StatusDelivered); !ok {
		t.Fatalf("expected delivered receipt")
	}
	if ok, _ := store.HasReceipt("m1", protocol.StatusRead); ok {
		t.Fatalf("receipts are per status")
	}

	removed, err := store.PruneReceipts(200)
	if err != nil {
		t.Fatalf("PruneReceipts failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned receipt, got %d", removed)
	}
	if ok, _ := store.HasReceipt("m2", protocol.StatusRead); !ok {
		t.Fatalf("newer receipt must survive")
	}

	if err := store.InsertReceipt("", protocol.StatusRead, 1); err == nil {
		t.Fatalf("expected missing address error")
	}
	if err := store.InsertReceipt("m3", protocol.Status(7), 1); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if _, err := store.PruneReceipts(0); err == nil {
		t.Fatalf("expected invalid cutoff error")
	}
}
