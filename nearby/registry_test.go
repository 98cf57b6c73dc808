package nearby

import (
	"testing"

	"helphub/models"
)

func TestRegistryUpsertIsIdempotentPerPair(t *testing.T) {
	registry := NewRegistry()
	phone := models.Endpoint{ID: "E1", Name: "Phone-A"}

	if !registry.UpsertDiscovered(phone) {
		t.Fatalf("expected first upsert to notify")
	}
	for i := 0; i < 3; i++ {
		if registry.UpsertDiscovered(phone) {
			t.Fatalf("repeat upsert %d must not notify", i)
		}
	}
	if got := len(registry.Discovered()); got != 1 {
		t.Fatalf("expected one endpoint, got %d", got)
	}
}

func TestRegistryRenameUpdatesInPlace(t *testing.T) {
	registry := NewRegistry()
	registry.UpsertDiscovered(models.Endpoint{ID: "E1", Name: "Phone-A"})

	if !registry.UpsertDiscovered(models.Endpoint{ID: "E1", Name: "Phone-B"}) {
		t.Fatalf("expected rename to notify")
	}
	endpoints := registry.Discovered()
	if len(endpoints) != 1 || endpoints[0].Name != "Phone-B" {
		t.Fatalf("expected single renamed entry, got %+v", endpoints)
	}
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	registry := NewRegistry()
	if registry.UpsertDiscovered(models.Endpoint{Name: "ghost"}) {
		t.Fatalf("empty id must be ignored")
	}
	registry.MarkConnected("")
	if len(registry.Connected()) != 0 {
		t.Fatalf("empty id must not enter connected set")
	}
}

func TestRegistryConnectionSurvivesLoss(t *testing.T) {
	registry := NewRegistry()
	registry.UpsertDiscovered(models.Endpoint{ID: "E1", Name: "Phone-A"})
	registry.MarkConnected("E1")

	if !registry.RemoveDiscovered("E1") {
		t.Fatalf("expected removal to report presence")
	}
	if registry.RemoveDiscovered("E1") {
		t.Fatalf("second removal must report absence")
	}
	if !registry.IsConnected("E1") {
		t.Fatalf("losing discovery must not disconnect")
	}
	if _, ok := registry.Lookup("E1"); ok {
		t.Fatalf("lost endpoint must leave discovered set")
	}

	registry.MarkDisconnected("E1")
	if registry.IsConnected("E1") {
		t.Fatalf("expected disconnect to clear membership")
	}
}

func TestRegistryOrdering(t *testing.T) {
	registry := NewRegistry()
	registry.UpsertDiscovered(models.Endpoint{ID: "3", Name: "Carol"})
	registry.UpsertDiscovered(models.Endpoint{ID: "2", Name: "Alice"})
	registry.UpsertDiscovered(models.Endpoint{ID: "1", Name: "Alice"})

	got := registry.Discovered()
	want := []string{"1", "2", "3"}
	for i, endpoint := range got {
		if endpoint.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], endpoint.ID)
		}
	}

	registry.MarkConnected("b")
	registry.MarkConnected("a")
	if ids := registry.Connected(); len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("expected sorted connected ids, got %v", ids)
	}

	registry.Reset()
	if len(registry.Discovered()) != 0 || len(registry.Connected()) != 0 {
		t.Fatalf("expected empty registry after reset")
	}
}
