package shugo

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestStoreRetrieveItem(t *testing.T) {
	service := newTestService(t)

	payload := []byte(`{"user":"svc","password":"hunter2"}`)
	meta, err := service.StoreItem("db/primary", payload, "credential")
	if err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	if meta.ID == "" {
		t.Error("stored item has no ID")
	}
	if meta.Name != "db/primary" {
		t.Errorf("name = %q", meta.Name)
	}
	if meta.Type != "credential" {
		t.Errorf("type = %q", meta.Type)
	}
	if meta.Size != len(payload) {
		t.Errorf("size = %d, want %d", meta.Size, len(payload))
	}
	if meta.KeyVersion != service.GetStatus().ActiveKeyVersion {
		t.Errorf("item pinned to %s, active key is %s", meta.KeyVersion, service.GetStatus().ActiveKeyVersion)
	}
	if meta.AccessCount != 0 {
		t.Errorf("fresh item has access count %d", meta.AccessCount)
	}

	data, retrieved, err := service.RetrieveItem("db/primary")
	if err != nil {
		t.Fatalf("RetrieveItem failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("retrieved payload differs from stored payload")
	}
	if retrieved.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", retrieved.AccessCount)
	}
	if retrieved.LastAccessAt == nil {
		t.Error("LastAccessAt not stamped")
	}
}

func TestStoreItemOverwritePreservesIdentity(t *testing.T) {
	service := newTestService(t)

	original, err := service.StoreItem("db/primary", []byte("v1"), "credential")
	if err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	if _, _, err = service.RetrieveItem("db/primary"); err != nil {
		t.Fatalf("RetrieveItem failed: %v", err)
	}

	updated, err := service.StoreItem("db/primary", []byte("value-two"), "credential")
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if updated.ID != original.ID {
		t.Errorf("overwrite changed the item ID: %s -> %s", original.ID, updated.ID)
	}
	if !updated.CreatedAt.Equal(original.CreatedAt) {
		t.Error("overwrite changed CreatedAt")
	}
	if updated.UpdatedAt.Before(original.UpdatedAt) {
		t.Error("overwrite did not advance UpdatedAt")
	}
	if updated.Size != len("value-two") {
		t.Errorf("size = %d, want %d", updated.Size, len("value-two"))
	}
	if updated.AccessCount != 1 {
		t.Errorf("overwrite reset the access count to %d", updated.AccessCount)
	}

	data, _, err := service.RetrieveItem("db/primary")
	if err != nil {
		t.Fatalf("RetrieveItem failed: %v", err)
	}
	if string(data) != "value-two" {
		t.Errorf("payload = %q after overwrite", data)
	}
}

func TestDeleteItem(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StoreItem("ephemeral", []byte("x"), ""); err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	if err := service.DeleteItem("ephemeral"); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	if _, _, err := service.RetrieveItem("ephemeral"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound after delete, got %v", err)
	}
	if err := service.DeleteItem("ephemeral"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound for double delete, got %v", err)
	}
}

func TestListItemsSortedAndFiltered(t *testing.T) {
	service := newTestService(t)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := service.StoreItem(name, []byte(name), ""); err != nil {
			t.Fatalf("StoreItem(%s) failed: %v", name, err)
		}
	}
	// Emergency series live in the reserved namespace and must not be listed
	if _, err := service.GenerateEmergencyTable("prod", "op"); err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}

	items, err := service.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("listed %d items, want 3", len(items))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if items[i].Name != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].Name, want)
		}
	}
}

func TestReservedNamespaceRejected(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StoreItem("sys/emergency/EMG-AAAA", []byte("x"), ""); err == nil {
		t.Error("StoreItem accepted a reserved name")
	}
	if _, _, err := service.RetrieveItem("sys/anything"); err == nil {
		t.Error("RetrieveItem accepted a reserved name")
	}
	if err := service.DeleteItem("sys/anything"); err == nil {
		t.Error("DeleteItem accepted a reserved name")
	}
}

func TestItemNameValidation(t *testing.T) {
	service := newTestService(t)

	bad := []string{"", "   ", strings.Repeat("n", 256), "../escape", "a/../b"}
	for _, name := range bad {
		if _, err := service.StoreItem(name, []byte("x"), ""); err == nil {
			t.Errorf("item name %q was accepted", name)
		}
	}
}

func TestItemsSurviveReseal(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StoreItem("db/primary", []byte("persisted"), ""); err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	if err := service.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := service.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	data, _, err := service.RetrieveItem("db/primary")
	if err != nil {
		t.Fatalf("RetrieveItem after reseal failed: %v", err)
	}
	if string(data) != "persisted" {
		t.Errorf("payload = %q after reseal", data)
	}
}
