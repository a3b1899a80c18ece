package convstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaycore/relayd/pkg/model"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conv := &model.Conversation{
		ID:      "c1",
		Title:   "hello",
		Created: time.Now(),
		Messages: []*model.Message{
			{ID: "m1", Role: model.RoleUser, Content: "hi", Timestamp: time.Now()},
		},
	}
	if err := store.Save(conv); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load("c1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Title != conv.Title || len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStoreListSortsByLastMessageTimeDescending(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	older := &model.Conversation{ID: "older", Created: time.Now().Add(-time.Hour)}
	newer := &model.Conversation{ID: "newer", Created: time.Now()}
	if err := store.Save(older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	if err := store.Save(newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "newer" || list[1].ID != "older" {
		t.Fatalf("expected newer-first ordering, got %+v", list)
	}
}

func TestStoreListSkipsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Save(&model.Conversation{ID: "good"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write malformed record: %v", err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list should not fail on a malformed record: %v", err)
	}
	if len(list) != 1 || list[0].ID != "good" {
		t.Fatalf("expected only the good record, got %+v", list)
	}
}

func TestStoreDeleteNonexistentIsNotAnError(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete("does-not-exist"); err != nil {
		t.Fatalf("expected no error deleting missing record, got %v", err)
	}
}
