package snapshots

import (
	"bytes"
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(StoreConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	snapshot := []byte(`{"blocks":[{"block_id":"b1"}]}`)

	if err := store.Save(ctx, "doc-1", snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, found, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatalf("expected snapshot to exist")
	}
	if !bytes.Equal(loaded, snapshot) {
		t.Fatalf("loaded %s, want %s", loaded, snapshot)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	store := openTestStore(t)

	loaded, found, err := store.Load(context.Background(), "absent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found || loaded != nil {
		t.Fatalf("expected no snapshot, got found=%v payload=%s", found, loaded)
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte("first")); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := store.Save(ctx, "doc-1", []byte("second")); err != nil {
		t.Fatalf("save second: %v", err)
	}

	loaded, found, err := store.Load(ctx, "doc-1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if string(loaded) != "second" {
		t.Fatalf("loaded %s, want second", loaded)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(StoreConfig{}); err == nil {
		t.Fatalf("expected an error for a missing path")
	}
}
