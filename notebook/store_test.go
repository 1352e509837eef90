package notebook

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestStore_CreateAndLookup(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := store.Create(ctx, Notebook{Name: "research", Description: "papers"})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if created.ID == "" {
				t.Error("expected generated id")
			}
			if created.Created.IsZero() || created.Updated.IsZero() {
				t.Error("expected timestamps to be set")
			}

			byID, found, err := store.Get(ctx, created.ID)
			if err != nil || !found {
				t.Fatalf("Get failed: found=%v err=%v", found, err)
			}
			if byID.Name != "research" {
				t.Errorf("expected name research, got %q", byID.Name)
			}

			byName, found, err := store.FindByName(ctx, "research")
			if err != nil || !found {
				t.Fatalf("FindByName failed: found=%v err=%v", found, err)
			}
			if byName.ID != created.ID {
				t.Errorf("expected id %s, got %s", created.ID, byName.ID)
			}

			if _, found, err := store.Get(ctx, "notebook:missing"); err != nil || found {
				t.Errorf("expected found=false for missing id, found=%v err=%v", found, err)
			}
			if _, found, err := store.FindByName(ctx, "missing"); err != nil || found {
				t.Errorf("expected found=false for missing name, found=%v err=%v", found, err)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, n := range []string{"beta", "alpha"} {
				if _, err := store.Create(ctx, Notebook{Name: n}); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
			}

			notebooks, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(notebooks) != 2 {
				t.Errorf("expected 2 notebooks, got %d", len(notebooks))
			}
		})
	}
}
