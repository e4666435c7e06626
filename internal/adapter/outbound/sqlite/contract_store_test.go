package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/modulegate/gateway/internal/domain/contract"
)

func openTestStore(t *testing.T, path string) *ContractEventStore {
	t.Helper()
	store, err := OpenContractEventStore(path)
	if err != nil {
		t.Fatalf("OpenContractEventStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestContractEventStore_AppendAndSince(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	events := []contract.Event{
		{ID: 1, ProfileID: "p1", Kind: contract.KindTools, Hash: "h1", CreatedAt: now},
		{ID: 2, ProfileID: "p2", Kind: contract.KindTools, Hash: "h2", CreatedAt: now},
		{ID: 3, ProfileID: "p1", Kind: contract.KindResources, Hash: "h3", CreatedAt: now},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append(%d): %v", ev.ID, err)
		}
	}

	got, err := store.Since(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 || got[0].Kind != contract.KindResources {
		t.Errorf("Since(p1, 1) = %+v, want the single id-3 resources event", got)
	}

	all, err := store.Since(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Since(p1, 0) returned %d events, want 2", len(all))
	}
}

func TestContractEventStore_LastIDSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store := openTestStore(t, path)
	if err := store.Append(ctx, contract.Event{ID: 7, ProfileID: "p1", Kind: contract.KindTools, Hash: "h", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, path)
	last, err := reopened.LastID(ctx)
	if err != nil {
		t.Fatalf("LastID: %v", err)
	}
	if last != 7 {
		t.Errorf("LastID = %d, want 7", last)
	}
}

func TestContractEventStore_LastIDEmptyIsZero(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	last, err := store.LastID(context.Background())
	if err != nil {
		t.Fatalf("LastID: %v", err)
	}
	if last != 0 {
		t.Errorf("LastID = %d, want 0 for empty log", last)
	}
}

func TestContractEventStore_GCDeletesOnlyUpToCursor(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		if err := store.Append(ctx, contract.Event{ID: id, ProfileID: "p1", Kind: contract.KindTools, Hash: "h", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}

	if err := store.GC(ctx, "p1", 2); err != nil {
		t.Fatalf("GC: %v", err)
	}

	got, err := store.Since(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 {
		t.Errorf("after GC got %+v, want ids 3 and 4", got)
	}
}
