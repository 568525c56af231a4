package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConflicts_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if c, err := db.GetConflict(ctx, "a.md"); err != nil || c != nil {
		t.Fatalf("GetConflict() on empty = %+v, %v", c, err)
	}

	in := &Conflict{
		Path:           "a.md",
		RemoteID:       "r1",
		RemoteHash:     "h2",
		RemoteModified: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Origin:         OriginPull,
		DetectedAt:     time.Date(2025, 7, 1, 0, 1, 0, 0, time.UTC),
	}
	if err := db.PutConflict(ctx, in); err != nil {
		t.Fatalf("PutConflict() failed: %v", err)
	}
	_ = db.PutConflict(ctx, &Conflict{Path: "b.md", RemoteDeleted: true, Origin: OriginPull})

	got, err := db.GetConflict(ctx, "a.md")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("conflict mismatch (-want +got):\n%s", diff)
	}

	if list, _ := db.ListConflicts(ctx); len(list) != 2 {
		t.Errorf("ListConflicts() returned %d entries, want 2", len(list))
	}

	if err := db.SetConflictResolution(ctx, "a.md", ResolutionKeepLocal); err != nil {
		t.Fatalf("SetConflictResolution() failed: %v", err)
	}
	got, _ = db.GetConflict(ctx, "a.md")
	if !got.Resolved() || got.Resolution != ResolutionKeepLocal {
		t.Errorf("Resolution = %q", got.Resolution)
	}
	// Resolved conflicts stay listed until the chosen side is applied.
	if list, _ := db.ListConflicts(ctx); len(list) != 2 || list[0].Resolution != ResolutionKeepLocal {
		t.Errorf("ListConflicts() after resolution = %+v", list)
	}

	// A new detection for the same path discards the earlier choice.
	_ = db.PutConflict(ctx, &Conflict{Path: "a.md", Origin: OriginPush})
	got, _ = db.GetConflict(ctx, "a.md")
	if got.Resolved() || got.Origin != OriginPush {
		t.Errorf("re-detected conflict = %+v", got)
	}

	list, err := db.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(list) != 2 || list[0].Path != "a.md" || !list[1].RemoteDeleted {
		t.Errorf("ListConflicts() = %+v", list)
	}

	if err := db.DeleteConflict(ctx, "a.md"); err != nil {
		t.Fatalf("DeleteConflict() failed: %v", err)
	}
	if c, _ := db.GetConflict(ctx, "a.md"); c != nil {
		t.Error("conflict present after DeleteConflict")
	}
}
