package cache

import (
	"context"
	"testing"
	"time"
)

func TestMetadata_GetSet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	v, err := db.GetMetadata(ctx, KeyWorkspaceID)
	if err != nil {
		t.Fatalf("GetMetadata() failed: %v", err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}

	if err := db.SetMetadata(ctx, KeyWorkspaceID, "ws-1"); err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}
	if err := db.SetMetadata(ctx, KeyWorkspaceID, "ws-2"); err != nil {
		t.Fatalf("SetMetadata() overwrite failed: %v", err)
	}
	if v, _ := db.GetMetadata(ctx, KeyWorkspaceID); v != "ws-2" {
		t.Errorf("GetMetadata() = %q, want ws-2", v)
	}

	if err := db.DeleteMetadata(ctx, KeyWorkspaceID); err != nil {
		t.Fatalf("DeleteMetadata() failed: %v", err)
	}
	if v, _ := db.GetMetadata(ctx, KeyWorkspaceID); v != "" {
		t.Errorf("deleted key = %q", v)
	}
}

func TestSetMetadataBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 30, 0, 500, time.UTC)

	err := db.SetMetadataBatch(ctx, map[string]string{
		KeySyncToken:    "tok-7",
		KeyLastSyncTime: FormatTime(now),
	})
	if err != nil {
		t.Fatalf("SetMetadataBatch() failed: %v", err)
	}

	if tok, _ := db.SyncToken(ctx); tok != "tok-7" {
		t.Errorf("SyncToken() = %q", tok)
	}
	last, err := db.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() failed: %v", err)
	}
	if !last.Equal(now) {
		t.Errorf("LastSyncTime() = %v, want %v", last, now)
	}
	if full, _ := db.LastFullSyncTime(ctx); !full.IsZero() {
		t.Errorf("LastFullSyncTime() = %v, want zero", full)
	}
}

func TestTimeMetadata_Invalid(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_ = db.SetMetadata(ctx, KeyLastSyncTime, "yesterday")
	if _, err := db.LastSyncTime(ctx); err == nil {
		t.Error("LastSyncTime() accepted an unparsable value")
	}
}

func TestTypedMetadataHelpers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	if err := db.SetSyncToken(ctx, "t9"); err != nil {
		t.Fatalf("SetSyncToken() failed: %v", err)
	}
	if err := db.SetWorkspaceID(ctx, "ws"); err != nil {
		t.Fatalf("SetWorkspaceID() failed: %v", err)
	}
	if err := db.SetLastSyncTime(ctx, at); err != nil {
		t.Fatalf("SetLastSyncTime() failed: %v", err)
	}

	if v, _ := db.SyncToken(ctx); v != "t9" {
		t.Errorf("SyncToken() = %q", v)
	}
	if v, _ := db.WorkspaceID(ctx); v != "ws" {
		t.Errorf("WorkspaceID() = %q", v)
	}
	if v, _ := db.LastSyncTime(ctx); !v.Equal(at) {
		t.Errorf("LastSyncTime() = %v", v)
	}
}
