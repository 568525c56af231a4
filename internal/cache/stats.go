package cache

import (
	"context"
	"time"
)

// Stats summarizes the cache.
type Stats struct {
	TotalFiles   int
	DirtyFiles   int
	TotalSize    int64      // sum of content sizes in bytes
	LastSyncTime *time.Time // nil if never synced
}

// Stats computes record counts, total content size and the last sync time.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	if err := db.usable("compute stats"); err != nil {
		return nil, err
	}

	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dirty), 0), COALESCE(SUM(size), 0)
		FROM files`).Scan(&s.TotalFiles, &s.DirtyFiles, &s.TotalSize)
	if err != nil {
		return nil, wrap("compute stats", err)
	}

	last, err := db.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		s.LastSyncTime = &last
	}
	return &s, nil
}
