package lastseen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS last_seen (
	viewer_id TEXT NOT NULL,
	group_id  TEXT NOT NULL,
	seen_at   INTEGER NOT NULL,
	PRIMARY KEY (viewer_id, group_id)
)`

// SQLite 是本地镜像上的实现，进程重启后仍然保留。
// seen_at 以 UnixNano 存储，避免时区与精度问题。
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open last-seen db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply last-seen schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, viewerID, groupID string) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seen_at FROM last_seen WHERE viewer_id = ? AND group_id = ?`,
		viewerID, groupID,
	).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last-seen: %w", err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// Set 通过 upsert + MAX 保持单调，不需要先读后写。
func (s *SQLite) Set(ctx context.Context, viewerID, groupID string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_seen (viewer_id, group_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (viewer_id, group_id) DO UPDATE SET seen_at = MAX(seen_at, excluded.seen_at)`,
		viewerID, groupID, t.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set last-seen: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
