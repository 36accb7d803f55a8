package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog is the relational backend: one append-only table with an
// autoincrement seq per row.
type SQLiteLog struct {
	db   *sql.DB
	opts Options
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS yjs_updates (
	room        TEXT NOT NULL,
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	"update"    BLOB NOT NULL,
	is_snapshot INTEGER DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_yjs_room_seq ON yjs_updates(room, seq);
`

func OpenSQLite(path string, opts Options) (*SQLiteLog, error) {
	opts.setDefaults()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// the log serializes per document already; a single connection keeps
	// sqlite's own locking out of the picture
	db.SetMaxOpenConns(1)

	sync := "OFF"
	if opts.Durable {
		sync = "FULL"
	}
	if _, err := db.Exec("PRAGMA synchronous = " + sync); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, opts: opts}, nil
}

func (s *SQLiteLog) Load(ctx context.Context, doc string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, "update", is_snapshot FROM yjs_updates WHERE room = ? ORDER BY seq ASC`, doc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var row Row
		var snap int
		if err := rows.Scan(&row.Seq, &row.Delta, &snap); err != nil {
			return nil, err
		}
		row.Snapshot = snap == 1
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteLog) Store(ctx context.Context, doc string, delta []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO yjs_updates (room, "update", created_at) VALUES (?, ?, ?)`,
		doc, delta, time.Now().UnixMilli()); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM yjs_updates WHERE room = ?`, doc).Scan(&count); err != nil {
		return err
	}
	if count > s.opts.CompactThreshold {
		if err := s.compact(ctx, doc); err != nil {
			s.opts.Logger.Error("compaction failed", "doc", doc, "err", err)
		}
	}
	return nil
}

// compact replaces doc's rows with a single snapshot row. Insert and
// delete share one transaction; any error rolls the whole thing back and
// leaves the pre-compaction log untouched.
func (s *SQLiteLog) compact(ctx context.Context, doc string) error {
	all, err := s.Load(ctx, doc)
	if err != nil {
		return err
	}
	snap, err := replay(s.opts.Engine, all)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO yjs_updates (room, "update", is_snapshot, created_at) VALUES (?, ?, 1, ?)`,
		doc, snap, time.Now().UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	snapSeq, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM yjs_updates WHERE room = ? AND seq < ?`, doc, snapSeq); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("compaction delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.opts.Logger.Debug("compacted delta log", "doc", doc, "replayed", len(all))
	return nil
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
