package tasksession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/lockfile"

	_ "modernc.org/sqlite"
)

// SQLiteMirror keeps task session histories in a local SQLite database so a
// task_id can be resumed after a restart.
type SQLiteMirror struct {
	db   *sql.DB
	lock *lockfile.Lock
}

var _ Mirror = (*SQLiteMirror)(nil)

// OpenSQLite opens (or creates) the database at path. The file is locked for
// the lifetime of the mirror; a second open fails with lockfile.ErrAlreadyLocked.
func OpenSQLite(path string) (*SQLiteMirror, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(lockfile.For(p))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", p, err)
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteMirror{db: db, lock: lock}, nil
}

func (m *SQLiteMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	err := m.db.Close()
	if lerr := m.lock.Release(); err == nil {
		err = lerr
	}
	return err
}

func (m *SQLiteMirror) Load(ctx context.Context, taskID string) (string, []ir.Item, bool, error) {
	if m == nil || m.db == nil {
		return "", nil, false, errors.New("store not initialized")
	}
	var subagent, raw string
	err := m.db.QueryRowContext(ctx, `
SELECT subagent, history_json
FROM task_sessions
WHERE task_id = ?
`, taskID).Scan(&subagent, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	var history []ir.Item
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return "", nil, false, fmt.Errorf("decode history: %w", err)
		}
	}
	return subagent, history, true, nil
}

func (m *SQLiteMirror) Save(ctx context.Context, taskID string, subagent string, history []ir.Item) error {
	if m == nil || m.db == nil {
		return errors.New("store not initialized")
	}
	b, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = m.db.ExecContext(ctx, `
INSERT INTO task_sessions(task_id, subagent, history_json, item_count, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  history_json = excluded.history_json,
  item_count = excluded.item_count,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, taskID, subagent, string(b), len(history), now, now)
	return err
}

func (m *SQLiteMirror) Delete(ctx context.Context, taskID string) error {
	if m == nil || m.db == nil {
		return errors.New("store not initialized")
	}
	_, err := m.db.ExecContext(ctx, `DELETE FROM task_sessions WHERE task_id = ?`, taskID)
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS task_sessions (
  task_id TEXT PRIMARY KEY,
  subagent TEXT NOT NULL,
  history_json TEXT NOT NULL DEFAULT '[]',
  item_count INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
