package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"watchparty/internal/playback"
)

// SQLite persists room states in a single-file database. Changes are fanned
// out in process, so every session of a room must share the same server.
type SQLite struct {
	*Hub

	db *sql.DB
	// mu serializes write+broadcast so the feed follows commit order.
	mu sync.Mutex
}

// OpenSQLite prepares a SQLite database at path and ensures the schema exists.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{Hub: NewHub(), db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS playback_states (
			room_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL DEFAULT '',
			is_playing INTEGER NOT NULL DEFAULT 0,
			time REAL NOT NULL DEFAULT 0 CHECK (time >= 0),
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_playback_states_updated ON playback_states(updated_at DESC);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return addVersionColumn(db)
}

// addVersionColumn upgrades databases created before rows carried a version.
func addVersionColumn(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('playback_states')`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		if name == "version" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	rows.Close()
	if _, err := db.Exec(`ALTER TABLE playback_states ADD COLUMN version INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add version column: %w", err)
	}
	return nil
}

const sqliteUpsert = `
INSERT INTO playback_states (room_id, channel, is_playing, time, updated_at, version)
VALUES (?1, COALESCE(?2, ''), COALESCE(?3, 0), COALESCE(?4, 0), ?5, 1)
ON CONFLICT(room_id) DO UPDATE SET
	channel = COALESCE(?2, channel),
	is_playing = COALESCE(?3, is_playing),
	time = COALESCE(?4, time),
	updated_at = ?5,
	version = playback_states.version + 1
RETURNING room_id, channel, is_playing, time, updated_at, version`

func (s *SQLite) Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error) {
	if err := checkWrite(roomID, p); err != nil {
		return playback.State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, sqliteUpsert,
		roomID, nullable(p.VideoRef), nullable(p.IsPlaying), nullable(p.Position), time.Now().UnixMilli())
	st, err := scanState(row)
	if err != nil {
		return playback.State{}, unavailable("upsert", roomID, err)
	}
	s.Broadcast(st)
	return st, nil
}

func (s *SQLite) Get(ctx context.Context, roomID string) (playback.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, channel, is_playing, time, updated_at, version FROM playback_states WHERE room_id = ?`, roomID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return playback.State{}, ErrNotFound
	}
	if err != nil {
		return playback.State{}, unavailable("get", roomID, err)
	}
	return st, nil
}

// Close releases database resources.
func (s *SQLite) Close() error {
	s.Hub.Close()
	return s.db.Close()
}

func scanState(row *sql.Row) (playback.State, error) {
	var (
		st        playback.State
		playing   int64
		updatedAt int64
	)
	if err := row.Scan(&st.RoomID, &st.VideoRef, &playing, &st.Position, &updatedAt, &st.Version); err != nil {
		return playback.State{}, err
	}
	st.IsPlaying = playing != 0
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
