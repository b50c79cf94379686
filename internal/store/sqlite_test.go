package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"watchparty/internal/playback"
)

func TestSQLiteAddsVersionToExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchparty.db")

	old, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = old.Exec(`CREATE TABLE playback_states (
		room_id TEXT PRIMARY KEY,
		channel TEXT NOT NULL DEFAULT '',
		is_playing INTEGER NOT NULL DEFAULT 0,
		time REAL NOT NULL DEFAULT 0 CHECK (time >= 0),
		updated_at INTEGER NOT NULL
	)`)
	if err == nil {
		_, err = old.Exec(`INSERT INTO playback_states (room_id, channel, is_playing, time, updated_at)
			VALUES ('r', 'dQw4w9WgXcQ', 1, 12, 0)`)
	}
	old.Close()
	if err != nil {
		t.Fatal(err)
	}

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open existing database: %v", err)
	}

	ctx := context.Background()
	st, err := db.Get(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != 0 || st.VideoRef != "dQw4w9WgXcQ" {
		t.Fatalf("unexpected migrated row %+v", st)
	}
	st, err = db.Upsert(ctx, "r", playback.Patch{Position: ptr(20.0)})
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != 1 || st.Position != 20 {
		t.Fatalf("unexpected state after write %+v", st)
	}

	db.Close()

	// Reopening must not try to add the column again.
	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.Close()
}
