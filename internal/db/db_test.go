package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptyexpect-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "runs")
	assertTableExists(t, database.SQL(), "steps")
}

func TestOpenUsesWALAndSecondReader(t *testing.T) {
	database, path := openTestDB(t)
	if database.Path() != path {
		t.Fatalf("Path() = %q, want %q", database.Path(), path)
	}

	var mode string
	if err := database.SQL().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	ctx := context.Background()
	if err := NewRunRepo(database.SQL()).Create(ctx, &Run{SessionID: "s-1", Argv: []string{"sh"}}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	reader, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer reader.Close()
	runs, err := NewRunRepo(reader.SQL()).List(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("list from second handle: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("second handle sees %d runs, want 1", len(runs))
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "transcripts.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer database.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") error = nil, want error")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != "2" {
		t.Fatalf("schema version = %s, want 2", version)
	}
}

func TestCloseNilDB(t *testing.T) {
	var d *DB
	if err := d.Close(); err != nil {
		t.Fatalf("Close() on nil = %v", err)
	}
}

func TestTimestampsRoundTripAndSort(t *testing.T) {
	early := time.Date(2024, 5, 1, 10, 0, 0, 5, time.UTC)
	late := early.Add(time.Millisecond)

	a, b := formatTimestamp(early), formatTimestamp(late)
	if !(a < b) {
		t.Fatalf("formatted timestamps do not sort: %q >= %q", a, b)
	}
	parsed, err := parseTimestamp(a)
	if err != nil {
		t.Fatalf("parseTimestamp() error = %v", err)
	}
	if !parsed.Equal(early) {
		t.Fatalf("parsed = %v, want %v", parsed, early)
	}
	zero, err := parseOptionalTimestamp("")
	if err != nil || !zero.IsZero() {
		t.Fatalf("parseOptionalTimestamp(\"\") = %v, %v", zero, err)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	ids := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if _, exists := ids[id]; exists {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		ids[id] = struct{}{}
	}
}
