package db

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"draft.sql":      {Data: []byte("SELECT 0;")},
		"abc_bad.sql":    {Data: []byte("SELECT 0;")},
	}

	migs, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migs))
	}
	want := []int{1, 2, 10}
	for i, m := range migs {
		if m.Version != want[i] {
			t.Errorf("migration %d: expected version %d, got %d", i, want[i], m.Version)
		}
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		migs, err := LoadMigrations(dialect)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", dialect, err)
		}
		if len(migs) == 0 || migs[0].Version != 1 {
			t.Fatalf("%s: expected version 1 first, got %+v", dialect, migs)
		}
	}
}

func TestMigrateSQLite_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	n, err := MigrateSQLite(ctx, db)
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if n == 0 {
		t.Fatal("expected migrations to be applied")
	}

	n, err = MigrateSQLite(ctx, db)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, got %d", n)
	}

	var tables int
	err = db.QueryRowContext(ctx, `
		SELECT count(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('appointments', 'waitlist_entries', 'event_logs')
	`).Scan(&tables)
	if err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if tables != 3 {
		t.Errorf("expected 3 tables, got %d", tables)
	}
}
