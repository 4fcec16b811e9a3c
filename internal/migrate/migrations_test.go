package migrate_test

import (
	"testing"

	"modelbench/internal/db"
	"modelbench/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	for pass := 1; pass <= 2; pass++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}

	var v int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("schema version: want 1 got %d", v)
	}
	for _, table := range []string{"history", "runs", "outcomes", "events"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
