package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "nested", "test.db")

	b, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenSQLite(t *testing.T) {
	b := openTestSQLite(t)
	if b.Type != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", b.Type)
	}
	if err := b.DB.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "mysql"}, nil)
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	migrations := []Migration{
		{Version: 2, Name: "notes", SQLite: `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`},
		{Version: 1, Name: "items", SQLite: `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`},
	}
	if err := b.Migrate(ctx, migrations); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, err := b.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	t.Run("rerun is a no-op", func(t *testing.T) {
		if err := b.Migrate(ctx, migrations); err != nil {
			t.Fatalf("second Migrate failed: %v", err)
		}
	})

	t.Run("failed step is rolled back", func(t *testing.T) {
		bad := append(migrations, Migration{Version: 3, Name: "broken", SQLite: `CREATE TABLE nope (`})
		if err := b.Migrate(ctx, bad); err == nil {
			t.Fatal("expected error")
		}
		version, _ := b.CurrentVersion(ctx)
		if version != 2 {
			t.Errorf("expected version to stay at 2, got %d", version)
		}
	})
}

func TestHealth(t *testing.T) {
	b := openTestSQLite(t)
	st := b.Health(context.Background())
	if !st.Healthy {
		t.Fatalf("expected healthy, got error %q", st.Error)
	}
	if st.Version == "" || st.Version == "unknown" {
		t.Errorf("expected sqlite version, got %q", st.Version)
	}
}

func TestRebind(t *testing.T) {
	pg := &Backend{Type: BackendPostgreSQL}
	got := pg.Rebind("SELECT * FROM tasks WHERE id = ? AND status IN (?, ?)")
	want := "SELECT * FROM tasks WHERE id = $1 AND status IN ($2, $3)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	lite := &Backend{Type: BackendSQLite}
	if q := "SELECT ?"; lite.Rebind(q) != q {
		t.Error("sqlite queries must not be rewritten")
	}
}

func TestBuildPostgreSQLDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  PostgreSQLConfig
		want string
	}{
		{
			name: "url wins",
			cfg:  PostgreSQLConfig{URL: "postgres://u:p@db:5432/tasks", Host: "ignored"},
			want: "postgres://u:p@db:5432/tasks",
		},
		{
			name: "defaults",
			cfg:  PostgreSQLConfig{},
			want: "host=localhost port=5432 sslmode=disable",
		},
		{
			name: "full",
			cfg: PostgreSQLConfig{
				Host: "db", Port: 6543, Database: "tasks", User: "app",
				Password: "it's secret", SSLMode: "require",
			},
			want: `host=db port=6543 sslmode=require dbname=tasks user=app password='it\'s secret'`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildPostgreSQLDSN(tt.cfg); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
