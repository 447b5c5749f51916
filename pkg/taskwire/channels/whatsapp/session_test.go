package whatsapp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSessionStore(t *testing.T) {
	dir := t.TempDir()
	s := NewSessionStore(filepath.Join(dir, "auth"), filepath.Join(dir, "cache"), testLogger())

	if s.Present() {
		t.Error("no session before Ensure")
	}
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if s.Present() {
		t.Error("empty auth dir is not a session")
	}

	if err := os.WriteFile(s.DatabasePath(), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(s.ProfileDir(), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.CacheDir(), "blob"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !s.Present() {
		t.Error("expected session to be present")
	}

	res := s.Clear()
	if res.Partial() || len(res.Removed) != 2 {
		t.Errorf("unexpected clear result %+v", res)
	}
	if s.Present() {
		t.Error("session should be gone")
	}
	if _, err := os.Stat(s.CacheDir()); !os.IsNotExist(err) {
		t.Error("cache dir should be removed")
	}

	t.Run("clear is idempotent", func(t *testing.T) {
		res := s.Clear()
		if res.Partial() || len(res.Removed) != 0 {
			t.Errorf("unexpected second clear result %+v", res)
		}
	})

	t.Run("empty directories are ignored", func(t *testing.T) {
		empty := NewSessionStore("", "", nil)
		if empty.Present() {
			t.Error("no auth dir means no session")
		}
		if err := empty.Ensure(); err != nil {
			t.Error(err)
		}
		if res := empty.Clear(); len(res.Removed)+len(res.Failed) != 0 {
			t.Errorf("unexpected result %+v", res)
		}
	})
}
