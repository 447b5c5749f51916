// Package whatsapp – session.go owns the on-disk pairing artifacts of the
// messaging channel: the whatsmeow sqlite store or the browser profile in
// the auth directory, and anything the channel caches next to it.
package whatsapp

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// SessionStore manages the auth and cache directories of the channel.
type SessionStore struct {
	authDir  string
	cacheDir string
	logger   *slog.Logger
}

// ClearResult reports how a Clear went. Callers proceed either way.
type ClearResult struct {
	Removed []string
	Failed  []string
}

// Partial is true when some artifacts could not be removed.
func (r ClearResult) Partial() bool { return len(r.Failed) > 0 }

// NewSessionStore creates a session store over the given directories.
func NewSessionStore(authDir, cacheDir string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		authDir:  authDir,
		cacheDir: cacheDir,
		logger:   logger.With("component", "whatsapp-session"),
	}
}

// AuthDir returns the directory holding pairing data.
func (s *SessionStore) AuthDir() string { return s.authDir }

// CacheDir returns the directory holding cached channel data.
func (s *SessionStore) CacheDir() string { return s.cacheDir }

// DatabasePath is where the whatsmeow device store lives.
func (s *SessionStore) DatabasePath() string {
	return filepath.Join(s.authDir, "whatsapp.db")
}

// ProfileDir is the browser user-data directory used by the browser driver.
func (s *SessionStore) ProfileDir() string {
	return filepath.Join(s.authDir, "browser-profile")
}

// Ensure creates the auth and cache directories.
func (s *SessionStore) Ensure() error {
	for _, dir := range []string{s.authDir, s.cacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// Present reports whether any pairing artifact exists on disk.
func (s *SessionStore) Present() bool {
	if s.authDir == "" {
		return false
	}
	entries, err := os.ReadDir(s.authDir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// Clear deletes the auth and cache directories. Failures are logged and
// swallowed: a partially cleared session only means the channel re-pairs.
func (s *SessionStore) Clear() ClearResult {
	var res ClearResult
	for _, dir := range []string{s.authDir, s.cacheDir} {
		s.clearDir(dir, &res)
	}
	if res.Partial() {
		s.logger.Warn("session partially cleared",
			"removed", len(res.Removed), "failed", len(res.Failed))
	} else if len(res.Removed) > 0 {
		s.logger.Info("session data cleared", "removed", res.Removed)
	}
	return res
}

func (s *SessionStore) clearDir(dir string, res *ClearResult) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return
	}

	err := os.RemoveAll(dir)
	if err == nil {
		res.Removed = append(res.Removed, dir)
		return
	}
	s.logger.Warn("could not remove session directory, removing files one by one",
		"dir", dir, "error", err)

	// Second pass: unlink whatever files can be unlinked.
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Failed = append(res.Failed, path)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Debug("could not remove session file", "path", path, "error", rmErr)
			res.Failed = append(res.Failed, path)
			return nil
		}
		res.Removed = append(res.Removed, path)
		return nil
	})
	if walkErr != nil {
		s.logger.Warn("could not walk session directory", "dir", dir, "error", walkErr)
		res.Failed = append(res.Failed, dir)
	}
}
