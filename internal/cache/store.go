// Package cache stores transcoded audio segments on disk, addressed by a
// deterministic content key. The cache is unbounded and never evicts;
// housekeeping, if any, belongs to an external process.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
)

// ErrPathTooLong is returned by New when the cache directory plus a key
// filename would breach the path ceiling. Callers treat it as a degradation,
// not a failure: the session runs with caching disabled.
var ErrPathTooLong = errors.New("cache path exceeds maximum length")

const (
	// maxPathLen is the ceiling for a fully assembled cache entry path.
	maxPathLen = 255

	// keyLen is the length of a hex-encoded key filename stem.
	keyLen = 64

	dirPermissions = 0o755
)

// Store maps cache keys to transcoded audio files under a single directory.
// Entry files are named <key>.<tag> and are never mutated after commit.
type Store struct {
	dir string
	tag string
}

// New validates the cache directory against the path ceiling and ensures it
// exists. The tag is the negotiated format tag, used as the entry extension.
func New(dir, tag string) (*Store, error) {
	if len(dir)+1+keyLen+1+len(tag) > maxPathLen {
		return nil, fmt.Errorf("%w: %s", ErrPathTooLong, dir)
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Store{dir: dir, tag: tag}, nil
}

// Path returns the entry path a key maps to, whether or not it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+"."+s.tag)
}

// Lookup reports whether a readable entry exists for key and returns its
// path. Unreadable or directory entries count as misses.
func (s *Store) Lookup(key string) (string, bool) {
	path := s.Path(key)
	// Open rather than stat: the entry is only usable if this process can
	// actually read it back for streaming.
	f, err := os.Open(path)
	if err != nil {
		log.Debug("Cache miss", "key", key)
		return "", false
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil || info.IsDir() {
		log.Debug("Cache miss", "key", key)
		return "", false
	}
	log.Debug("Cache hit", "key", key, "path", path, "size", info.Size())
	return path, true
}

// Commit moves a completed temporary audio file into place under the key's
// final name. The rename is atomic, so a partially written entry is never
// visible under its final name. Concurrent sessions committing the same key
// race benignly: content for a given key is value-equivalent, last writer
// wins.
func (s *Store) Commit(tempPath, key string) (string, error) {
	path := s.Path(key)
	err := os.Rename(tempPath, path)
	if err != nil && errors.Is(err, syscall.EXDEV) {
		// The temp dir and the cache sit on different filesystems, common
		// with a tmpfs /tmp. Stage a copy inside the cache directory so the
		// final rename stays atomic.
		if err = s.commitAcrossDevices(tempPath, path); err == nil {
			_ = os.Remove(tempPath)
		}
	}
	if err != nil {
		return "", fmt.Errorf("committing cache entry: %w", err)
	}
	log.Debug("Cache entry committed", "key", key, "path", path)
	return path, nil
}

// commitAcrossDevices copies the temp file into a staging file next to its
// final location, then renames within the cache directory.
func (s *Store) commitAcrossDevices(tempPath, path string) error {
	src, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck

	staged, err := os.CreateTemp(s.dir, "staged-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(staged, src); err != nil {
		_ = staged.Close()
		_ = os.Remove(staged.Name())
		return err
	}
	if err := staged.Close(); err != nil {
		_ = os.Remove(staged.Name())
		return err
	}
	if err := os.Rename(staged.Name(), path); err != nil {
		_ = os.Remove(staged.Name())
		return err
	}
	return nil
}
