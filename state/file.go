package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/vinayprograms/kvsync/codec"
	"github.com/vinayprograms/kvsync/errors"
	"github.com/vinayprograms/kvsync/logging"
)

// FileStore implements Store as a single TOML document on disk, one
// top-level entry per key.
//
// Every Set and Delete rewrites the whole file atomically. Edits made to the
// file by other processes are picked up by Reload, or continuously by
// WatchFile. TOML has no null and no bytes type: byte leaves are written as
// integer arrays, and datetimes written by hand read back as RFC 3339 strings.
type FileStore struct {
	id       string
	path     string
	mu       sync.Mutex
	data     map[string]codec.Tree
	revision uint64
	modTime  time.Time
	hub      *hub
	closed   atomic.Bool
}

// NewFileStore opens the document at path. A missing file is an empty store;
// it is created on the first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path required")
	}
	s := &FileStore{
		id:   uuid.NewString(),
		path: path,
		data: make(map[string]codec.Tree),
		hub:  newHub(),
	}

	data, modTime, err := readTOMLFile(path)
	if err != nil {
		return nil, err
	}
	s.data = data
	s.modTime = modTime
	return s, nil
}

// ID returns the store identity.
func (s *FileStore) ID() string {
	return s.id
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the entry for key.
func (s *FileStore) Get(key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		return present(key, clone(v), s.revision), nil
	}
	return absent(key, s.revision), nil
}

// Set writes value and persists the document.
func (s *FileStore) Set(key string, value codec.Tree) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := normalizeValue(key, value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := make(map[string]codec.Tree, len(s.data)+1)
	for k, v := range s.data {
		next[k] = v
	}
	next[key] = n
	if err := s.persistLocked(next); err != nil {
		s.mu.Unlock()
		return 0, errors.StoreFailed("set", key, err)
	}
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	s.hub.notify(present(key, n, rev))
	return rev, nil
}

// Delete removes key and persists the document.
func (s *FileStore) Delete(key string) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	if _, ok := s.data[key]; !ok {
		s.mu.Unlock()
		return 0, nil
	}
	next := make(map[string]codec.Tree, len(s.data))
	for k, v := range s.data {
		if k != key {
			next[k] = v
		}
	}
	if err := s.persistLocked(next); err != nil {
		s.mu.Unlock()
		return 0, errors.StoreFailed("delete", key, err)
	}
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	s.hub.notify(absent(key, rev))
	return rev, nil
}

// Observe registers handler for changes to key.
func (s *FileStore) Observe(key string, handler Handler) (Subscription, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.add(key, handler)
}

// Reload re-reads the file and notifies observers of every key whose value
// differs from what the store last knew. It returns the changed keys.
func (s *FileStore) Reload() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	data, modTime, err := readTOMLFile(s.path)
	if err != nil {
		return nil, errors.StoreFailed("reload", "", err)
	}

	s.mu.Lock()
	var changed []Entry
	keys := make(map[string]struct{}, len(data)+len(s.data))
	for k := range s.data {
		keys[k] = struct{}{}
	}
	for k := range data {
		keys[k] = struct{}{}
	}
	for k := range keys {
		oldV, had := s.data[k]
		newV, has := data[k]
		if had == has && codec.Equal(oldV, newV) {
			continue
		}
		s.revision++
		if has {
			changed = append(changed, present(k, newV, s.revision))
		} else {
			changed = append(changed, absent(k, s.revision))
		}
	}
	s.data = data
	s.modTime = modTime
	s.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].Revision < changed[j].Revision })
	names := make([]string, 0, len(changed))
	for _, e := range changed {
		names = append(names, e.Key)
		s.hub.notify(e)
	}
	return names, nil
}

// WatchFile polls the file's modification time every interval and reloads
// it when it changes. It blocks until ctx is done or the store is closed.
func (s *FileStore) WatchFile(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	logger = logging.OrDefault(logger, "filestore")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			if !s.modified() {
				continue
			}
			keys, err := s.Reload()
			if err != nil {
				logger.Warn("reload failed", map[string]interface{}{
					"path":  s.path,
					"error": err.Error(),
				})
				continue
			}
			if len(keys) > 0 {
				logger.Debug("reloaded", map[string]interface{}{
					"path":    s.path,
					"changed": len(keys),
				})
			}
		}
	}
}

// modified reports whether the file's modification time moved.
func (s *FileStore) modified() bool {
	info, err := os.Stat(s.path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return !s.modTime.IsZero() || len(s.data) > 0
	}
	return !info.ModTime().Equal(s.modTime)
}

// Close shuts down the store. The file is left in place.
func (s *FileStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.close()
	return nil
}

// persistLocked writes next to disk and makes it the current data.
func (s *FileStore) persistLocked(next map[string]codec.Tree) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := toml.NewEncoder(tmp).Encode(next); err != nil {
		tmp.Close()
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	s.data = next
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// readTOMLFile loads the document at path. A missing file reads as empty.
func readTOMLFile(path string) (map[string]codec.Tree, time.Time, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return make(map[string]codec.Tree), time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]codec.Tree, len(raw))
	for k, v := range raw {
		t, err := codec.Normalize(fromTOML(v))
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = t
	}
	return out, info.ModTime(), nil
}

// fromTOML rewrites the decoder's datetime and table-array values into
// tree kinds.
func fromTOML(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			out[k] = fromTOML(child)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, child := range x {
			out[i] = fromTOML(child)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			out[i] = fromTOML(child)
		}
		return out
	}
	return v
}
