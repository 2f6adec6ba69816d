package storage

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "kbconsole/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout: <path>/<escaped key>.kv, one file per key. Writes go to
// <file>.tmp and are renamed into place so a crash never leaves a torn value.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	dir    string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) pathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(strings.TrimSpace(key))+".kv")
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	if !validKey(key) {
		return nil, false, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.readLocked(key)
}

func (s *fileStore) readLocked(key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) { return value, nil })
}

func (s *fileStore) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	_ = ctx
	if !validKey(key) {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, _, err := s.readLocked(key)
	if err != nil {
		return err
	}
	nv, err := fn(old)
	if err != nil {
		return err
	}
	return s.writeLocked(key, nv)
}

func (s *fileStore) writeLocked(key string, value []byte) error {
	path := s.pathFor(key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Maintain removes leftover temp files from interrupted writes.
func (s *fileStore) Maintain(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.kv.tmp"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-time.Minute)
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || st.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.log.Debug("tmp cleanup failed", logx.String("path", m), logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
