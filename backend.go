package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by a Backend when a key has no value.
var ErrNotFound = errors.New("not found")

// Backend is the durable byte store underneath MessageStore. Implementations
// must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// OpenBackend opens a backend by kind. dsn is a directory for "file", a
// database path for "sqlite" and a redis:// URL for "redis"; "memory" ignores
// it.
func OpenBackend(ctx context.Context, kind, dsn string) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(dsn)
	case "sqlite":
		return NewSQLiteBackend(ctx, dsn)
	case "redis":
		return NewRedisBackend(ctx, dsn, "")
	default:
		return nil, fmt.Errorf("unknown storage backend %q (valid: memory, file, sqlite, redis)", kind)
	}
}

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-memory backend.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// ============================================================================
// FileBackend
// ============================================================================

// FileBackend keeps one file per key inside a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed. If dir is empty it
// defaults to ~/.chatsync/data.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync", "data")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key)+".json")
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set writes to a temp file and renames it over the target so a crash never
// leaves a half-written record behind.
func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, b.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
