package memo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// Open builds the store selected by backend. dir is used by the fs backend,
// dbPath by sqlite (defaulting to <dir>/cache.db).
func Open(backend, dir, dbPath string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		return NewFSStore(dir)
	case BackendSQLite:
		if dbPath == "" {
			dbPath = filepath.Join(dir, "cache.db")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		return NewSQLiteStore(dbPath)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", backend)
	}
}
