package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// FSStore persists one JSON entry per key under <baseDir>/reports/<hash>.json.
// Writes go through a temp file + rename so a crash never leaves a torn
// entry behind. The mutex serializes map-level operations (write, clear,
// count) the same way MemoryStore does.
type FSStore struct {
	mu      sync.Mutex
	baseDir string
	counters
}

// NewFSStore creates a filesystem-backed store. The reports directory is
// created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	fs := &FSStore{baseDir: baseDir}
	if err := os.MkdirAll(fs.reportsDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return fs, nil
}

func (fs *FSStore) reportsDir() string {
	return filepath.Join(fs.baseDir, "reports")
}

func (fs *FSStore) entryPath(keyHash string) string {
	return filepath.Join(fs.reportsDir(), keyHash+".json")
}

// Lookup returns the cached report for key.
func (fs *FSStore) Lookup(ctx context.Context, key request.Key) (string, bool, error) {
	entry, err := fs.LoadEntry(key.Hash())
	if err != nil {
		if isNotFound(err) {
			fs.record(false)
			return "", false, nil
		}
		return "", false, err
	}
	fs.record(true)
	return entry.Report, true, nil
}

// LoadEntry reads the entry stored under keyHash.
func (fs *FSStore) LoadEntry(keyHash string) (*Entry, error) {
	data, err := os.ReadFile(fs.entryPath(keyHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{KeyHash: keyHash}
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to deserialize cache entry: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", keyHash, err)
	}
	return &entry, nil
}

// Store atomically writes the entry for key, keeping the original creation
// time when overwriting.
func (fs *FSStore) Store(ctx context.Context, key request.Key, report string) error {
	entry := NewEntry(key, report)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if prev, err := fs.LoadEntry(entry.KeyHash); err == nil {
		entry.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}

	finalPath := fs.entryPath(entry.KeyHash)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp cache entry: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename cache entry: %w", err)
	}

	slog.Debug("Cache entry saved", "key_hash", entry.KeyHash, "path", finalPath)
	return nil
}

// ListEntries returns every readable entry. Corrupt files are skipped with a
// warning.
func (fs *FSStore) ListEntries() ([]*Entry, error) {
	names, err := fs.entryFiles()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		entry, err := fs.LoadEntry(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("Failed to load cache entry for listing", "file", name, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats returns the entry count and counters.
func (fs *FSStore) Stats(ctx context.Context) (Stats, error) {
	fs.mu.Lock()
	names, err := fs.entryFiles()
	fs.mu.Unlock()
	if err != nil {
		return Stats{}, err
	}
	return fs.stats("fs", int64(len(names))), nil
}

// Clear removes every stored entry.
func (fs *FSStore) Clear(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	names, err := fs.entryFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(fs.reportsDir(), name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove cache entry: %w", err)
		}
	}
	return nil
}

// DeleteEntry removes the entry with the given key hash.
func (fs *FSStore) DeleteEntry(keyHash string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.entryPath(keyHash)); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{KeyHash: keyHash}
		}
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// Close is a no-op.
func (fs *FSStore) Close() error {
	return nil
}

func (fs *FSStore) entryFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(fs.reportsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}
