package logcapture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// ErrSessionNotFound is returned when an artifact ID is unknown or not yet
// completed.
var ErrSessionNotFound = errors.New("log session not found")

// Manager hands out per-request sessions rooted at one directory and keeps
// an index of completed artifacts for download.
type Manager struct {
	dir string
	seq atomic.Uint64

	mu        sync.RWMutex
	completed map[string]string // session ID -> artifact path
	traces    map[string]string // session ID -> trace path
	latest    string
}

// NewManager creates the artifact directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Manager{
		dir:       dir,
		completed: make(map[string]string),
		traces:    make(map[string]string),
	}, nil
}

// Open starts a session for key. The artifact name combines a prefix of the
// key hash, a process-wide sequence number and a random UUID so no two
// sessions ever share a file.
func (m *Manager) Open(key request.Key) (*Session, error) {
	id := fmt.Sprintf("%s-%06d-%s", key.Hash()[:12], m.seq.Add(1), uuid.New().String())
	path := filepath.Join(m.dir, id+".log")
	return newSession(id, path, m.complete)
}

func (m *Manager) complete(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed[s.id] = s.path
	if s.hasTrace {
		m.traces[s.id] = tracePath(s.path)
	}
	m.latest = s.id
}

// Latest returns the ID of the most recently closed session.
func (m *Manager) Latest() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.latest != ""
}

// Path resolves a completed session ID to its artifact path.
func (m *Manager) Path(id string) (string, error) {
	return m.resolve(m.completed, id)
}

// TracePath resolves a completed session ID to its improvement trace. Only
// sessions that recorded a history have one.
func (m *Manager) TracePath(id string) (string, error) {
	return m.resolve(m.traces, id)
}

func (m *Manager) resolve(index map[string]string, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	m.mu.RLock()
	path, ok := index[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return path, nil
}
