package logcapture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Marker values written into a session banner.
const (
	MarkerCalculated = "calculated"
	MarkerFailed     = "failed"
)

var rule = strings.Repeat("-", 70)

// Session is the log sink of a single request. It owns its artifact file and
// a request-local logger writing into it; nothing about a session is global,
// so concurrent requests never share a destination.
//
// A Session is safe for concurrent use by the goroutines serving its own
// request. Close is idempotent and must be called on every exit path.
type Session struct {
	id   string
	path string

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	closed   bool
	hasTrace bool

	logger  *slog.Logger
	onClose func(*Session)
}

func newSession(id, path string, onClose func(*Session)) (*Session, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log artifact: %w", err)
	}

	s := &Session{
		id:      id,
		path:    path,
		file:    file,
		writer:  bufio.NewWriterSize(file, 32*1024),
		onClose: onClose,
	}
	s.logger = slog.New(slog.NewTextHandler(s, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("session", id)
	return s, nil
}

// ID returns the session identifier used for download.
func (s *Session) ID() string {
	return s.id
}

// Path returns the artifact location on disk.
func (s *Session) Path() string {
	return s.path
}

// Logger returns the request-local structured logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Write appends raw bytes to the artifact. Writes after Close fail with
// os.ErrClosed.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}
	return s.writer.Write(p)
}

// Banner writes the plain-text summary block: a rule, the inbound payload,
// the outcome marker and the report.
func (s *Session) Banner(marker string, payload any, report string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var b strings.Builder
	b.WriteString(rule + "\n\n")
	b.Write(data)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s%s%s\n\n", rule[:10], marker, rule[:10])
	b.WriteString(report + "\n\n\n")

	_, err = s.Write([]byte(b.String()))
	return err
}

// Close flushes buffered output, closes the artifact and registers the
// session as completed. Subsequent calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	flushErr := s.writer.Flush()
	if flushErr == nil {
		flushErr = s.file.Sync()
	}
	closeErr := s.file.Close()
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s)
	}

	if flushErr != nil {
		return fmt.Errorf("failed to flush log artifact: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log artifact: %w", closeErr)
	}
	return nil
}
