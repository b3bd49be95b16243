package logcapture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// TraceEntry is one line of a session's improvement trace: the incumbent
// value after Eval objective calls.
type TraceEntry struct {
	Eval int     `json:"eval"`
	Y    float64 `json:"y"`
}

func tracePath(logPath string) string {
	return strings.TrimSuffix(logPath, ".log") + ".trace.jsonl"
}

// WriteTrace stores entries as JSON lines next to the session log. It may be
// called once, before Close.
func (s *Session) WriteTrace(entries []TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if s.hasTrace {
		return fmt.Errorf("trace already written for session %s", s.id)
	}

	file, err := os.Create(tracePath(s.path))
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			file.Close()
			return fmt.Errorf("failed to write trace entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush trace file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	s.hasTrace = true
	return nil
}

// ReadTrace reads every entry of a trace file.
func ReadTrace(r io.Reader) ([]TraceEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []TraceEntry
	for scanner.Scan() {
		var e TraceEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan trace: %w", err)
	}
	return entries, nil
}
