package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/loghub/trace-relay/internal/domain"
)

// maxLineSize bounds a single entry when reading the file back.
const maxLineSize = 4 << 20

// FileSink appends entries as newline-delimited JSON.
type FileSink struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	written uint64
}

// OpenFile opens path for appending, creating it and its directory if needed.
func OpenFile(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dead-letter directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Append writes one line and syncs it to disk.
func (s *FileSink) Append(_ context.Context, entry domain.DeadLetterEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write dead-letter entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync dead-letter file: %w", err)
	}
	s.written++
	return nil
}

// Written returns how many entries this sink has appended since it was opened.
func (s *FileSink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// List returns the newest limit entries, newest first.
func (s *FileSink) List(_ context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Tail(s.path, limit)
}

// Tail returns the last limit entries of a dead-letter file, newest first.
// A limit of 0 or less returns every entry.
func Tail(path string, limit int) ([]domain.DeadLetterEntry, error) {
	all, err := ReadFile(path, 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	slices.Reverse(all)
	return all, nil
}

// ReadFile returns up to limit entries from a dead-letter file, oldest
// first. A limit of 0 or less returns every entry. A missing file is
// treated as empty.
func ReadFile(path string, limit int) ([]domain.DeadLetterEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	defer f.Close()

	var entries []domain.DeadLetterEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
		var e domain.DeadLetterEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read dead-letter file: %w", err)
	}
	return entries, nil
}

var _ Sink = (*FileSink)(nil)
