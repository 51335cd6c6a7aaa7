package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileStore appends entries as JSON lines to a single file.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
	f  *os.File
}

// NewFileStore opens (creating if needed) the log file at path.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("audit: file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	return &FileStore{path: path, logger: logger, f: f}, nil
}

// Path returns the log file path.
func (s *FileStore) Path() string { return s.path }

// Append writes e as one line with a single write call.
func (s *FileStore) Append(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit: file store is closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// Read scans the whole file. Lines that fail to decode are logged and skipped.
func (s *FileStore) Read(_ context.Context, start, end time.Time) ([]Entry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	defer f.Close()

	var out []Entry
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var e Entry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				s.logger.Warn().Err(uerr).Int("line", lineNo).Str("path", s.path).Msg("skipping malformed audit line")
			} else if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
				out = append(out, e)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audit: read log file: %w", err)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close closes the file. Further appends fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
