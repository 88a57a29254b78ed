// Package pkg provides generic utilities for pytx.
package pkg

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// RecordLog is a durable append-only log of records of type T, one
// JSON document per line. Records are appended once per event and
// never rewritten; a log survives process restarts and is replayed on
// open. A corrupt tail is dropped rather than failing the open.
type RecordLog[T any] interface {
	Len() uint64
	Path() string
	Append(record T) error
	// Replay invokes f for every record in append order. Returning an
	// error from f stops the replay.
	Replay(f func(index uint64, record T) error) error
	Close() error
}

type recordLogImpl[T any] struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	length uint64
}

// OpenRecordLog opens the log at path, creating it if absent. Existing
// records are counted up to the first undecodable line; a corrupt tail
// is truncated so new appends start at a clean offset.
func OpenRecordLog[T any](path string) (RecordLog[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	length, validEnd, err := scanLog[T](path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Error("failed to open record log", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}

	if err := file.Truncate(validEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate record log: %w", err)
	}

	if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek record log: %w", err)
	}

	slog.Debug("opened record log", "path", path, "records", length)

	return &recordLogImpl[T]{
		path:   path,
		file:   file,
		length: length,
	}, nil
}

// scanLog counts decodable lines and returns the byte offset just
// past the last complete record. A missing file yields zero of both.
func scanLog[T any](path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}

		return 0, 0, fmt.Errorf("failed to open record log for scan: %w", err)
	}
	defer file.Close()

	var (
		length   uint64
		validEnd int64
		record   T
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if err := json.Unmarshal(line, &record); err != nil {
			slog.Warn("record log has corrupt tail, truncating", "path", path, "records", length, "error", err)
			break
		}

		length++
		validEnd += int64(len(line)) + 1
	}

	return length, validEnd, nil
}

// Append implements RecordLog.
func (l *recordLogImpl[T]) Append(record T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to encode record", "path", l.path, "index", l.length, "error", err)
		return fmt.Errorf("failed to encode record: %w", err)
	}

	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		slog.Error("failed to append record", "path", l.path, "index", l.length, "error", err)
		return fmt.Errorf("failed to append record: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync record log: %w", err)
	}

	l.length++

	return nil
}

// Len implements RecordLog.
func (l *recordLogImpl[T]) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.length
}

// Path implements RecordLog.
func (l *recordLogImpl[T]) Path() string {
	return l.path
}

// Replay implements RecordLog.
func (l *recordLogImpl[T]) Replay(fn func(index uint64, record T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		slog.Error("failed to open record log for replay", "path", l.path, "error", err)
		return fmt.Errorf("failed to open record log: %w", err)
	}

	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("failed to close record log", "path", l.path, "error", err)
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		index  uint64
		record T
	)

	for scanner.Scan() && index < l.length {
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			slog.Error("failed to decode record during replay", "path", l.path, "index", index, "error", err)
			return fmt.Errorf("failed to decode record at index %d: %w", index, err)
		}

		if err := fn(index, record); err != nil {
			return err
		}

		index++
	}

	return nil
}

// Close implements RecordLog.
func (l *recordLogImpl[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			slog.Error("failed to close record log", "path", l.path, "error", err)
			return err
		}

		l.file = nil
	}

	return nil
}
