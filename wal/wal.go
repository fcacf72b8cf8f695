// Package wal is the governor's append-only audit journal. Every intended
// and performed lifecycle action is written here, fsynced, before or as it
// happens, so the history survives even when the state store is lost.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryPass         EntryType = "pass"
	EntryObserved     EntryType = "observed"
	EntryWarned       EntryType = "warned"
	EntryNotifyFailed EntryType = "notify_failed"
	EntryScheduled    EntryType = "scheduled"
	EntryDeleting     EntryType = "deleting"
	EntryDeleted      EntryType = "deleted"
	EntryFailed       EntryType = "failed"
	EntryDeferred     EntryType = "deferred"
	EntryReset        EntryType = "reset"
	EntryDryRun       EntryType = "dry_run"
)

// DefaultPrefix names journal files sunset-<timestamp>.wal
const DefaultPrefix = "sunset"

// Config controls where journal files live and how long they are kept
type Config struct {
	Dir           string
	FilePrefix    string
	RetentionDays int
}

func (c Config) prefix() string {
	if c.FilePrefix == "" {
		return DefaultPrefix
	}
	return c.FilePrefix
}

// Entry represents a single WAL entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Type       EntryType       `json:"type"`
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
}

// WAL is an fsynced JSON-lines journal. One file is opened per process
// start; sequence numbers continue across files.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	config   Config
	now      func() time.Time
}

// Open creates a new journal file in cfg.Dir
func Open(cfg Config) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, errors.New("WAL directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{config: cfg, now: time.Now}
	last, err := lastSequence(listFiles(cfg.Dir, cfg.prefix()))
	if err != nil {
		return nil, fmt.Errorf("failed to load WAL sequence: %w", err)
	}
	w.sequence = last

	filename := fmt.Sprintf("%s-%s.wal", cfg.prefix(), w.now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(cfg.Dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Path returns the file currently being written
func (w *WAL) Path() string {
	return w.file.Name()
}

// Sequence returns the last sequence number written
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, resourceID string, data any) error {
	return w.append(entryType, resourceID, data, nil)
}

// AppendError adds an entry carrying the error that caused it
func (w *WAL) AppendError(entryType EntryType, resourceID string, data any, errToLog error) error {
	return w.append(entryType, resourceID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, resourceID string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Timestamp:  w.now().UTC(),
		Sequence:   w.sequence + 1,
		Type:       entryType,
		ResourceID: resourceID,
		Data:       jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	w.sequence = entry.Sequence
	return nil
}

// writeEntry writes a single entry and syncs it to disk
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry newer than since, oldest file first
func Replay(cfg Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range listFiles(cfg.Dir, cfg.prefix()) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// listFiles returns journal files sorted oldest first. The timestamp in
// the name sorts lexically.
func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// lastSequence scans the newest non-empty file for its highest sequence.
// A torn final line from a crash is tolerated.
func lastSequence(files []string) (int64, error) {
	for i := len(files) - 1; i >= 0; i-- {
		var last int64
		err := replayFile(files[i], time.Time{}, func(e *Entry) error {
			if e.Sequence > last {
				last = e.Sequence
			}
			return nil
		})
		if err != nil && last == 0 {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return 0, err
			}
			continue
		}
		if last > 0 {
			return last, nil
		}
	}
	return 0, nil
}
