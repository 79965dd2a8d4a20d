package transmit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxEntrySize bounds one replay log line.
const maxEntrySize = 1 << 20

// Entry is one undelivered alert-class payload.
type Entry struct {
	QueuedAt time.Time       `json:"queued_at"`
	Type     string          `json:"message_type"`
	Payload  json.RawMessage `json:"payload"`
}

// ReplayLog is a durable append-only JSON lines file of undelivered alert payloads.
// Every append is fsynced before it returns.
type ReplayLog struct {
	path string
	mu   sync.Mutex
}

// OpenReplayLog prepares a replay log at path, creating its directory.
func OpenReplayLog(path string) (*ReplayLog, error) {
	if path == "" {
		return nil, errors.New("replay log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create replay log directory: %w", err)
	}
	return &ReplayLog{path: path}, nil
}

// Path returns the file backing the log.
func (l *ReplayLog) Path() string {
	return l.path
}

// Append durably records an entry.
func (l *ReplayLog) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode replay entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open replay log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append replay entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync replay log: %w", err)
	}
	return f.Close()
}

// Entries returns every queued entry, oldest first. Corrupt lines are skipped.
func (l *ReplayLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// Len returns the number of queued entries.
func (l *ReplayLog) Len() int {
	entries, err := l.Entries()
	if err != nil {
		return 0
	}
	return len(entries)
}

func (l *ReplayLog) read() ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open replay log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay log: %w", err)
	}
	return entries, nil
}

// compact rewrites the log as remaining followed by whatever was appended after the
// first snapshotLen entries were read. The rewrite goes through a synced temp file and rename.
func (l *ReplayLog) compact(snapshotLen int, remaining []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.read()
	if err != nil {
		return err
	}
	if snapshotLen < len(current) {
		remaining = append(remaining, current[snapshotLen:]...)
	}

	if len(remaining) == 0 {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove replay log: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create replay log: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range remaining {
		if err := enc.Encode(e); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode replay entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write replay log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync replay log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
