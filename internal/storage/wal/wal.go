package wal

// ============================================================================
// Task write-ahead log
// Responsibilities:
// 1. Append task events to a JSON-lines file (append-only)
// 2. Replay events after a given sequence to rebuild the task table
// 3. Rotate the file once a snapshot covers its contents
// 4. Keep sequence numbers monotonic across rotations and restarts
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

const (
	defaultBufferSize    = 256
	defaultFlushInterval = 100 * time.Millisecond
)

// WAL is an append-only task event log.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// NewWAL opens or creates the log at path and continues numbering after
// its last intact record. A partially written trailing record left by a
// crash is truncated away.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create WAL dir: %w", err)
		}
	}

	res, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	if res.tornTail {
		log.Warn("Truncating torn WAL tail", "path", path, "offset", res.goodEnd)
		if err := os.Truncate(path, res.goodEnd); err != nil {
			return nil, fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           lastSeq(res.last),
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, defaultBufferSize),
		bufferSize:    defaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: defaultFlushInterval,
	}, nil
}

// Append records the task image after a change and returns its sequence
// number. The event is buffered unless force, syncOnAppend, a full buffer
// or an elapsed flush interval requires writing it out.
func (w *WAL) Append(eventType EventType, task *types.ScheduledTask, force bool) (uint64, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to encode task: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	e := Event{
		Seq:       w.seq,
		Type:      eventType,
		TaskID:    task.ID,
		Task:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
	e.Checksum = CalculateChecksum(e)
	w.buffer = append(w.buffer, e)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return e.Seq, nil
}

// Replay calls handler for every intact event with Seq > after, in order.
// Buffered events are flushed first so the file is complete.
func (w *WAL) Replay(after uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	_, err := scan(w.path, func(e Event) error {
		if e.Seq <= after {
			return nil
		}
		return handler(e)
	})
	return err
}

// EnsureSeq moves the sequence counter to at least n. After a rotation the
// file is empty, so the snapshot's LastSeq is the only record of where
// numbering stood.
func (w *WAL) EnsureSeq(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < n {
		w.seq = n
	}
}

// Rotate flushes the log, keeps it as <path>.prev and starts an empty file.
// Numbering continues.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.encoder = json.NewEncoder(f)
	w.lastFlushTime = time.Now()
	return nil
}

// Flush writes out buffered events.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close flushes and closes the file. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended event.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// flushLocked writes the buffer and fsyncs. Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, e := range w.buffer {
		if err := w.encoder.Encode(e); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
