package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// WAL implements a Write-Ahead Log for durability
type WAL struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// WALEntry represents a single WAL entry
type WALEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Table     string         `json:"table"`
	Records   []types.Record `json:"records"`
}

const walFlushInterval = time.Second

// NewWAL creates a new Write-Ahead Log
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	wal := &WAL{
		path:   walPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}
	wal.flushTimer = time.AfterFunc(walFlushInterval, wal.autoFlush)

	return wal, nil
}

// Append appends a write request to the WAL
func (w *WAL) Append(req *types.WriteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(WALEntry{
		Timestamp: time.Now(),
		TenantID:  req.TenantID,
		Table:     req.Table,
		Records:   req.Records,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush flushes the WAL to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Truncate drops every entry once they are all stored
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind WAL: %w", err)
	}
	return nil
}

// autoFlush periodically flushes the WAL
func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err := w.flushLocked(); err != nil {
		log.Error(err).Msg("WAL flush failed")
	}
	w.flushTimer.Reset(walFlushInterval)
}

// Close flushes and closes the WAL. The file is removed when it holds no
// pending entries.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.flushTimer.Stop()

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	info, err := w.file.Stat()
	if err := w.file.Close(); err != nil {
		return err
	}
	if err == nil && info.Size() == 0 {
		os.Remove(w.file.Name())
	}
	return nil
}

// ReplayWAL hands every logged write to handler, oldest file first, and
// removes each file once replayed.
func ReplayWAL(dataPath string, handler func(*types.WriteRequest) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		n, err := replayWALFile(filename, handler)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to replay %s: %w", filename, err)
		}
		if err := os.Remove(filename); err != nil {
			return total, fmt.Errorf("failed to remove %s: %w", filename, err)
		}
	}

	return total, nil
}

// replayWALFile replays a single WAL file
func replayWALFile(filename string, handler func(*types.WriteRequest) error) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn last line from a crash mid-append.
			log.Warn().Err(err).Str("file", filename).Msg("Skipping unreadable WAL entry")
			continue
		}

		req := &types.WriteRequest{
			TenantID: entry.TenantID,
			Table:    entry.Table,
			Records:  entry.Records,
		}
		if err := handler(req); err != nil {
			return n, fmt.Errorf("failed to replay entry: %w", err)
		}
		n++
	}

	return n, scanner.Err()
}

// Writer stores write requests
type Writer interface {
	Write(ctx context.Context, req *types.WriteRequest) ([]types.Record, error)
}

const batchFlushInterval = 100 * time.Millisecond

// BatchWriter buffers writes and stores them in batches, one per tenant
// and table. Buffered writes are logged to the WAL first, and the WAL is
// truncated once the buffer is empty.
type BatchWriter struct {
	storage    Writer
	wal        *WAL
	buffer     []*types.WriteRequest
	bufferSize int
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// NewBatchWriter creates a new batch writer. wal may be nil.
func NewBatchWriter(storage Writer, wal *WAL, bufferSize int) *BatchWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	bw := &BatchWriter{
		storage:    storage,
		wal:        wal,
		buffer:     make([]*types.WriteRequest, 0, bufferSize),
		bufferSize: bufferSize,
	}
	bw.flushTimer = time.AfterFunc(batchFlushInterval, bw.autoFlush)
	return bw
}

// Write validates and buffers a write request
func (bw *BatchWriter) Write(req *types.WriteRequest) error {
	if err := Validate(req); err != nil {
		return err
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return errors.New("batch writer is closed")
	}

	if bw.wal != nil {
		if err := bw.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	bw.buffer = append(bw.buffer, req)

	if bw.pendingLocked() >= bw.bufferSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) pendingLocked() int {
	n := 0
	for _, req := range bw.buffer {
		n += len(req.Records)
	}
	return n
}

// Flush stores the buffer
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

type batchKey struct {
	tenant string
	table  string
}

// flushLocked stores the buffer (must hold lock). Batches that fail are
// kept for the next flush.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	var order []batchKey
	batches := make(map[batchKey]*types.WriteRequest)
	for _, req := range bw.buffer {
		k := batchKey{req.TenantID, req.Table}
		b, ok := batches[k]
		if !ok {
			b = &types.WriteRequest{TenantID: req.TenantID, Table: req.Table}
			batches[k] = b
			order = append(order, k)
		}
		b.Records = append(b.Records, req.Records...)
	}

	var failed []*types.WriteRequest
	var firstErr error
	for _, k := range order {
		b := batches[k]
		if _, err := bw.storage.Write(context.Background(), b); err != nil {
			if errors.Is(err, errs.ErrInvalidArgument) {
				log.Warn().Err(err).Str("tenant", k.tenant).Str("table", k.table).Msg("Dropping rejected batch")
				continue
			}
			failed = append(failed, b)
			if firstErr == nil {
				firstErr = fmt.Errorf("batch write failed: %w", err)
			}
		}
	}

	bw.buffer = append(bw.buffer[:0], failed...)
	if len(bw.buffer) == 0 && bw.wal != nil {
		if err := bw.wal.Truncate(); err != nil {
			return err
		}
	}
	return firstErr
}

// autoFlush periodically flushes the buffer
func (bw *BatchWriter) autoFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return
	}
	if err := bw.flushLocked(); err != nil {
		log.Error(err).Msg("Batch flush failed")
	}
	bw.flushTimer.Reset(batchFlushInterval)
}

// Close stops the flush timer and stores what is left
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	return bw.flushLocked()
}
