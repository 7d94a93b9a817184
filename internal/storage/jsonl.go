package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("writer is closed")

// ErrBufferFull is returned by Write when the queue cannot take another record.
var ErrBufferFull = errors.New("buffer full")

const closeDrainTimeout = 5 * time.Second

// JSONLWriter appends JSON lines asynchronously to
// baseDir/<date>/subDir/<fileBase>.jsonl, rolling to a new date directory at
// UTC midnight and rotating by size through lumberjack.
type JSONLWriter struct {
	baseDir     string
	subDir      string // e.g. "v2_location/capture" or "runs/<id>"
	maxSizeMB   int
	fileBase    string // filename without extension; timestamp when empty
	writeCh     chan any
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
}

// NewJSONLWriter creates a writer using timestamp-based filenames.
func NewJSONLWriter(baseDir, subDir string, bufferSize int, maxSizeMB int) *JSONLWriter {
	return newJSONLWriter(baseDir, subDir, bufferSize, maxSizeMB, "")
}

// NewNamedJSONLWriter creates a writer whose file is named fileBase.jsonl.
func NewNamedJSONLWriter(baseDir, subDir string, bufferSize int, maxSizeMB int, fileBase string) *JSONLWriter {
	return newJSONLWriter(baseDir, subDir, bufferSize, maxSizeMB, fileBase)
}

func newJSONLWriter(baseDir, subDir string, bufferSize int, maxSizeMB int, fileBase string) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		maxSizeMB: maxSizeMB,
		fileBase:  fileBase,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a record. It never blocks: a full queue drops the record.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}

	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("jsonl buffer full, dropping record", "subdir", w.subDir)
		return ErrBufferFull
	}
}

// Close stops the writer, flushing what is queued within a short deadline.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	timeout := time.After(closeDrainTimeout)
drain:
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("jsonl close timeout, some records may be lost", "subdir", w.subDir)
			break drain
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		err := w.logger.Close()
		w.logger = nil
		return err
	}
	return nil
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal jsonl record", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	currentDate := time.Now().UTC().Format("2006-01-02")
	if currentDate != w.currentDate || w.logger == nil {
		if err := w.rotateForDate(currentDate); err != nil {
			slog.Error("failed to open jsonl file", "error", err, "subdir", w.subDir)
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write jsonl record", "error", err, "subdir", w.subDir)
	}
}

func (w *JSONLWriter) rotateForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	base := w.fileBase
	if base == "" {
		base = fmt.Sprintf("%d", time.Now().Unix())
	}
	filename := filepath.Join(dir, base+".jsonl")

	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("opened jsonl file", "file", filename, "subdir", w.subDir)
	return nil
}
