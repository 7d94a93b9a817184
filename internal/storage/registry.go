package storage

import (
	"log/slog"
	"path"
	"sync"
)

// WriterRegistry owns one JSONLWriter per scope and kind. Capture sessions
// use the tab's path segment as scope; runs use "runs" with the run id.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	// writers maps scope -> kind -> writer
	writers map[string]map[string]*JSONLWriter
	mu      sync.RWMutex
}

// NewWriterRegistry creates a registry writing under baseDir.
func NewWriterRegistry(baseDir string, bufferSize int, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]map[string]*JSONLWriter),
	}
}

// GetWriter returns (or creates) the writer for scope/kind. fileBase names the
// file; the first caller for a scope/kind decides it.
func (r *WriterRegistry) GetWriter(scope, kind, fileBase string) *JSONLWriter {
	r.mu.RLock()
	if w, ok := r.writers[scope][kind]; ok {
		r.mu.RUnlock()
		return w
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[scope][kind]; ok {
		return w
	}
	if r.writers[scope] == nil {
		r.writers[scope] = make(map[string]*JSONLWriter)
	}

	w := NewNamedJSONLWriter(r.baseDir, path.Join(scope, kind), r.bufferSize, r.maxSizeMB, fileBase)
	r.writers[scope][kind] = w

	slog.Info("created jsonl writer", "scope", scope, "kind", kind, "file_base", fileBase)
	return w
}

// Release closes and forgets a single writer.
func (r *WriterRegistry) Release(scope, kind string) error {
	r.mu.Lock()
	w, ok := r.writers[scope][kind]
	if ok {
		delete(r.writers[scope], kind)
		if len(r.writers[scope]) == 0 {
			delete(r.writers, scope)
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Close()
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for scope, kinds := range r.writers {
		for kind, w := range kinds {
			if err := w.Close(); err != nil {
				slog.Error("failed to close writer", "scope", scope, "kind", kind, "error", err)
				lastErr = err
			}
		}
	}
	r.writers = make(map[string]map[string]*JSONLWriter)
	return lastErr
}
