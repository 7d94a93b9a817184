// Package runs persists bulk run records as JSON files named by run id.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the run can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Record is the persisted state of one bulk run.
type Record struct {
	ID               string                  `json:"id"`
	Feature          string                  `json:"feature,omitempty"`
	Action           string                  `json:"action"`
	Method           string                  `json:"method"`
	URL              string                  `json:"url"`
	Injection        string                  `json:"injection"`
	Status           Status                  `json:"status"`
	Targets          int                     `json:"targets"`
	Batches          int                     `json:"batches"`
	CompletedBatches int                     `json:"completed_batches"`
	Summary          types.Summary           `json:"summary"`
	Successful       []string                `json:"successful"`
	Failed           []string                `json:"failed"`
	Skipped          []string                `json:"skipped"`
	Results          []types.OperationResult `json:"results"`
	Error            string                  `json:"error,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	FinishedAt       *time.Time              `json:"finished_at,omitempty"`
}

// SetResults replaces the results and recomputes the summary and the
// per-outcome id lists from them.
func (r *Record) SetResults(results []types.OperationResult) {
	run := types.BatchRun{Results: results}
	r.Results = results
	r.Summary = run.Summary()
	r.Successful = run.Successful()
	r.Failed = run.Failed()
	r.Skipped = run.Skipped()
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Results = slices.Clone(r.Results)
	r.Successful = slices.Clone(r.Successful)
	r.Failed = slices.Clone(r.Failed)
	r.Skipped = slices.Clone(r.Skipped)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// NewID returns a fresh run id.
func NewID() string {
	return uuid.NewString()
}

// Store manages run record files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("run store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// ValidateID rejects anything that is not a canonical lowercase UUID.
func ValidateID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("invalid run id: %q", id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the record, replacing any previous version atomically.
func (s *Store) Save(rec Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("run store: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("run store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("run store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("run store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("run store: rename: %w", err)
	}
	return nil
}

// Get reads a record by id.
func (s *Store) Get(id string) (Record, error) {
	if err := ValidateID(id); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("run store: read: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("run store: unmarshal: %w", err)
	}
	return rec, nil
}

// List returns all records, newest first. Unreadable files are skipped.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("run store: glob: %w", err)
	}

	recs := make([]Record, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Debug("run store: skipping unreadable record", "path", path, "error", err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Debug("run store: skipping corrupt record", "path", path, "error", err)
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("run store: delete: %w", err)
	}
	return nil
}
