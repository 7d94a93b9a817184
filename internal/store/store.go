package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// Key names a persisted value.
type Key string

const (
	KeyCredentials    Key = "credentials"
	KeyTargets        Key = "targets"
	KeyActionTemplate Key = "actionTemplate"
	KeyRecording      Key = "recordingFlag"
)

const subscriberBufSize = 64

// Entry is one persisted key/value row. Value holds JSON.
type Entry struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// TableName keeps the table name stable regardless of gorm naming strategy.
func (Entry) TableName() string { return "bulkops_entries" }

// Change is delivered to subscribers after every successful commit.
type Change struct {
	Key   Key             `json:"key"`
	Value json.RawMessage `json:"value"`
	At    time.Time       `json:"at"`
}

// Snapshot is a consistent copy of everything the capture side has stored.
type Snapshot struct {
	Credentials   types.Credentials     `json:"credentials"`
	CapturedAt    time.Time             `json:"captured_at"`
	Targets       types.TargetSet       `json:"targets"`
	Template      *types.ActionTemplate `json:"template,omitempty"`
	RecordingMode bool                  `json:"recording_mode"`
}

// Store is a key/value store for captured session state. Writes are
// serialized; every read decodes a fresh copy so callers never share memory
// with the store or with each other.
type Store struct {
	db *gorm.DB
	mu sync.Mutex

	subsMu sync.RWMutex
	subs   map[int64]chan Change
	nextID atomic.Int64
}

// Open opens (or creates) the sqlite database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}
	if !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(slog.Default()).LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: sql handle: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps :memory: databases alive.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	slog.Info("store opened", "dsn", dsn)
	return &Store{db: db, subs: make(map[int64]chan Change)}, nil
}

// Close closes the database and all subscriber channels.
func (s *Store) Close() error {
	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Subscribe registers a listener for committed changes. Slow subscribers have
// changes dropped rather than blocking writers.
func (s *Store) Subscribe() (int64, <-chan Change) {
	id := s.nextID.Add(1)
	ch := make(chan Change, subscriberBufSize)
	s.subsMu.Lock()
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *Store) Unsubscribe(id int64) {
	s.subsMu.Lock()
	ch, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

func (s *Store) notify(c Change) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			slog.Warn("store subscriber slow, dropping change", "subscriber", id, "key", c.Key)
		}
	}
}

// put commits value under key and notifies subscribers.
func (s *Store) put(ctx context.Context, key Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&Entry{Key: string(key), Value: string(data), UpdatedAt: now}).Error
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}

	s.notify(Change{Key: key, Value: json.RawMessage(data), At: now})
	return nil
}

// get decodes the value stored under key into dest. A missing key is not an
// error: found is false and dest is left untouched.
func (s *Store) get(ctx context.Context, key Key, dest any) (found bool, updatedAt time.Time, err error) {
	var e Entry
	err = s.db.WithContext(ctx).Where(&Entry{Key: string(key)}).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("store: read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(e.Value), dest); err != nil {
		return false, time.Time{}, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, e.UpdatedAt, nil
}

// Credentials returns the latest captured credentials, or an empty set.
func (s *Store) Credentials(ctx context.Context) (types.Credentials, error) {
	creds, _, err := s.CredentialsWithTime(ctx)
	return creds, err
}

// CredentialsWithTime also returns when the credentials were committed.
// The time is zero when nothing has been captured yet.
func (s *Store) CredentialsWithTime(ctx context.Context) (types.Credentials, time.Time, error) {
	creds := types.Credentials{}
	_, at, err := s.get(ctx, KeyCredentials, &creds)
	if err != nil {
		return types.Credentials{}, time.Time{}, err
	}
	return creds, at, nil
}

// SaveCredentials replaces the stored credentials as a whole.
func (s *Store) SaveCredentials(ctx context.Context, creds types.Credentials) error {
	return s.put(ctx, KeyCredentials, creds)
}

// Targets returns the stored target set, or an empty one.
func (s *Store) Targets(ctx context.Context) (types.TargetSet, error) {
	targets := types.TargetSet{}
	if _, _, err := s.get(ctx, KeyTargets, &targets); err != nil {
		return types.TargetSet{}, err
	}
	return targets, nil
}

// SaveTargets replaces the stored target set.
func (s *Store) SaveTargets(ctx context.Context, targets types.TargetSet) error {
	if targets == nil {
		targets = types.TargetSet{}
	}
	return s.put(ctx, KeyTargets, targets)
}

// Template returns the recorded action template, or nil.
func (s *Store) Template(ctx context.Context) (*types.ActionTemplate, error) {
	var tpl types.ActionTemplate
	found, _, err := s.get(ctx, KeyActionTemplate, &tpl)
	if err != nil || !found {
		return nil, err
	}
	return &tpl, nil
}

// SaveTemplate replaces the recorded action template.
func (s *Store) SaveTemplate(ctx context.Context, tpl types.ActionTemplate) error {
	return s.put(ctx, KeyActionTemplate, tpl)
}

// Recording reports whether recording mode is active.
func (s *Store) Recording(ctx context.Context) (bool, error) {
	var on bool
	if _, _, err := s.get(ctx, KeyRecording, &on); err != nil {
		return false, err
	}
	return on, nil
}

// SetRecording toggles recording mode.
func (s *Store) SetRecording(ctx context.Context, on bool) error {
	return s.put(ctx, KeyRecording, on)
}

// TakeRecording consumes recording mode: it reports whether the flag was set
// and clears it in the same transaction. At most one caller sees true per
// activation.
func (s *Store) TakeRecording(ctx context.Context) (bool, error) {
	off, _ := json.Marshal(false)
	now := time.Now().UTC()

	s.mu.Lock()
	var taken bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Entry
		err := tx.Where(&Entry{Key: string(KeyRecording)}).Take(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var on bool
		if err := json.Unmarshal([]byte(e.Value), &on); err != nil {
			return fmt.Errorf("decode %s: %w", KeyRecording, err)
		}
		if !on {
			return nil
		}
		e.Value = string(off)
		e.UpdatedAt = now
		if err := tx.Save(&e).Error; err != nil {
			return err
		}
		taken = true
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("store: take %s: %w", KeyRecording, err)
	}

	if taken {
		s.notify(Change{Key: KeyRecording, Value: json.RawMessage(off), At: now})
	}
	return taken, nil
}

// Snapshot reads every key under the write lock so the result is consistent.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	var err error
	if snap.Credentials, snap.CapturedAt, err = s.CredentialsWithTime(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Targets, err = s.Targets(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Template, err = s.Template(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.RecordingMode, err = s.Recording(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
