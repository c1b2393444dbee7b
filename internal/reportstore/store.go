// Package reportstore persists gate-approved reports keyed by
// (fingerprint, engine id).
//
// Store is the idempotency record of the compile pipeline: InsertIfAbsent
// is atomic in every backend, so concurrent first-time writers for one key
// end up with the same stored report. Reports are immutable once stored and
// are kept as canonical JSON, so every read of a key returns the same bytes.
//
// Implementations:
//   - memoryStore: in-process map, used in tests and when no path is set.
//   - boltStore:   embedded bbolt file.
//   - redisStore:  shared redis, SETNX for insert-if-absent.
//   - hotCache:    S3-FIFO in-memory layer in front of any of the above.
package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"fortknox/internal/fingerprint"
)

// ErrNotFound is returned by Lookup when no report exists for a key.
var ErrNotFound = errors.New("report not found")

// Key identifies a report.
type Key struct {
	Fingerprint string `json:"fingerprint"`
	EngineID    string `json:"engine_id"`
}

func (k Key) String() string { return k.Fingerprint + ":" + k.EngineID }

// Report is the final, gate-approved artifact of one compile.
type Report struct {
	Fingerprint string              `json:"fingerprint"`
	EngineID    string              `json:"engine_id"`
	PolicyID    string              `json:"policy_id"`
	TemplateID  string              `json:"template_id"`
	Content     string              `json:"content"`
	Manifest    []fingerprint.Entry `json:"manifest"`
	CreatedAt   time.Time           `json:"created_at"`
	LatencyMs   int64               `json:"latency_ms"`
}

// Key returns the report's key.
func (r *Report) Key() Key { return Key{Fingerprint: r.Fingerprint, EngineID: r.EngineID} }

func (r *Report) clone() *Report {
	c := *r
	c.Manifest = slices.Clone(r.Manifest)
	return &c
}

// Store is the report persistence interface. All implementations must be
// safe for concurrent use.
type Store interface {
	// Lookup returns the report for key or ErrNotFound.
	Lookup(ctx context.Context, key Key) (*Report, error)

	// InsertIfAbsent stores r unless a report already exists for its key.
	// It returns the stored report, which is the existing one when inserted
	// is false.
	InsertIfAbsent(ctx context.Context, r *Report) (stored *Report, inserted bool, err error)

	// Close releases any resources held by the store.
	Close() error
}

func encode(r *Report) ([]byte, error) {
	if r.Fingerprint == "" || r.EngineID == "" {
		return nil, errors.New("report key is incomplete")
	}
	return fingerprint.Canonical(r)
}

func decode(b []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// --- memoryStore ---------------------------------------------------------

type memoryStore struct {
	mu    sync.RWMutex
	store map[Key][]byte
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{store: make(map[Key][]byte)}
}

func (s *memoryStore) Lookup(_ context.Context, key Key) (*Report, error) {
	s.mu.RLock()
	b, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

func (s *memoryStore) InsertIfAbsent(_ context.Context, r *Report) (*Report, bool, error) {
	b, err := encode(r)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	existing, ok := s.store[r.Key()]
	if !ok {
		s.store[r.Key()] = b
	}
	s.mu.Unlock()
	if ok {
		stored, err := decode(existing)
		return stored, false, err
	}
	stored, err := decode(b)
	return stored, true, err
}

func (s *memoryStore) Close() error { return nil }
