// Package content defines the contract with the collaborators that own
// content items (documents, notes, sources) and drives sanitization of their
// raw text.
//
// The core reads raw text and the current sanitize level and writes back only
// masked text, the level it passed at and gate metadata. Raw text never
// leaves this package except through Source.RawText for the re-identification
// guard.
package content

import (
	"context"
	"errors"
	"slices"
	"sync"

	"fortknox/internal/pii"
)

// ErrNotFound is returned for an unknown item id.
var ErrNotFound = errors.New("content item not found")

// Item kinds.
const (
	KindDocument = "document"
	KindNote     = "note"
	KindSource   = "source"
)

// Restrictions are the usage flags set on an item by its owner.
type Restrictions struct {
	AIAllowed     bool `json:"ai_allowed" yaml:"ai_allowed"`
	ExportAllowed bool `json:"export_allowed" yaml:"export_allowed"`
	Excluded      bool `json:"excluded" yaml:"excluded"`
}

// Item is the masked view of a content item. It carries no raw text.
type Item struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	MaskedText   string       `json:"masked_text,omitempty"`
	Level        pii.Level    `json:"sanitize_level"`
	Sanitized    bool         `json:"sanitized"`
	GateReasons  []string     `json:"pii_gate_reasons,omitempty"`
	Quarantined  bool         `json:"quarantined"`
	Restrictions Restrictions `json:"usage_restrictions"`
}

// Source is implemented by the collaborator that owns content items.
type Source interface {
	RawText(ctx context.Context, id string) (string, error)
	SanitizeLevel(ctx context.Context, id string) (pii.Level, error)
	// SetMaskedText records a passing gate decision. reasons is empty.
	SetMaskedText(ctx context.Context, id, text string, level pii.Level, reasons []string) error
	// Quarantine records a terminal rejection. The masked text is left as is.
	Quarantine(ctx context.Context, id string, reasons []string) error
	Item(ctx context.Context, id string) (Item, error)
}

type record struct {
	item Item
	raw  string
}

// MemoryStore is an in-process Source. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*record)}
}

// Put adds or replaces an item with fresh raw text. Replacing an item
// clears its masked text, gate reasons and quarantine flag but keeps the
// sanitize level, which never goes down.
func (m *MemoryStore) Put(id, kind, raw string, r Restrictions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level := pii.Normal
	if old, ok := m.items[id]; ok {
		level = old.item.Level
	}
	m.items[id] = &record{
		raw: raw,
		item: Item{
			ID:           id,
			Kind:         kind,
			Level:        level,
			Restrictions: r,
		},
	}
}

// SetLevel raises the starting level of an item. Lower levels are ignored.
func (m *MemoryStore) SetLevel(id string, level pii.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if level > rec.item.Level {
		rec.item.Level = level
	}
	return nil
}

// IDs returns all item ids in sorted order.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *MemoryStore) RawText(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.items[id]
	if !ok {
		return "", ErrNotFound
	}
	return rec.raw, nil
}

func (m *MemoryStore) SanitizeLevel(_ context.Context, id string) (pii.Level, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.items[id]
	if !ok {
		return 0, ErrNotFound
	}
	return rec.item.Level, nil
}

func (m *MemoryStore) SetMaskedText(_ context.Context, id, text string, level pii.Level, reasons []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if level < rec.item.Level {
		return errors.New("sanitize level may not be lowered")
	}
	rec.item.MaskedText = text
	rec.item.Level = level
	rec.item.Sanitized = true
	rec.item.GateReasons = slices.Clone(reasons)
	rec.item.Quarantined = false
	return nil
}

func (m *MemoryStore) Quarantine(_ context.Context, id string, reasons []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.item.Quarantined = true
	rec.item.GateReasons = slices.Clone(reasons)
	return nil
}

func (m *MemoryStore) Item(_ context.Context, id string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	it := rec.item
	it.GateReasons = slices.Clone(rec.item.GateReasons)
	return it, nil
}
