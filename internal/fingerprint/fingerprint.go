// Package fingerprint computes canonical, order-independent content hashes
// used as idempotency keys.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is the stable identifying subset of one item: no timestamps, no
// fields that do not change the content sent downstream.
type Entry struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	SHA256 string `json:"sha256"`
	Level  string `json:"sanitize_level"`
}

// Canonical returns the canonical JSON encoding of v: map keys sorted, no
// HTML escaping, no trailing newline.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Of returns the hex sha256 of v's canonical encoding.
func Of(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Text returns the hex sha256 of s.
func Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Sorted returns a copy of entries ordered by (kind, id).
func Sorted(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Items fingerprints a set of entries independently of their order.
func Items(entries []Entry) (string, error) {
	return Of(Sorted(entries))
}
