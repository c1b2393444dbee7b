// Package pack builds the deterministic content pack sent to a remote
// compile engine.
//
// Only approved masked text enters a pack: items that are quarantined, carry
// gate reasons, sit below the policy minimum level or are not cleared for AI
// use are left out and listed as exclusions with a reason code. The manifest
// is sorted by (kind, id) and the aggregate fingerprint covers the policy,
// template and manifest, never wall-clock time.
package pack

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fortknox/internal/content"
	"fortknox/internal/fault"
	"fortknox/internal/fingerprint"
	"fortknox/internal/logger"
	"fortknox/internal/pii"
)

// Exclusion reason codes.
const (
	ReasonMissing       = "missing"
	ReasonQuarantined   = "quarantined"
	ReasonGateFailed    = "gate_failed"
	ReasonNotSanitized  = "not_sanitized"
	ReasonBelowMinLevel = "below_min_level"
	ReasonAINotAllowed  = "ai_not_allowed"
	ReasonExcluded      = "excluded"
)

// Item is one packed item: its manifest entry plus its masked text.
type Item struct {
	Kind  string    `json:"kind"`
	ID    string    `json:"id"`
	Level pii.Level `json:"sanitize_level"`
	Text  string    `json:"text"`
	// GateReasons is carried for the input gate's re-verification and is
	// always empty for items the builder admits.
	GateReasons []string `json:"-"`
}

// Exclusion records an item left out of a pack. Metadata only.
type Exclusion struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Pack is an ephemeral, deterministic aggregate of approved items.
type Pack struct {
	PolicyID    string              `json:"policy"`
	TemplateID  string              `json:"template"`
	Manifest    []fingerprint.Entry `json:"manifest"`
	Items       []Item              `json:"items"`
	Excluded    []Exclusion         `json:"excluded,omitempty"`
	Bytes       int                 `json:"bytes"`
	Fingerprint string              `json:"fingerprint"`
}

// payload is the serialized form sent downstream and measured for size.
type payload struct {
	Policy   string `json:"policy"`
	Template string `json:"template"`
	Items    []Item `json:"items"`
}

type aggregate struct {
	Policy   string              `json:"policy"`
	Template string              `json:"template"`
	Manifest []fingerprint.Entry `json:"manifest"`
}

// Payload returns the canonical serialization of the pack's masked content.
func (p *Pack) Payload() ([]byte, error) {
	return fingerprint.Canonical(payload{Policy: p.PolicyID, Template: p.TemplateID, Items: p.Items})
}

// Texts returns the masked texts of the packed items in manifest order.
func (p *Pack) Texts() []string {
	out := make([]string, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.Text
	}
	return out
}

// IDs returns the packed item ids in manifest order.
func (p *Pack) IDs() []string {
	out := make([]string, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.ID
	}
	return out
}

// Builder reads items from a content source and assembles packs.
type Builder struct {
	src content.Source
	log *logger.Logger
}

// NewBuilder returns a Builder over src.
func NewBuilder(src content.Source, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	return &Builder{src: src, log: log}
}

// Build assembles a pack from refs under policy. Duplicate refs are packed
// once. It fails with EMPTY_PACK when no item is eligible.
func (b *Builder) Build(ctx context.Context, policy Policy, templateID string, refs []string) (*Pack, error) {
	p := &Pack{PolicyID: policy.ID, TemplateID: templateID}
	seen := make(map[string]bool, len(refs))
	var items []Item

	for _, id := range refs {
		if seen[id] {
			continue
		}
		seen[id] = true

		it, err := b.src.Item(ctx, id)
		if errors.Is(err, content.ErrNotFound) {
			p.Excluded = append(p.Excluded, Exclusion{ID: id, Reason: ReasonMissing})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read item %s: %w", id, err)
		}
		if reason := eligibility(it, policy); reason != "" {
			p.Excluded = append(p.Excluded, Exclusion{ID: id, Reason: reason})
			continue
		}
		items = append(items, Item{Kind: it.Kind, ID: it.ID, Level: it.Level, Text: it.MaskedText})
	}

	if len(items) == 0 {
		b.log.Warn("build", "no eligible items", zap.String("policy", policy.ID), zap.Int("excluded", len(p.Excluded)))
		return nil, fault.New(fault.EmptyPack)
	}

	entries := make([]fingerprint.Entry, len(items))
	byKey := make(map[[2]string]Item, len(items))
	for i, it := range items {
		entries[i] = fingerprint.Entry{Kind: it.Kind, ID: it.ID, SHA256: fingerprint.Text(it.Text), Level: it.Level.String()}
		byKey[[2]string{it.Kind, it.ID}] = it
	}
	p.Manifest = fingerprint.Sorted(entries)
	p.Items = make([]Item, len(p.Manifest))
	for i, e := range p.Manifest {
		p.Items[i] = byKey[[2]string{e.Kind, e.ID}]
	}

	fp, err := fingerprint.Of(aggregate{Policy: p.PolicyID, Template: p.TemplateID, Manifest: p.Manifest})
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fp

	body, err := p.Payload()
	if err != nil {
		return nil, err
	}
	p.Bytes = len(body)

	b.log.Info("build", "pack built",
		zap.String("policy", policy.ID),
		zap.String("fingerprint", fp),
		zap.Int("items", len(p.Items)),
		zap.Int("excluded", len(p.Excluded)),
		zap.Int("bytes", p.Bytes))
	return p, nil
}

func eligibility(it content.Item, policy Policy) string {
	switch {
	case it.Quarantined:
		return ReasonQuarantined
	case len(it.GateReasons) > 0:
		return ReasonGateFailed
	case !it.Sanitized:
		return ReasonNotSanitized
	case it.Restrictions.Excluded:
		return ReasonExcluded
	case !it.Restrictions.AIAllowed:
		return ReasonAINotAllowed
	case it.Level < policy.MinLevel:
		return ReasonBelowMinLevel
	default:
		return ""
	}
}
