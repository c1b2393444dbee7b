package content

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fortknox/internal/fault"
	"fortknox/internal/logger"
	"fortknox/internal/metrics"
	"fortknox/internal/normalize"
	"fortknox/internal/pii"
)

// Result is the outcome of sanitizing one item. Err is a *fault.Error of
// kind MASK_ESCALATION_EXHAUSTED when the item was quarantined, or a store
// error.
type Result struct {
	ID          string    `json:"id"`
	Level       pii.Level `json:"sanitize_level"`
	Categories  []string  `json:"categories,omitempty"`
	Attempts    int       `json:"attempts"`
	Quarantined bool      `json:"quarantined"`
	Reasons     []string  `json:"reasons,omitempty"`
	Err         error     `json:"-"`
}

// Sanitizer normalizes, masks and gates item text and writes the outcome
// back to the Source.
type Sanitizer struct {
	src         Source
	pii         *pii.Sanitizer
	log         *logger.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// NewSanitizer returns a Sanitizer. concurrency bounds SanitizeAll; values
// below 1 mean 4.
func NewSanitizer(src Source, rules *pii.Ruleset, concurrency int, log *logger.Logger, m *metrics.Metrics) *Sanitizer {
	if concurrency < 1 {
		concurrency = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sanitizer{src: src, pii: pii.NewSanitizer(rules), log: log, metrics: m, concurrency: concurrency}
}

// Sanitize runs the escalation machine for one item, starting at its
// current level.
func (s *Sanitizer) Sanitize(ctx context.Context, id string) Result {
	start := time.Now()
	res := Result{ID: id}

	raw, err := s.src.RawText(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("read raw text %s: %w", id, err)
		return res
	}
	level, err := s.src.SanitizeLevel(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("read sanitize level %s: %w", id, err)
		return res
	}

	out := s.pii.Run(normalize.Text(raw), level)
	res.Attempts = out.Attempts
	for l := level + 1; int(l-level) < out.Attempts && l <= pii.Paranoid; l++ {
		s.metrics.RecordEscalation(l.String())
	}

	passed, ok := out.Level()
	if !ok {
		res.Level = pii.Paranoid
		res.Quarantined = true
		res.Reasons = out.Decision.Reasons
		if err := s.src.Quarantine(ctx, id, out.Decision.Reasons); err != nil {
			res.Err = fmt.Errorf("quarantine %s: %w", id, err)
			return res
		}
		res.Err = fault.New(fault.MaskEscalationExhausted, out.Decision.Reasons...)
		s.metrics.RecordSanitize("", out.Attempts-1, time.Since(start))
		s.log.Warn("quarantine", "item rejected at paranoid",
			zap.String("item_id", id),
			zap.Strings("reasons", out.Decision.Reasons),
			zap.Int("attempts", out.Attempts))
		return res
	}

	res.Level = passed
	res.Categories = out.Result.Categories
	if err := s.src.SetMaskedText(ctx, id, out.Result.Text, passed, nil); err != nil {
		res.Err = fmt.Errorf("write masked text %s: %w", id, err)
		return res
	}
	s.metrics.RecordSanitize(passed.String(), out.Attempts-1, time.Since(start))
	s.log.Debug("sanitize", "item sanitized",
		zap.String("item_id", id),
		zap.Stringer("level", passed),
		zap.Strings("categories", out.Result.Categories),
		zap.Int("attempts", out.Attempts))
	return res
}

// SanitizeAll sanitizes ids with bounded concurrency. Results are returned
// in input order; a failing item never stops the others. The returned error
// is only the context error if ctx ended before all items ran.
func (s *Sanitizer) SanitizeAll(ctx context.Context, ids []string) ([]Result, error) {
	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{ID: id, Err: err}
				return err
			}
			results[i] = s.Sanitize(gctx, id)
			return nil
		})
	}
	err := g.Wait()

	var quarantined int
	for _, r := range results {
		if r.Quarantined {
			quarantined++
		}
	}
	s.log.Info("sanitize_batch", "batch sanitized",
		zap.Int("items", len(ids)),
		zap.Int("quarantined", quarantined))
	return results, err
}
