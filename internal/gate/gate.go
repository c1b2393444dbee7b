// Package gate implements the fail-closed checkpoints around the remote
// compile call: Admit in front of it and Vet behind it.
//
// Every check returns a Decision. A failing Decision carries a fault kind
// and reasons made of ids, category names or short codes, never text.
package gate

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"fortknox/internal/fault"
	"fortknox/internal/logger"
	"fortknox/internal/pack"
	"fortknox/internal/pii"
)

// ReasonQuote is the re-identification guard's failure reason.
const ReasonQuote = "quote_detected"

// Decision is the result of a gate evaluation.
type Decision struct {
	Pass    bool       `json:"pass"`
	Kind    fault.Kind `json:"kind,omitempty"`
	Reasons []string   `json:"reasons,omitempty"`
	Level   pii.Level  `json:"level"`
}

// Err returns the decision as a *fault.Error, or nil when it passed.
func (d Decision) Err() error {
	if d.Pass {
		return nil
	}
	return fault.New(d.Kind, d.Reasons...)
}

func pass(level pii.Level) Decision { return Decision{Pass: true, Level: level} }

func fail(kind fault.Kind, level pii.Level, reasons []string) Decision {
	return Decision{Kind: kind, Level: level, Reasons: reasons}
}

// Checker runs the input and output gates.
type Checker struct {
	pii *pii.Gate
	log *logger.Logger
}

// NewChecker returns a Checker using rules for its PII re-checks.
func NewChecker(rules *pii.Ruleset, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Nop()
	}
	return &Checker{pii: pii.NewGate(rules), log: log}
}

// Admit decides whether p may be sent to engineID under policy. Checks run
// in order and the first failure wins: sanitize level, PII re-check, size.
func (c *Checker) Admit(p *pack.Pack, engineID string, policy pack.Policy) Decision {
	d := c.admit(p, policy)
	fields := []zap.Field{
		zap.String("engine", engineID),
		zap.String("policy", policy.ID),
		zap.String("fingerprint", p.Fingerprint),
	}
	if d.Pass {
		c.log.Debug("admit", "pack admitted", fields...)
	} else {
		c.log.Warn("admit", "pack refused", append(fields, zap.String("kind", string(d.Kind)), zap.Strings("reasons", d.Reasons))...)
	}
	return d
}

func (c *Checker) admit(p *pack.Pack, policy pack.Policy) Decision {
	var low []string
	for _, it := range p.Items {
		if it.Level < policy.MinLevel {
			low = append(low, it.ID)
		}
	}
	if len(low) > 0 {
		return fail(fault.InsufficientSanitization, policy.MinLevel, low)
	}

	var cats []string
	for _, it := range p.Items {
		if len(it.GateReasons) > 0 {
			cats = appendNew(cats, it.GateReasons...)
			continue
		}
		if d := c.pii.Check(it.Text, it.Level); !d.Pass {
			cats = appendNew(cats, d.Reasons...)
		}
	}
	if len(cats) > 0 {
		return fail(fault.PIIGateFailed, policy.MinLevel, cats)
	}

	if p.Bytes > policy.MaxBytes {
		return fail(fault.SizeExceeded, policy.MinLevel, []string{
			fmt.Sprintf("pack_bytes_%d", p.Bytes),
			fmt.Sprintf("max_bytes_%d", policy.MaxBytes),
		})
	}
	return pass(policy.MinLevel)
}

// Vet decides whether generated content may be stored and returned. It
// re-runs the PII gate at the policy minimum level, then rejects any run of
// minSpan words that also occurs in one of sources. sources should hold both
// the raw and the masked source texts. minSpan below 1 means policy.MinSpan().
func (c *Checker) Vet(content string, sources []string, policy pack.Policy, minSpan int) Decision {
	if minSpan < 1 {
		minSpan = policy.MinSpan()
	}
	if d := c.pii.Check(content, policy.MinLevel); !d.Pass {
		c.log.Warn("vet", "output gate failed", zap.String("policy", policy.ID), zap.Strings("reasons", d.Reasons))
		return fail(fault.OutputGateFailed, policy.MinLevel, d.Reasons)
	}
	if Quoted(content, sources, minSpan) {
		c.log.Warn("vet", "verbatim source span in output", zap.String("policy", policy.ID), zap.Int("min_span", minSpan))
		return fail(fault.ReIDGuardFailed, policy.MinLevel, []string{ReasonQuote})
	}
	return pass(policy.MinLevel)
}

// Quoted reports whether output contains n consecutive words that occur
// consecutively in any source. Words are whitespace separated, stripped of
// leading and trailing punctuation and compared case-insensitively.
func Quoted(output string, sources []string, n int) bool {
	out := words(output)
	if n < 1 || len(out) < n {
		return false
	}
	grams := make(map[string]struct{})
	for _, src := range sources {
		w := words(src)
		for i := 0; i+n <= len(w); i++ {
			grams[strings.Join(w[i:i+n], " ")] = struct{}{}
		}
	}
	if len(grams) == 0 {
		return false
	}
	for i := 0; i+n <= len(out); i++ {
		if _, ok := grams[strings.Join(out[i:i+n], " ")]; ok {
			return true
		}
	}
	return false
}

func words(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		if w := strings.TrimFunc(f, notWordRune); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func appendNew(dst []string, vs ...string) []string {
	for _, v := range vs {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
