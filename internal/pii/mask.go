package pii

import (
	"sort"
	"strings"
)

// Span is one replaced region of the input, in byte offsets.
type Span struct {
	Category string `json:"category"`
	Token    string `json:"token"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Result is the immutable output of one masking pass.
type Result struct {
	Text  string
	Spans []Span
	// Categories lists, in table order, every category with at least one
	// detector hit at the masked level, including hits absorbed by an
	// overlapping winner.
	Categories []string
}

// Masker replaces detected PII with category tokens. It is safe for
// concurrent use.
type Masker struct {
	rules *Ruleset
}

// NewMasker returns a Masker over rules.
func NewMasker(rules *Ruleset) *Masker {
	return &Masker{rules: rules}
}

type candidate struct {
	start, end int
	prio       int
	cat        *Category
}

// Mask runs every detector active at level over text once, resolves
// overlaps and builds the masked output in a single pass.
//
// Overlapping candidates are merged into one span covering their union, so
// no fragment of a partially overlapped match survives. The merged span takes
// the token of its longest member; ties go to the more specific category
// (earlier in the table), then to the earlier start.
func (m *Masker) Mask(text string, level Level) Result {
	var (
		cands []candidate
		cats  []string
	)
	for prio, c := range m.rules.Active(level) {
		hit := false
		for _, mt := range c.mask {
			for _, loc := range mt.re.FindAllStringSubmatchIndex(text, -1) {
				s, e := loc[2*mt.group], loc[2*mt.group+1]
				if s < 0 || s == e {
					continue
				}
				if mt.accept != nil && !mt.accept(text[s:e]) {
					continue
				}
				cands = append(cands, candidate{start: s, end: e, prio: prio, cat: c})
				hit = true
			}
		}
		if hit {
			cats = append(cats, c.Name)
		}
	}

	spans := resolve(cands)
	if len(spans) == 0 {
		return Result{Text: text, Categories: cats}
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range spans {
		b.WriteString(text[prev:sp.Start])
		b.WriteString(sp.Token)
		prev = sp.End
	}
	b.WriteString(text[prev:])
	return Result{Text: b.String(), Spans: spans, Categories: cats}
}

func resolve(cands []candidate) []Span {
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].start != cands[j].start {
			return cands[i].start < cands[j].start
		}
		if cands[i].end != cands[j].end {
			return cands[i].end > cands[j].end
		}
		return cands[i].prio < cands[j].prio
	})

	var spans []Span
	cur := cands[0]
	best := cands[0]
	flush := func() {
		spans = append(spans, Span{Category: best.cat.Name, Token: best.cat.Token, Start: cur.start, End: cur.end})
	}
	for _, c := range cands[1:] {
		if c.start < cur.end {
			if c.end > cur.end {
				cur.end = c.end
			}
			if better(c, best) {
				best = c
			}
			continue
		}
		flush()
		cur, best = c, c
	}
	flush()
	return spans
}

func better(a, b candidate) bool {
	la, lb := a.end-a.start, b.end-b.start
	if la != lb {
		return la > lb
	}
	if a.prio != b.prio {
		return a.prio < b.prio
	}
	return a.start < b.start
}
