// Package pii masks personally identifiable information at progressive
// strictness levels and independently verifies the masked output.
//
// Detection is pattern based and deterministic. Every category carries two
// pattern sets: mask patterns used by the Masker, and broader probe patterns
// used by the Gate so that a masker gap is caught rather than trusted.
package pii

import (
	"fmt"
	"regexp"
	"strings"
)

// Category names.
const (
	CatEmail        = "email"
	CatNationalID   = "national_id"
	CatPhone        = "phone"
	CatIPAddress    = "ip_address"
	CatLongNumber   = "long_number"
	CatDate         = "date"
	CatTime         = "time"
	CatIDLabel      = "id_label"
	CatNumber       = "number"
	CatURL          = "url"
	CatRelativeTime = "relative_time"
	CatLabeledName  = "labeled_name"
	CatDigit        = "digit"
)

// matcher is one compiled pattern. When group > 0 only that submatch is
// the detected span (the rest of the match is context, e.g. a label).
type matcher struct {
	re     *regexp.Regexp
	group  int
	accept func(string) bool
}

// Category is a detector category: a fixed replacement token, the lowest
// level at which it is active, and its mask and probe patterns.
type Category struct {
	Name  string
	Token string
	Level Level

	mask  []matcher
	probe []matcher
}

// Extra describes an operator-configured detector category.
type Extra struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Token   string `yaml:"token" json:"token"`
	Level   string `yaml:"level" json:"level" validate:"omitempty,oneof=normal strict paranoid"`
	Pattern string `yaml:"pattern" json:"pattern" validate:"required"`
	Probe   string `yaml:"probe" json:"probe"`
}

// Ruleset is an immutable, ordered set of categories. Table order is the
// specificity order used to break ties between overlapping matches.
type Ruleset struct {
	categories []*Category
}

type rx struct {
	expr   string
	group  int
	accept func(string) bool
}

type categoryDef struct {
	name  string
	token string
	level Level
	mask  []rx
	probe []rx
}

const (
	months   = `jan(?:uari|uary)?|feb(?:ruari|ruary)?|mar(?:s|ch)?|apr(?:il)?|maj|may|jun(?:i|e)?|jul(?:i|y)?|aug(?:usti|ust)?|sep(?:t|tember)?|okt(?:ober)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`
	day      = `(?:0?[1-9]|[12]\d|3[01])`
	month    = `(?:0?[1-9]|1[0-2])`
	year     = `(?:19|20)\d{2}`
	idLabels = `dok(?:ument)?\.?\s*id|id|ärende(?:nr|nummer)?|mål(?:nr|nummer)?|case(?:\s*no\.?)?|ref(?:erens)?`
	relWords = `i\s*förrgår|förrgår|i\s*övermorgon|övermorgon|i\s*går|igår|i\s*dag|idag|i\s*morgon|imorgon|i\s*kväll|ikväll|i\s*morse|imorse|yesterday|today|tonight|tomorrow`
	labels   = `sökande|klagande|motpart|ombud|vittne|målsägande|tilltalad|kontaktperson|kontakt|namn|name|contact|witness|plaintiff|defendant`
	tlds     = `se|com|org|net|nu|io|eu|info|dk|no|fi|de|uk`
	notWord  = `(?:^|[^\p{L}\p{N}])`
	notWordR = `(?:[^\p{L}\p{N}]|$)`
	// phoneLead admits a number at the start, after any non-digit, or after a
	// separator that follows a non-digit. A separator after a digit continues
	// a date or clock time.
	phoneLead = `(?:^|[^\d\-.:]|(?:^|\D)[\-.:])`
)

// defaultCategories is the built-in detector table in specificity order.
var defaultCategories = []categoryDef{
	{
		name: CatEmail, token: "[EMAIL]", level: Normal,
		mask:  []rx{{expr: `[\p{L}\p{N}._%+\-]+@[\p{L}\p{N}\-]+(?:\.[\p{L}\p{N}\-]+)*\.\p{L}{2,}`}},
		probe: []rx{{expr: `[^\s@\[\]]+@[^\s@\[\]]+\.[^\s@\[\]]{2,}`}},
	},
	{
		name: CatNationalID, token: "[PNR]", level: Normal,
		mask: []rx{
			{expr: `\b(?:19|20)?\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01]|[6-8]\d|9[01])[-+ ]?\d{4}\b`},
		},
		probe: []rx{{expr: `\b(?:\d{6}|\d{8})[-+ ]?\d{4}\b`}},
	},
	{
		name: CatPhone, token: "[PHONE]", level: Normal,
		mask: []rx{{expr: phoneLead + `((?:\+\d{1,3}[- ]?\(?\d{1,4}\)?|0\d{1,3})(?:[- ]?\d{2,4}){2,4})\b`, group: 1}},
		probe: []rx{
			{expr: phoneLead + `(?:\+\d{1,3}|0)[\d\- ()]{6,}\d`},
			{expr: `\+\d{1,3}\s*\d{1,2}[- ]?\d{2,3}[- ]?\d{2,3}[- ]?\d{2,4}`},
			{expr: `\b0\d{1,2}[- ]\d{2,3}[- ]?\d{2,3}[- ]?\d{2,4}\b`},
		},
	},
	{
		name: CatIPAddress, token: "[IP]", level: Normal,
		mask:  []rx{{expr: `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`}},
		probe: []rx{{expr: `\b\d{1,3}(?:\.\d{1,3}){3}\b`}},
	},
	{
		name: CatLongNumber, token: "[LONG_NUMBER]", level: Normal,
		mask:  []rx{{expr: `\b\d{11,}\b`}},
		probe: []rx{{expr: `\b\d{9,}\b`}},
	},
	{
		name: CatDate, token: "[DATE]", level: Strict,
		mask: []rx{
			{expr: `\b` + year + `[-/.]` + month + `[-/.]` + day + `\b`},
			{expr: `\b` + day + `[-/.]` + month + `[-/.](?:19|20)?\d{2}\b`},
			{expr: `(?i)\b` + day + `(?::?e|:a|st|nd|rd|th)?\.?\s+(?:` + months + `)(?:\s+` + year + `)?\b`},
			{expr: `(?i)\b(?:` + months + `)\.?\s+` + day + `(?:st|nd|rd|th)?(?:,?\s+` + year + `)?\b`},
			{expr: `(?i)\b(?:` + months + `)\.?\s+` + year + `\b`},
		},
		probe: []rx{
			{expr: `\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`},
			{expr: `(?i)\b\d{1,2}\.?\s+(?:` + months + `)\b`},
		},
	},
	{
		name: CatTime, token: "[TIME]", level: Strict,
		mask: []rx{
			{expr: `(?i)\bkl\.?\s*(?:[01]?\d|2[0-3])(?:[:.][0-5]\d)?\b`},
			{expr: `\b(?:[01]?\d|2[0-3]):[0-5]\d(?::[0-5]\d)?\b`},
			{expr: `(?i)\b(?:1[0-2]|0?[1-9])(?::[0-5]\d)?\s*(?:am|pm)\b`},
		},
		probe: []rx{
			{expr: `\b\d{1,2}:\d{2}\b`},
			{expr: `(?i)\bkl\.?\s*\d`},
			{expr: `(?i)\b\d{1,2}\s*(?:am|pm)\b`},
		},
	},
	{
		name: CatIDLabel, token: "[ID]", level: Strict,
		mask:  []rx{{expr: `(?i)` + notWord + `(?:` + idLabels + `)\s*[:#.]?\s*([A-Z0-9][A-Z0-9\-/]*\d[A-Z0-9\-/]*)`, group: 1}},
		probe: []rx{{expr: `(?i)` + notWord + `(?:` + idLabels + `)\s*[:#.]?\s*[A-Z0-9\-/]*\d`}},
	},
	{
		name: CatNumber, token: "[NUMBER]", level: Strict,
		mask:  []rx{{expr: `\b\d+(?:[ \-]\d+)*\b`, accept: minDigits(5)}},
		probe: []rx{{expr: `\d(?:[ \-]?\d){4,}`}},
	},
	{
		name: CatURL, token: "[LINK]", level: Paranoid,
		mask: []rx{
			{expr: `(?i)\b(?:https?://|www\.)[^\s<>"'\[\]]+`},
			{expr: `(?i)\b[a-z0-9][a-z0-9\-]*(?:\.[a-z0-9\-]+)*\.(?:` + tlds + `)\b(?:/[^\s<>"'\[\]]*)?`},
		},
		probe: []rx{
			{expr: `(?i)(?:https?://|www\.)\S`},
			{expr: `(?i)\b[a-z0-9\-]+\.(?:` + tlds + `)\b`},
		},
	},
	{
		name: CatRelativeTime, token: "[RELTIME]", level: Paranoid,
		mask:  []rx{{expr: `(?i)` + notWord + `(` + relWords + `)` + notWordR, group: 1}},
		probe: []rx{{expr: `(?i)` + notWord + `(?:` + relWords + `)` + notWordR}},
	},
	{
		name: CatLabeledName, token: "[NAME]", level: Paranoid,
		mask:  []rx{{expr: `(?im)^[ \t]*(?:` + labels + `)[ \t]*:[ \t]*([^\[\s][^\n]*?)[ \t]*$`, group: 1}},
		probe: []rx{{expr: `(?im)^[ \t]*(?:` + labels + `)[ \t]*:[ \t]*[^\[\s]`}},
	},
	{
		name: CatDigit, token: "[NUM]", level: Paranoid,
		mask:  []rx{{expr: `\d+`}},
		probe: []rx{{expr: `\d`}},
	},
}

// DefaultRuleset returns the built-in detector table.
func DefaultRuleset() *Ruleset {
	r, err := NewRuleset(nil)
	if err != nil {
		panic(err) // built-in patterns are static
	}
	return r
}

// NewRuleset compiles the built-in detector table followed by extras. An
// extra defaults to paranoid, is verified with its own pattern when it has no
// probe, and is replaced by "[NAME]" in upper case when it has no token.
func NewRuleset(extras []Extra) (*Ruleset, error) {
	r := &Ruleset{}
	for _, cs := range defaultCategories {
		c, err := compileCategory(cs)
		if err != nil {
			return nil, err
		}
		r.categories = append(r.categories, c)
	}
	seen := make(map[string]bool, len(r.categories)+len(extras))
	for _, c := range r.categories {
		seen[c.Name] = true
	}
	for _, e := range extras {
		if seen[e.Name] {
			return nil, fmt.Errorf("detector %q already defined", e.Name)
		}
		seen[e.Name] = true
		level := Paranoid
		if e.Level != "" {
			l, err := ParseLevel(e.Level)
			if err != nil {
				return nil, fmt.Errorf("detector %q: %w", e.Name, err)
			}
			level = l
		}
		cs := categoryDef{
			name:  e.Name,
			token: e.Token,
			level: level,
			mask:  []rx{{expr: e.Pattern}},
			probe: []rx{{expr: e.Pattern}},
		}
		if cs.token == "" {
			cs.token = "[" + strings.ToUpper(e.Name) + "]"
		}
		if e.Probe != "" {
			cs.probe = []rx{{expr: e.Probe}}
		}
		c, err := compileCategory(cs)
		if err != nil {
			return nil, err
		}
		r.categories = append(r.categories, c)
	}
	return r, nil
}

func compileCategory(cs categoryDef) (*Category, error) {
	if cs.level < Normal || cs.level > Paranoid {
		return nil, fmt.Errorf("detector %q: invalid level %d", cs.name, int(cs.level))
	}
	c := &Category{Name: cs.name, Token: cs.token, Level: cs.level}
	var err error
	if c.mask, err = compileMatchers(cs.name, cs.mask); err != nil {
		return nil, err
	}
	if c.probe, err = compileMatchers(cs.name, cs.probe); err != nil {
		return nil, err
	}
	return c, nil
}

func compileMatchers(name string, exprs []rx) ([]matcher, error) {
	out := make([]matcher, 0, len(exprs))
	for _, s := range exprs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			return nil, fmt.Errorf("detector %q: compile %q: %w", name, s.expr, err)
		}
		if s.group > re.NumSubexp() {
			return nil, fmt.Errorf("detector %q: group %d out of range", name, s.group)
		}
		out = append(out, matcher{re: re, group: s.group, accept: s.accept})
	}
	return out, nil
}

// Active returns the categories enabled at level, in table order.
func (r *Ruleset) Active(level Level) []*Category {
	out := make([]*Category, 0, len(r.categories))
	for _, c := range r.categories {
		if c.Level <= level {
			out = append(out, c)
		}
	}
	return out
}

// Names returns every category name in table order.
func (r *Ruleset) Names() []string {
	out := make([]string, len(r.categories))
	for i, c := range r.categories {
		out[i] = c.Name
	}
	return out
}

// Tokens returns the set of replacement tokens.
func (r *Ruleset) Tokens() []string {
	seen := make(map[string]bool, len(r.categories))
	var out []string
	for _, c := range r.categories {
		if !seen[c.Token] {
			seen[c.Token] = true
			out = append(out, c.Token)
		}
	}
	return out
}

func minDigits(n int) func(string) bool {
	return func(s string) bool {
		count := 0
		for i := 0; i < len(s); i++ {
			if s[i] >= '0' && s[i] <= '9' {
				count++
			}
		}
		return count >= n
	}
}
