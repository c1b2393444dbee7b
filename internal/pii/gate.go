package pii

// Decision is the result of a PII gate evaluation.
type Decision struct {
	Pass    bool     `json:"pass"`
	Reasons []string `json:"reasons,omitempty"` // categories still detected, table order
	Level   Level    `json:"level"`
}

// Gate re-scans masked text with the probe patterns of every category
// active at a level. It never consults the Masker.
type Gate struct {
	rules *Ruleset
}

// NewGate returns a Gate over rules.
func NewGate(rules *Ruleset) *Gate {
	return &Gate{rules: rules}
}

// Check reports which categories active at level are still detectable in
// text.
func (g *Gate) Check(text string, level Level) Decision {
	d := Decision{Level: level}
	for _, c := range g.rules.Active(level) {
		for _, p := range c.probe {
			if p.re.MatchString(text) {
				d.Reasons = append(d.Reasons, c.Name)
				break
			}
		}
	}
	d.Pass = len(d.Reasons) == 0
	return d
}
