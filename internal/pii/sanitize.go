package pii

// Outcome is the end state of one escalation run.
type Outcome struct {
	State    State    // final state; StateRejected when paranoid failed
	Result   Result   // masked output at the passing level, zero when rejected
	Decision Decision // last gate decision
	Attempts int      // number of mask/check rounds
}

// Passed reports whether the run ended on a passing gate.
func (o Outcome) Passed() bool { return o.State != StateRejected }

// Level returns the level the text passed at. ok is false when rejected.
func (o Outcome) Level() (Level, bool) { return o.State.Level() }

// Sanitizer drives the escalation machine: mask at the current level,
// check, and move along Next until the gate passes or the item is rejected.
type Sanitizer struct {
	masker *Masker
	gate   *Gate
}

// NewSanitizer returns a Sanitizer whose masker and gate share rules.
func NewSanitizer(rules *Ruleset) *Sanitizer {
	return &Sanitizer{masker: NewMasker(rules), gate: NewGate(rules)}
}

// Masker returns the underlying masker.
func (s *Sanitizer) Masker() *Masker { return s.masker }

// Gate returns the underlying gate.
func (s *Sanitizer) Gate() *Gate { return s.gate }

// Run sanitizes text starting at start. Levels below start are never tried.
func (s *Sanitizer) Run(text string, start Level) Outcome {
	state := StateOf(start)
	var out Outcome
	for {
		level, ok := state.Level()
		if !ok {
			out.State = StateRejected
			out.Result = Result{}
			return out
		}
		res := s.masker.Mask(text, level)
		dec := s.gate.Check(res.Text, level)
		out.Attempts++
		out.Decision = dec
		next := Next(state, dec.Pass)
		if dec.Pass {
			out.State = state
			out.Result = res
			return out
		}
		state = next
	}
}
