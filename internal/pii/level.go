package pii

import (
	"fmt"
	"strings"
)

// Level is a sanitize strictness tier. Higher levels activate a superset of
// the detector categories of lower levels.
type Level int

// Sanitize levels in escalation order.
const (
	Normal Level = iota
	Strict
	Paranoid
)

// Levels lists every level in escalation order.
var Levels = []Level{Normal, Strict, Paranoid}

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Strict:
		return "strict"
	case Paranoid:
		return "paranoid"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts "normal", "strict" or "paranoid" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "strict":
		return Strict, nil
	case "paranoid":
		return Paranoid, nil
	default:
		return Normal, fmt.Errorf("unknown sanitize level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if l < Normal || l > Paranoid {
		return nil, fmt.Errorf("invalid sanitize level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// State is a node of the escalation state machine:
// normal → strict → paranoid → rejected.
type State int

// Escalation states. StateRejected is terminal.
const (
	StateNormal   = State(Normal)
	StateStrict   = State(Strict)
	StateParanoid = State(Paranoid)
	StateRejected = State(Paranoid + 1)
)

// StateOf returns the escalation state that masks at l.
func StateOf(l Level) State { return State(l) }

// Level returns the masking level of s. ok is false for StateRejected.
func (s State) Level() (l Level, ok bool) {
	if s < StateNormal || s >= StateRejected {
		return Paranoid, false
	}
	return Level(s), true
}

func (s State) String() string {
	if s == StateRejected {
		return "rejected"
	}
	return Level(s).String()
}

// Next is the pure transition function of the escalation machine. A passing
// gate keeps the current state; a failing gate moves one level up, and a
// failure at paranoid moves to StateRejected. StateRejected never changes.
func Next(s State, gatePassed bool) State {
	if s == StateRejected || gatePassed {
		return s
	}
	return s + 1
}
