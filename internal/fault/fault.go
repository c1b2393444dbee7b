// Package fault defines the machine-readable failure kinds shared by every
// stage of the sanitize and compile pipeline.
//
// Reasons carried by an Error are category names or short codes such as
// "email" or "http_status_502". They never contain user text.
package fault

import (
	"errors"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

// Failure kinds.
const (
	MaskEscalationExhausted  Kind = "MASK_ESCALATION_EXHAUSTED"
	EmptyPack                Kind = "EMPTY_PACK"
	InsufficientSanitization Kind = "INSUFFICIENT_SANITIZATION"
	PIIGateFailed            Kind = "PII_GATE_FAILED"
	SizeExceeded             Kind = "SIZE_EXCEEDED"
	Offline                  Kind = "OFFLINE"
	RemoteError              Kind = "REMOTE_ERROR"
	RemoteRejected           Kind = "REMOTE_REJECTED"
	OutputGateFailed         Kind = "OUTPUT_GATE_FAILED"
	ReIDGuardFailed          Kind = "REID_GUARD_FAILED"
	CompileInFlight          Kind = "COMPILE_IN_FLIGHT"
	UnknownPolicy            Kind = "UNKNOWN_POLICY"
)

// Error is a failure with a kind and its triggering reasons.
type Error struct {
	Kind    Kind
	Reasons []string
	Err     error // underlying cause, may be nil
}

// New returns an Error of the given kind.
func New(kind Kind, reasons ...string) *Error {
	return &Error{Kind: kind, Reasons: reasons}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, reasons ...string) *Error {
	return &Error{Kind: kind, Reasons: reasons, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, ", "))
	}
	if e.Err != nil {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fault.New(fault.Offline))
// works regardless of reasons.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonsOf returns the reasons of the first *Error in err's chain.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}

// Transient reports whether a failure of this kind may succeed on a plain
// retry with the same input.
func Transient(kind Kind) bool {
	switch kind {
	case RemoteError, CompileInFlight:
		return true
	default:
		return false
	}
}
