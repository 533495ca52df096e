package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrTransient           = errors.New("transient collaborator failure")
	ErrDataInsufficient    = errors.New("insufficient data")
	ErrComplianceViolation = errors.New("compliance violation")
	ErrCircuitTrip         = errors.New("circuit breaker tripped")
	ErrGateDenial          = errors.New("gate denial")
	ErrConnectionLost      = errors.New("unrecoverable connection loss")
)

// Error carries a kind, the failing operation and an itemized reason list
type Error struct {
	Kind    error
	Op      string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if len(e.Reasons) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps a timeout or unreachable collaborator failure
func Transient(op string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

// Insufficient marks a symbol to be skipped this cycle
func Insufficient(op string, err error) error {
	return &Error{Kind: ErrDataInsufficient, Op: op, Err: err}
}

// Violation is a compliance violation with its reasons
func Violation(op string, reasons ...string) error {
	return &Error{Kind: ErrComplianceViolation, Op: op, Reasons: reasons}
}

// Denied is a gate denial with the full violation list
func Denied(reasons ...string) error {
	return &Error{Kind: ErrGateDenial, Op: "gate", Reasons: reasons}
}

// Tripped is a circuit breaker halt
func Tripped(reason string) error {
	return &Error{Kind: ErrCircuitTrip, Op: "circuit", Reasons: []string{reason}}
}

// IsFatal reports whether err must escalate to a terminal halt
func IsFatal(err error) bool {
	return errors.Is(err, ErrComplianceViolation) || errors.Is(err, ErrConnectionLost)
}

// Reasons extracts the itemized reasons of a domain error, or the error text
func Reasons(err error) []string {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && len(de.Reasons) > 0 {
		out := make([]string, len(de.Reasons))
		copy(out, de.Reasons)
		return out
	}
	return []string{fmt.Sprint(err)}
}
