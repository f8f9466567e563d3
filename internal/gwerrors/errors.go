// Package gwerrors defines the gateway's error taxonomy: a fixed set of
// kinds (not types) with a uniform action attached to each, matching the
// propagation policy in spec.md section 7 -- handlers never throw out of
// the dispatch loop, they convert failures to a Kind, log, and continue.
package gwerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is analogous to the errCode enum in the teacher's node/cn/protocol.go,
// generalized from "protocol message errors" to the gateway's full taxonomy.
type Kind int

const (
	ProtocolViolation Kind = iota
	MessageConversion
	SidConflict
	Decryption
	RecoveryExhausted
	CipherNotInitialized
	Timeout
	IO
)

var kindNames = map[Kind]string{
	ProtocolViolation:    "protocol_violation",
	MessageConversion:    "message_conversion",
	SidConflict:          "sid_conflict",
	Decryption:           "decryption",
	RecoveryExhausted:    "recovery_exhausted",
	CipherNotInitialized: "cipher_not_initialized",
	Timeout:              "timeout",
	IO:                   "io",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Error wraps an underlying cause with a Kind so callers can branch on the
// taxonomy from spec.md section 7 without string-matching messages.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error, capturing a stack trace via pkg/errors so
// that WARN/ERROR logs at service boundaries can print provenance.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving its stack if it was
// created with pkg/errors, or attaching one otherwise.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.WithStack(err)}
}

// Is reports whether err is a gateway Error of the given Kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
