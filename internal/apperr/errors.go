// Package apperr defines the error taxonomy shared by the storage engine and its callers.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("conflict: resource was modified")
	ErrRemoteRefNotFound = errors.New("remote ref not found")
)

// ValidationError reports input the engine refuses to store.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// DeserializationError reports a stored note that could not be parsed.
// Key identifies the note (ADR id or anchor) when known.
type DeserializationError struct {
	Key     string
	Line    int
	Snippet string
	Err     error
}

func (e *DeserializationError) Error() string {
	var b strings.Builder
	b.WriteString("deserialize")
	if e.Key != "" {
		fmt.Fprintf(&b, " %s", e.Key)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.Snippet != "" {
		fmt.Fprintf(&b, " near %q", e.Snippet)
	}
	return b.String()
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// SubstrateKind classifies failures of the notes substrate.
type SubstrateKind int

const (
	KindGeneric SubstrateKind = iota
	KindNotARepository
	KindTimeout
	KindNetworkAuth
)

func (k SubstrateKind) String() string {
	switch k {
	case KindNotARepository:
		return "not-a-repository"
	case KindTimeout:
		return "timeout"
	case KindNetworkAuth:
		return "network-auth"
	default:
		return "generic"
	}
}

// SubstrateError wraps a failed call into the notes substrate.
type SubstrateError struct {
	Kind   SubstrateKind
	Op     string
	Stderr string
	Err    error
}

func (e *SubstrateError) Error() string {
	msg := fmt.Sprintf("substrate %s (%s)", e.Op, e.Kind)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubstrateError) Unwrap() error { return e.Err }

// IsKind reports whether err wraps a SubstrateError of the given kind.
func IsKind(err error, kind SubstrateKind) bool {
	var se *SubstrateError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDeserialization reports whether err wraps a DeserializationError.
func IsDeserialization(err error) bool {
	var de *DeserializationError
	return errors.As(err, &de)
}
