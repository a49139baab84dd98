// Package errs defines the error taxonomy shared by the mapper packages.
//
// Every failure surfaced by the engine is an *Error carrying a Kind. Callers
// test for a kind with the Is helpers (or errors.Is against the Err* values);
// underlying driver errors stay reachable through Unwrap.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind uint8

const (
	KindConfiguration Kind = iota + 1
	KindUnresolvedProperty
	KindExecution
	KindPostSelect
	KindPrecondition
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindUnresolvedProperty:
		return "unresolved property"
	case KindExecution:
		return "execution error"
	case KindPostSelect:
		return "post-select execution error"
	case KindPrecondition:
		return "precondition error"
	case KindTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Error is the single error type produced by the mapper.
type Error struct {
	Kind      Kind
	Statement string // statement id, when known
	Path      string // property path, for unresolved properties
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Statement != "" {
		b.WriteString(" in statement '")
		b.WriteString(e.Statement)
		b.WriteByte('\'')
	}
	if e.Path != "" {
		b.WriteString(" at '")
		b.WriteString(e.Path)
		b.WriteByte('\'')
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is one of the bare kind markers (ErrTimeout etc.)
// with the same kind as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Statement != "" || t.Path != "" || t.Message != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrUnresolvedProperty = &Error{Kind: KindUnresolvedProperty}
	ErrExecution          = &Error{Kind: KindExecution}
	ErrPostSelect         = &Error{Kind: KindPostSelect}
	ErrPrecondition       = &Error{Kind: KindPrecondition}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

// Configuration reports a malformed statement, fragment tree or result map.
func Configuration(statement, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Statement: statement, Message: fmt.Sprintf(format, args...)}
}

// Unresolved reports a property path that does not exist on the object it is
// applied to. on describes that object's type.
func Unresolved(path, on string) *Error {
	msg := ""
	if on != "" {
		msg = "no such property on " + on
	}
	return &Error{Kind: KindUnresolvedProperty, Path: path, Message: msg}
}

// Execution wraps a failure reported by the database command. Context
// deadlines and errors reporting Timeout() true become KindTimeout; errors
// that already carry a kind are returned with the statement id filled in.
func Execution(statement string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Statement == "" {
			e.Statement = statement
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return Timeout(statement, err)
	}
	return &Error{Kind: KindExecution, Statement: statement, Err: err}
}

// isTimeout reports whether a driver or network error in err's chain is a
// timeout, as net.Error and the database adapters report it.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Timeout reports an exceeded command deadline.
func Timeout(statement string, err error) *Error {
	return &Error{Kind: KindTimeout, Statement: statement, Err: err}
}

// PostSelect wraps the failure of a nested statement run to populate a
// property of an outer result row.
func PostSelect(nested string, err error) *Error {
	return &Error{Kind: KindPostSelect, Statement: nested, Err: err}
}

// Precondition reports a caller-supplied argument that violates the call contract.
func Precondition(statement, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Statement: statement, Message: fmt.Sprintf(format, args...)}
}

func IsConfiguration(err error) bool      { return errors.Is(err, ErrConfiguration) }
func IsUnresolvedProperty(err error) bool { return errors.Is(err, ErrUnresolvedProperty) }
func IsExecution(err error) bool          { return errors.Is(err, ErrExecution) }
func IsPostSelect(err error) bool         { return errors.Is(err, ErrPostSelect) }
func IsPrecondition(err error) bool       { return errors.Is(err, ErrPrecondition) }
func IsTimeout(err error) bool            { return errors.Is(err, ErrTimeout) }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
