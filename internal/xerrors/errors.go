// Package xerrors is a drop-in style replacement for the standard errors
// package that carries a severity and chains an inner cause, in the manner
// the rest of this module's ancestry uses for reporting.
package xerrors

import "strings"

// Severity classifies how loudly an error should be reported.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

type hasSeverity interface {
	Severity() Severity
}

// Error is an error object with an optional inner cause and severity.
type Error struct {
	message  []string
	inner    error
	severity Severity
}

// New returns a new error formed from the given message parts.
func New(msg ...string) *Error {
	return &Error{message: msg, severity: SeverityInfo}
}

// Base attaches an inner cause to this error.
func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

func (e *Error) atSeverity(s Severity) *Error {
	e.severity = s
	return e
}

func (e *Error) AtDebug() *Error   { return e.atSeverity(SeverityDebug) }
func (e *Error) AtInfo() *Error    { return e.atSeverity(SeverityInfo) }
func (e *Error) AtWarning() *Error { return e.atSeverity(SeverityWarning) }
func (e *Error) AtError() *Error   { return e.atSeverity(SeverityError) }

// Severity reports the most specific (lowest) severity along the chain.
func (e *Error) Severity() Severity {
	if e.inner == nil {
		return e.severity
	}
	if s, ok := e.inner.(hasSeverity); ok {
		if inner := s.Severity(); inner < e.severity {
			return inner
		}
	}
	return e.severity
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.Join(e.message, ""))
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap implements the errors.Unwrap contract.
func (e *Error) Unwrap() error {
	return e.inner
}

// Cause walks the chain down to its root cause.
func Cause(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
