package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error captures contextual information for a failed operation against a
// target or record.
type Error struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with the provided context.
func E(op string, kind ErrorKind, msg string, err error) error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func IsConnectError(err error) bool { return KindOf(err) == KindConnect }
func IsCommandError(err error) bool { return KindOf(err) == KindCommand }

// ConfigError is fatal and reported before any work starts.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf formats a ConfigError.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is fatal configuration.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// ConvergenceError reports keys still divergent once verification attempts
// were exhausted.
type ConvergenceError struct {
	Attempts  int
	Divergent []Divergence
}

func (e *ConvergenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d key(s) still divergent after %d verify attempt(s)", len(e.Divergent), e.Attempts)
	for i, d := range e.Divergent {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Divergent)-3)
			break
		}
		fmt.Fprintf(&b, "; %s: %s", d.Key, d.Reason)
	}
	return b.String()
}
