package gossa

import (
	"fmt"
	"strings"
)

// ConfigurationError reports invalid caller input detected before any work
// starts: mismatched batch lengths, a missing time span, bad settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExpansionError reports a macro or observable that cannot be substituted
// unambiguously into a rate expression. No partial source is produced.
type ExpansionError struct {
	Name     string
	Reaction int // -1 when not tied to a reaction
	Reason   string
}

func (e *ExpansionError) Error() string {
	if e.Reaction >= 0 {
		return fmt.Sprintf("expansion: reaction %d: %s: %s", e.Reaction, e.Name, e.Reason)
	}
	return fmt.Sprintf("expansion: %s: %s", e.Name, e.Reason)
}

// DimensionError reports a stoichiometry or batch shape that disagrees with
// the declared species/reaction counts.
type DimensionError struct {
	What string
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension: %s: want %d, got %d", e.What, e.Want, e.Got)
}

// UnavailableBackendError is returned when no device or compiler is present,
// or when a compiled artifact lacks a required entry point. An instance that
// reported it must not be used.
type UnavailableBackendError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *UnavailableBackendError) Error() string {
	msg := fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableBackendError) Unwrap() error { return e.Err }

// BackendExecutionError reports a device-side failure during a dispatch. The
// whole batch is considered failed.
type BackendExecutionError struct {
	Backend string
	Op      string
	Stderr  string
	Err     error
}

func (e *BackendExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend %s: %s failed", e.Backend, e.Op)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

func (e *BackendExecutionError) Unwrap() error { return e.Err }

// ExternalProcessError wraps a non-zero exit of an external engine. Captured
// output is kept verbatim.
type ExternalProcessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExternalProcessError) Error() string {
	out := strings.TrimRight(e.Stdout, "\n")
	errOut := strings.TrimRight(e.Stderr, "\n")
	return fmt.Sprintf("%s exited with status %d\n%s\n%s", e.Command, e.ExitCode, out, errOut)
}

func (e *ExternalProcessError) Unwrap() error { return e.Err }
