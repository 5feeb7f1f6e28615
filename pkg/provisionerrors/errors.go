// Package provisionerrors classifies the error kinds the orchestrator and
// configuration manager can produce, so phase boundaries can decide
// fatal/continue behavior and pick a user-safe message by kind rather
// than by matching error strings.
package provisionerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds from the error handling design.
type Kind string

const (
	// KindConfiguration covers missing/invalid env or template input.
	// Fails the job at intake; lifecycle never moves past pending.
	KindConfiguration Kind = "configuration"

	// KindRemoteInfrastructure covers PVE API unreachable, task timeout,
	// or the filesystem-ready probe exhausting its retries. Retryable.
	KindRemoteInfrastructure Kind = "remote_infrastructure"

	// KindRemoteExec covers a streamed remote command returning non-zero.
	KindRemoteExec Kind = "remote_exec"

	// KindValidation covers invalid package names, malformed custom
	// lines, or invalid managed-file policy. Never fatal to the caller
	// that raises it — callers log and skip.
	KindValidation Kind = "validation"

	// KindState covers failure to persist lifecycle or service records.
	// Always fatal even if the container itself is functional, because
	// reconciliation has no record to work from afterward.
	KindState Kind = "state"
)

// Error wraps an underlying error with a Kind and, for RemoteExec errors,
// the name of the command that failed.
type Error struct {
	Kind    Kind
	Command string // set for KindRemoteExec, e.g. a script name
	Err     error
}

func (e *Error) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given Kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewRemoteExec wraps err as a KindRemoteExec error naming the command
// that produced it (e.g. a script name, for the Scenario B message).
func NewRemoteExec(command string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRemoteExec, Command: command, Err: err}
}

// KindOf extracts the Kind from err, walking the unwrap chain. Returns
// false if err carries no Kind.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Is reports whether err (or something it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// UserMessage maps a classified error to the generic, user-safe text
// surfaced on an error ProgressEvent. The underlying detail stays in
// persistent logs only.
func UserMessage(err error) string {
	kind, ok := KindOf(err)
	if !ok {
		return "An unexpected error occurred"
	}
	switch kind {
	case KindConfiguration:
		return "Invalid configuration"
	case KindRemoteInfrastructure:
		return "Unable to reach host"
	case KindRemoteExec:
		var pe *Error
		errors.As(err, &pe)
		if pe != nil && pe.Command != "" {
			return fmt.Sprintf("Command %q failed", pe.Command)
		}
		return "A remote command failed"
	case KindValidation:
		return "Invalid input"
	case KindState:
		return "Failed to persist provisioning state"
	default:
		return "An unexpected error occurred"
	}
}
