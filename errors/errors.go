// Package errors carries the error kinds shared by the federation trust
// validation packages, plus a thin wrapper over go-errors so that originated
// errors carry a stack trace.
package errors

import (
	"fmt"
	"strings"

	"github.com/go-errors/errors"
)

// Error wraps an errors.Error with an implementation of error.Error() that always prints out the
// stack trace.
// The intent is for this type to only be used when errors are originated. Any circumstance where
// an error is being wrapped and passed up the stack can just use the `%w` formatter.
type Error struct {
	error errors.Error
}

// Errorf creates a new error with the given message.
func Errorf(format string, a ...interface{}) *Error {
	return &Error{error: *errors.Errorf(format, a...)}
}

// Error returns the underlying error's message and stack trace.
func (e *Error) Error() string {
	return e.error.ErrorStack()
}

// MalformedTokenError indicates a compact serialized token whose header or payload segment is not
// well formed structured data.
type MalformedTokenError struct {
	Cause error
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed token: %s", e.Cause)
}

func (e *MalformedTokenError) Unwrap() error {
	return e.Cause
}

// UnknownKeyIDError indicates a kid that could not be resolved against the relevant key set.
type UnknownKeyIDError struct {
	KeyID string
	// Available is the set of kids present in the key set that was searched.
	Available []string
}

func (e *UnknownKeyIDError) Error() string {
	return fmt.Sprintf("kid '%s' not found in key set [%s]",
		e.KeyID, strings.Join(e.Available, ", "))
}

// FetchError indicates the failure to retrieve a single remote document. Within a batch fetch it
// only ever describes one URL.
type FetchError struct {
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch '%s': %s", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// UnsupportedFeatureError indicates a caller asked for a protocol feature this implementation
// deliberately does not provide. It is always a hard failure, never a silent no-op.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("'%s' is not supported", e.Feature)
}

// TrustChainCycleError indicates an authority hint graph that loops back onto the active
// resolution path. Authority hint graphs are only acyclic by convention, so a revisited subject
// must be detected rather than recursed into.
type TrustChainCycleError struct {
	Subject string
	// Path is the sequence of subjects on the active resolution path, leaf first.
	Path []string
}

func (e *TrustChainCycleError) Error() string {
	return fmt.Sprintf("trust chain cycle: subject '%s' already on resolution path [%s]",
		e.Subject, strings.Join(e.Path, " -> "))
}
