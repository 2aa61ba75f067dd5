package scene

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manpreetbhatti/scenesync/internal/clock"
)

// Code categorizes errors surfaced to clients.
type Code string

const (
	// CodeInvalidOperation marks a malformed submission. It is rejected
	// before anything is appended to the log.
	CodeInvalidOperation Code = "INVALID_OPERATION"

	// CodeUnknownDocument marks a lookup on a scene that was never created.
	CodeUnknownDocument Code = "UNKNOWN_DOCUMENT"

	// CodeNotLockHolder marks a release attempted by someone else.
	CodeNotLockHolder Code = "NOT_LOCK_HOLDER"

	// CodeDependencyTimeout marks a buffered batch whose causal
	// dependencies did not arrive within the retry window.
	CodeDependencyTimeout Code = "DEPENDENCY_TIMEOUT"

	// CodeClockError marks an impossible lamport counter.
	CodeClockError Code = "CLOCK_ERROR"
)

// Error is the domain error returned by the sync engine.
type Error struct {
	Code    Code
	Message string
	SceneID string
	Target  string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.SceneID != "" && e.Target != "" {
		fmt.Fprintf(&b, " (scene=%s, target=%s)", e.SceneID, e.Target)
	} else if e.SceneID != "" {
		fmt.Fprintf(&b, " (scene=%s)", e.SceneID)
	}
	return b.String()
}

// Invalid builds an INVALID_OPERATION error.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidOperation, Message: fmt.Sprintf(format, args...)}
}

// UnknownDocument builds an UNKNOWN_DOCUMENT error.
func UnknownDocument(sceneID string) *Error {
	return &Error{Code: CodeUnknownDocument, Message: "scene was never created", SceneID: sceneID}
}

// NotLockHolder builds a NOT_LOCK_HOLDER error.
func NotLockHolder(sceneID, target, participant string) *Error {
	return &Error{
		Code:    CodeNotLockHolder,
		Message: fmt.Sprintf("participant %q does not hold the lock", participant),
		SceneID: sceneID,
		Target:  target,
	}
}

// DependencyTimeout builds a DEPENDENCY_TIMEOUT error listing the ids that
// never arrived.
func DependencyTimeout(sceneID string, missing []clock.OpID) *Error {
	ids := make([]string, len(missing))
	for i, id := range missing {
		ids[i] = id.String()
	}
	return &Error{
		Code:    CodeDependencyTimeout,
		Message: "causal dependencies not received: " + strings.Join(ids, ", "),
		SceneID: sceneID,
	}
}

// CodeOf returns the code carried by err, or "" for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	var ce *clock.Error
	if errors.As(err, &ce) {
		return CodeClockError
	}
	return ""
}

// IsInvalid reports whether err is an INVALID_OPERATION (or a clock error,
// which is only ever caused by a malformed submission).
func IsInvalid(err error) bool {
	code := CodeOf(err)
	return code == CodeInvalidOperation || code == CodeClockError
}

func IsUnknownDocument(err error) bool   { return CodeOf(err) == CodeUnknownDocument }
func IsNotLockHolder(err error) bool     { return CodeOf(err) == CodeNotLockHolder }
func IsDependencyTimeout(err error) bool { return CodeOf(err) == CodeDependencyTimeout }
