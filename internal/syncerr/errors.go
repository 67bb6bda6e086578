// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every typed error matches one of the sentinel kinds below, so callers can
// branch with errors.Is without knowing the concrete type:
//
//	if errors.Is(err, syncerr.ErrAuthorization) {
//	    // open fallback subscriptions
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds.
var (
	// ErrValidation is returned before any network call when a draft or
	// mutation is malformed (missing text, self dependency, bad status).
	ErrValidation = errors.New("validation failed")

	// ErrAuthorization is returned by the remote store when a query or write
	// is denied by security rules.
	ErrAuthorization = errors.New("permission denied")

	// ErrMissingIndex is returned when the remote store cannot serve a query
	// without a composite index. It is handled like ErrAuthorization.
	ErrMissingIndex = errors.New("query requires an index")

	// ErrTransient is returned for network failures that are expected to
	// succeed on retry.
	ErrTransient = errors.New("transient network failure")

	// ErrDataIntegrity marks a received record whose scope does not match the
	// scope it was delivered for.
	ErrDataIntegrity = errors.New("record scope mismatch")

	// ErrQuota is returned by local persistence when it is full.
	ErrQuota = errors.New("local storage quota exceeded")

	// ErrCredentialExpired is returned by the external calendar bridge when
	// its bearer credential is no longer accepted.
	ErrCredentialExpired = errors.New("external credential expired")

	// ErrBlocked is returned when a task cannot be completed because of open
	// subtasks or unfinished dependencies.
	ErrBlocked = errors.New("task is blocked")

	// ErrNotFound is returned when a document or task does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthorizationError wraps a denied remote operation. Kind is either
// ErrAuthorization or ErrMissingIndex.
type AuthorizationError struct {
	Op   string
	Kind error
	Err  error
}

func (e *AuthorizationError) Error() string {
	kind := e.Kind
	if kind == nil {
		kind = ErrAuthorization
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, kind)
}

// Is matches ErrAuthorization always, and ErrMissingIndex when that is the kind.
func (e *AuthorizationError) Is(target error) bool {
	if target == ErrAuthorization {
		return true
	}
	return e.Kind != nil && target == e.Kind
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TransientNetworkError wraps a failure that is absorbed by cache and retry.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransient, e.Err)
}

// Is reports whether target is ErrTransient.
func (e *TransientNetworkError) Is(target error) bool { return target == ErrTransient }

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// DataIntegrityWarning records a dropped record. It is logged, never shown to
// the user.
type DataIntegrityWarning struct {
	RecordID string
	Want     string
	Got      string
}

func (e *DataIntegrityWarning) Error() string {
	return fmt.Sprintf("%v: record %s has scope %q, want %q", ErrDataIntegrity, e.RecordID, e.Got, e.Want)
}

// Is reports whether target is ErrDataIntegrity.
func (e *DataIntegrityWarning) Is(target error) bool { return target == ErrDataIntegrity }

// QuotaError is returned by a store whose capacity ceiling would be exceeded.
type QuotaError struct {
	Key   string
	Size  int
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%v: writing %s needs %d bytes, limit %d", ErrQuota, e.Key, e.Size, e.Limit)
}

// Is reports whether target is ErrQuota.
func (e *QuotaError) Is(target error) bool { return target == ErrQuota }

// CredentialExpiredError halts the external calendar bridge.
type CredentialExpiredError struct {
	Service string
	Err     error
}

func (e *CredentialExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Service, ErrCredentialExpired, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, ErrCredentialExpired)
}

// Is reports whether target is ErrCredentialExpired.
func (e *CredentialExpiredError) Is(target error) bool { return target == ErrCredentialExpired }

func (e *CredentialExpiredError) Unwrap() error { return e.Err }

// BlockedError lists what prevents a task from being completed.
type BlockedError struct {
	TaskID           string
	OpenSubtasks     []string
	OpenDependencies []string
}

func (e *BlockedError) Error() string {
	var parts []string
	if len(e.OpenSubtasks) > 0 {
		parts = append(parts, fmt.Sprintf("%d open subtask(s)", len(e.OpenSubtasks)))
	}
	if len(e.OpenDependencies) > 0 {
		parts = append(parts, "waiting on "+strings.Join(e.OpenDependencies, ", "))
	}
	return fmt.Sprintf("task %s is blocked: %s", e.TaskID, strings.Join(parts, "; "))
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// IsFallbackTrigger returns true if a denied broad query should be replaced
// by narrower permission-safe queries.
func IsFallbackTrigger(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthorization) || errors.Is(err, ErrMissingIndex)
}

// IsFatal returns true if the component that produced the error must stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCredentialExpired)
}

// Classify maps raw failures to the taxonomy. Errors that already carry a
// kind are returned unchanged; network and deadline errors become
// TransientNetworkError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrValidation, ErrAuthorization, ErrMissingIndex, ErrTransient, ErrQuota, ErrCredentialExpired, ErrBlocked, ErrNotFound, ErrDataIntegrity} {
		if errors.Is(err, kind) {
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientNetworkError{Op: op, Err: err}
	}
	return err
}

// Wire codes used by the relay protocol.
const (
	CodePermissionDenied   = "permission-denied"
	CodeFailedPrecondition = "failed-precondition"
	CodeUnavailable        = "unavailable"
	CodeInvalidArgument    = "invalid-argument"
	CodeNotFound           = "not-found"
	CodeInternal           = "internal"
)

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingIndex):
		return CodeFailedPrecondition
	case errors.Is(err, ErrAuthorization):
		return CodePermissionDenied
	case errors.Is(err, ErrTransient):
		return CodeUnavailable
	case errors.Is(err, ErrValidation):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// FromCode rebuilds a typed error from a wire code and message.
func FromCode(op, code, msg string) error {
	cause := errors.New(msg)
	switch code {
	case CodePermissionDenied:
		return &AuthorizationError{Op: op, Kind: ErrAuthorization, Err: cause}
	case CodeFailedPrecondition:
		return &AuthorizationError{Op: op, Kind: ErrMissingIndex, Err: cause}
	case CodeUnavailable:
		return &TransientNetworkError{Op: op, Err: cause}
	case CodeInvalidArgument:
		return &ValidationError{Field: op, Reason: msg}
	case CodeNotFound:
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, msg)
	default:
		return fmt.Errorf("%s: %s", op, msg)
	}
}
