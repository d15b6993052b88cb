// Package domainerrors provides the error taxonomy shared by every Steep
// component: a small set of error Kinds (spec §7) plus a fluent builder for
// attaching a stable Code, a human message, and free-form context.
package domainerrors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an error the way the scheduler and controller need to
// route it: retry, surface to the user, or treat as advisory.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindStorage       Kind = "storage"
	KindAllocation    Kind = "allocation_miss"
	KindExecution     Kind = "execution"
	KindCancelled     Kind = "cancelled"
	KindCluster       Kind = "cluster"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnavailable   Kind = "storage_unavailable"
)

// Code is a stable machine-readable identifier, independent of message text.
type Code string

const (
	CodeWorkflowInvalid     Code = "WORKFLOW_INVALID"
	CodeUnresolvedForEach   Code = "UNRESOLVED_FOREACH"
	CodeCapabilityMismatch  Code = "CAPABILITY_MISMATCH"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeStorageUnavailable  Code = "STORAGE_UNAVAILABLE"
	CodeAllocationTimeout   Code = "ALLOCATION_TIMEOUT"
	CodeAllocationDenied    Code = "ALLOCATION_DENIED"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeExecutionIOFailure  Code = "EXECUTION_IO_FAILURE"
	CodeCancelled           Code = "CANCELLED"
	CodeClusterTimeout      Code = "CLUSTER_TIMEOUT"
	CodeOrphaned            Code = "ORPHANED"
	CodeInternal            Code = "INTERNAL"
)

// Error is Steep's structured error type. It carries enough information for
// the Scheduler/Controller to classify failures without string matching.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`

	// ExitCode and LastOutput are populated for execution errors that came
	// from a runtime process (spec §4.4/§7).
	ExitCode   *int   `json:"exit_code,omitempty"`
	LastOutput string `json:"last_output,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// MarshalJSON keeps the cause's text around even though the error itself
// isn't serializable.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return json.Marshal(&struct {
		*alias
		Cause string `json:"cause,omitempty"`
	}{alias: (*alias)(e), Cause: cause})
}

// ExecutionMessage renders the exact "<msg>\n\nExit code: <n>\n\n<lastOutput>"
// shape spec §7/§8 scenario 5 requires for a persisted chain errorMessage.
func (e *Error) ExecutionMessage() string {
	if e.ExitCode == nil {
		return e.Message
	}
	return fmt.Sprintf("%s\n\nExit code: %d\n\n%s", e.Message, *e.ExitCode, e.LastOutput)
}

// Builder is a fluent constructor for Error, mirroring the rich-error
// builder pattern used throughout the component this package is modeled on.
type Builder struct {
	err *Error
}

func New() *Builder {
	return &Builder{err: &Error{Timestamp: time.Now(), Kind: KindCluster}}
}

func (b *Builder) Kind(k Kind) *Builder    { b.err.Kind = k; return b }
func (b *Builder) Code(c Code) *Builder    { b.err.Code = c; return b }
func (b *Builder) Message(m string) *Builder { b.err.Message = m; return b }
func (b *Builder) Messagef(format string, args ...interface{}) *Builder {
	b.err.Message = fmt.Sprintf(format, args...)
	return b
}
func (b *Builder) Cause(err error) *Builder { b.err.Cause = err; return b }
func (b *Builder) ExitCode(code int) *Builder {
	b.err.ExitCode = &code
	return b
}
func (b *Builder) LastOutput(s string) *Builder { b.err.LastOutput = s; return b }
func (b *Builder) Context(key string, value interface{}) *Builder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}
func (b *Builder) Build() *Error { return b.err }

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// NotFound, Conflict, StorageUnavailable, Validation and Cancelled are
// convenience constructors for the common cases.

func NotFound(resource, id string) *Error {
	return New().Kind(KindNotFound).Code(CodeNotFound).
		Messagef("%s %q not found", resource, id).Context("id", id).Build()
}

func Conflict(resource, id string) *Error {
	return New().Kind(KindConflict).Code(CodeConflict).
		Messagef("%s %q conflict", resource, id).Context("id", id).Build()
}

func StorageUnavailable(cause error) *Error {
	return New().Kind(KindUnavailable).Code(CodeStorageUnavailable).
		Message("storage unavailable").Cause(cause).Build()
}

func Validation(message string) *Error {
	return New().Kind(KindValidation).Code(CodeWorkflowInvalid).Message(message).Build()
}

func Cancelled(message string) *Error {
	return New().Kind(KindCancelled).Code(CodeCancelled).Message(message).Build()
}
