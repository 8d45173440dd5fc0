// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/types"
)

// Fault names reported by the VIM API. These are the wire-level
// identifiers used as keys into the fault registry.
const (
	AlreadyExists         = "AlreadyExists"
	CannotDeleteFile      = "CannotDeleteFile"
	DuplicateName         = "DuplicateName"
	FileAlreadyExists     = "FileAlreadyExists"
	FileFault             = "FileFault"
	FileLocked            = "FileLocked"
	FileNotFound          = "FileNotFound"
	InvalidPowerState     = "InvalidPowerState"
	InvalidProperty       = "InvalidProperty"
	ManagedObjectNotFound = "ManagedObjectNotFound"
	NoDiskSpace           = "NoDiskSpace"
	NoPermission          = "NoPermission"
	NotAuthenticated      = "NotAuthenticated"
	SecurityError         = "SecurityError"
	TaskInProgress        = "TaskInProgress"
	ToolsUnavailable      = "ToolsUnavailable"
)

// Error kinds. Each server fault name registered with the fault
// registry resolves to one of these; the kind doubles as the error's
// default message. Match with errors.Is.
const (
	ErrAlreadyExists         = errors.ConstError("resource already exists")
	ErrCannotDeleteFile      = errors.ConstError("cannot delete file")
	ErrDuplicateName         = errors.ConstError("duplicate name")
	ErrFileAlreadyExists     = errors.ConstError("file already exists")
	ErrFileFault             = errors.ConstError("file fault")
	ErrFileLocked            = errors.ConstError("file locked")
	ErrFileNotFound          = errors.ConstError("file not found")
	ErrInvalidPowerState     = errors.ConstError("invalid power state")
	ErrInvalidProperty       = errors.ConstError("invalid property")
	ErrManagedObjectNotFound = errors.ConstError("managed object not found")
	ErrNoDiskSpace           = errors.ConstError("insufficient disk space")
	ErrNoPermission          = errors.ConstError("no permission")
	ErrNotAuthenticated      = errors.ConstError("not authenticated")
	ErrTaskInProgress        = errors.ConstError("entity has another operation in process")
	ErrToolsUnavailable      = errors.ConstError("VMware Tools is not running")

	// ErrServerFault is the fallback kind for server faults with no
	// registered mapping; the original fault name is preserved on the
	// error for diagnostics.
	ErrServerFault = errors.ConstError("unrecognized server fault")

	// ErrConnection marks transport and connection level failures.
	ErrConnection = errors.ConstError("connection problem")

	// ErrSessionOverload marks responses suggesting an API call
	// overload at the server.
	ErrSessionOverload = errors.ConstError("server API call overload")

	// ErrUnknownMethod marks invocation of a method the endpoint does
	// not expose.
	ErrUnknownMethod = errors.ConstError("no such SOAP method")
)

// Error is the error type raised by this package. It carries the
// classified kind, the fault names reported by the server (if any),
// fault details, and the causing error for diagnostics.
type Error struct {
	kind    errors.ConstError
	message string
	cause   error

	// Faults holds the server-reported fault names, if any.
	Faults []string

	// Details holds string fault details; a NoPermission fault carries
	// the failing object reference under "object" and the missing
	// privilege under "privilegeId".
	Details map[string]string
}

func newError(kind errors.ConstError, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

// Error is part of the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.message != "" {
		b.WriteString(e.message)
	} else {
		b.WriteString(string(e.kind))
	}
	if e.cause != nil {
		fmt.Fprintf(&b, "\nCause: %v", e.cause)
	}
	if len(e.Faults) > 0 {
		fmt.Fprintf(&b, "\nFaults: %s", strings.Join(e.Faults, ", "))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, e.Details[k])
		}
		fmt.Fprintf(&b, "\nDetails: {%s}", strings.Join(parts, ", "))
	}
	return b.String()
}

// Kind returns the classified error kind.
func (e *Error) Kind() errors.ConstError {
	return e.kind
}

// Message returns the error message without cause or fault decoration.
func (e *Error) Message() string {
	if e.message == "" {
		return string(e.kind)
	}
	return e.message
}

// Is makes errors.Is(err, Err<Kind>) match the classified kind.
func (e *Error) Is(target error) bool {
	kind, ok := target.(errors.ConstError)
	return ok && kind == e.kind
}

// Unwrap exposes the causing error.
func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) hasFault(name string) bool {
	for _, fault := range e.Faults {
		if fault == name {
			return true
		}
	}
	return false
}

// IsConnectionError reports whether err is a transport or connection
// level failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsSessionOverloadError reports whether err indicates an API call
// overload at the server.
func IsSessionOverloadError(err error) bool {
	return errors.Is(err, ErrSessionOverload)
}

// IsUnknownMethodError reports whether err was caused by invoking a
// method the endpoint does not expose.
func IsUnknownMethodError(err error) bool {
	return errors.Is(err, ErrUnknownMethod)
}

// IsNotAuthenticatedFault reports whether err is a server fault whose
// fault list includes NotAuthenticated. SecurityError faults are
// normalized to NotAuthenticated at the transport boundary, so they
// match too.
func IsNotAuthenticatedFault(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.hasFault(NotAuthenticated)
}

func isServerFault(err error) bool {
	var e *Error
	return errors.As(err, &e) && len(e.Faults) > 0
}

// FaultRegistry maps server fault names to error kinds. A registry is
// safe for concurrent use: it is read on every API call path and
// written only by Register.
//
// Requiring kinds to be errors.ConstError values makes the registry's
// compatibility contract (every kind renders a default message) a
// compile-time property.
type FaultRegistry struct {
	mu    sync.RWMutex
	kinds map[string]errors.ConstError
}

// NewFaultRegistry returns a registry populated with the built-in
// fault mappings. Some server versions report session expiry as
// SecurityError, so it maps to the NotAuthenticated kind.
func NewFaultRegistry() *FaultRegistry {
	return &FaultRegistry{kinds: map[string]errors.ConstError{
		AlreadyExists:         ErrAlreadyExists,
		CannotDeleteFile:      ErrCannotDeleteFile,
		DuplicateName:         ErrDuplicateName,
		FileAlreadyExists:     ErrFileAlreadyExists,
		FileFault:             ErrFileFault,
		FileLocked:            ErrFileLocked,
		FileNotFound:          ErrFileNotFound,
		InvalidPowerState:     ErrInvalidPowerState,
		InvalidProperty:       ErrInvalidProperty,
		ManagedObjectNotFound: ErrManagedObjectNotFound,
		NoDiskSpace:           ErrNoDiskSpace,
		NoPermission:          ErrNoPermission,
		NotAuthenticated:      ErrNotAuthenticated,
		SecurityError:         ErrNotAuthenticated,
		TaskInProgress:        ErrTaskInProgress,
		ToolsUnavailable:      ErrToolsUnavailable,
	}}
}

// Kind returns the registered kind for the given fault name, or
// ErrServerFault if the name has no mapping. It never fails.
func (r *FaultRegistry) Kind(name string) errors.ConstError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind, ok := r.kinds[name]; ok {
		return kind
	}
	logger.Debugf("fault %q not matched", name)
	return ErrServerFault
}

// Register inserts or overwrites the mapping for the given fault name.
// Overwriting an existing mapping is allowed, and logged.
func (r *FaultRegistry) Register(name string, kind errors.ConstError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[name]; ok {
		logger.Debugf("overriding error kind for %q", name)
	}
	r.kinds[name] = kind
}

// translate converts an untranslated server fault into its registered
// typed error, preserving message, fault names and details.
func (r *FaultRegistry) translate(e *Error) *Error {
	if len(e.Faults) == 0 {
		return e
	}
	return &Error{
		kind:    r.Kind(e.Faults[0]),
		message: e.message,
		cause:   e.cause,
		Faults:  e.Faults,
		Details: e.Details,
	}
}

// translateMethodFault converts a LocalizedMethodFault, as reported in
// a failed task's info or a lease's error property, into its registered
// typed error. An empty message defaults to the fault's localized
// message.
func (r *FaultRegistry) translateMethodFault(fault *types.LocalizedMethodFault, message string) *Error {
	e := &Error{kind: ErrServerFault, message: message}
	if fault == nil {
		return e
	}
	if e.message == "" {
		e.message = fault.LocalizedMessage
	}
	if name := vimFaultName(fault.Fault); name != "" {
		e.Faults = []string{name}
		e.kind = r.Kind(name)
	}
	return e
}

// vimFaultName returns the VIM fault name for a fault body, which is
// the name of its wire type.
func vimFaultName(fault types.AnyType) string {
	if fault == nil {
		return ""
	}
	name := fmt.Sprintf("%T", fault)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
