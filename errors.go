package appupd

import (
	"errors"
	"strings"
)

// Error is the appupd error domain type.
//
// Errors coming from appupd components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of appupd components should create an Error at the system
// boundary (e.g. when talking to an upstream host, spawning a subprocess, or
// touching persisted state) and intermediate layers should not wrap in
// another Error except to add additional [ErrorKind] information. That is to
// say, use [fmt.Errorf] with a "%w" verb in preference to creating a
// containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	if _, known := kinds[e.Kind]; known {
		b.WriteString(string(e.Kind))
	} else {
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents the stable failure classes of the engine.
//
// The identifiers are part of the tool's external contract: they appear in
// terminal output, hook payloads, and map onto process exit codes.
type ErrorKind string

// Defined error kinds.
var (
	ErrNetwork       = ErrorKind("NETWORK_ERROR")        // transport or upstream failure
	ErrConfig        = ErrorKind("CONFIG_ERROR")         // invalid or missing configuration
	ErrPermission    = ErrorKind("PERMISSION_ERROR")     // insufficient privileges
	ErrValidation    = ErrorKind("VALIDATION_ERROR")     // artifact or input failed validation
	ErrDependency    = ErrorKind("DEPENDENCY_ERROR")     // required host command missing
	ErrGPG           = ErrorKind("GPG_ERROR")            // signature verification failure
	ErrCustomChecker = ErrorKind("CUSTOM_CHECKER_ERROR") // custom checker misbehaved
	ErrInstallation  = ErrorKind("INSTALLATION_ERROR")   // install step failed
	ErrCache         = ErrorKind("CACHE_ERROR")          // cache state unusable
	ErrLock          = ErrorKind("LOCK_ERROR")           // could not acquire an advisory lock
	ErrSecurity      = ErrorKind("SECURITY_ERROR")       // refused on security policy
	ErrTimeout       = ErrorKind("TIMEOUT_ERROR")        // bounded operation ran too long
	ErrCompilation   = ErrorKind("COMPILATION_ERROR")    // source build failed
	ErrCLI           = ErrorKind("CLI_ERROR")            // unusable command line
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}

var kinds = map[ErrorKind]struct{}{
	ErrNetwork: {}, ErrConfig: {}, ErrPermission: {}, ErrValidation: {},
	ErrDependency: {}, ErrGPG: {}, ErrCustomChecker: {}, ErrInstallation: {},
	ErrCache: {}, ErrLock: {}, ErrSecurity: {}, ErrTimeout: {},
	ErrCompilation: {}, ErrCLI: {},
}

// ExitCode maps kinds onto the documented process exit codes. Kinds without
// a dedicated code collapse to 1.
var exitCode = map[ErrorKind]int{
	ErrNetwork:       10,
	ErrConfig:        11,
	ErrPermission:    12,
	ErrValidation:    13,
	ErrDependency:    14,
	ErrGPG:           15,
	ErrCustomChecker: 16,
	ErrInstallation:  17,
	ErrCache:         20,
	ErrLock:          20,
}

// ExitCode reports the process exit code for the error.
//
// A nil error reports 0. Errors without an [ErrorKind] in the chain, or with
// a kind that has no dedicated code, report 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		if c, ok := exitCode[e.Kind]; ok {
			return c
		}
	}
	return 1
}

// Notifies reports whether a failure of this kind warrants a desktop
// notification in addition to the terminal message.
func (e ErrorKind) Notifies() bool {
	switch e {
	case ErrNetwork, ErrPermission, ErrGPG, ErrInstallation:
		return true
	}
	return false
}

// KindOf extracts the [ErrorKind] from an error chain, defaulting to
// [ErrInstallation]-adjacent unknown ("") when absent.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKind("")
}
