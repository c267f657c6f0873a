package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific
// errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrDisabled         = fmt.Errorf("disabled")
)

// Sentinel errors for the plugin subsystem.
var (
	ErrManifestInvalid  = fmt.Errorf("manifest validation failed")
	ErrPathOutsideRoot  = fmt.Errorf("path is outside plugin root")
	ErrUnsafeNotAllowed = fmt.Errorf("non-isolated plugins are disabled")
	ErrPluginTerminated = fmt.Errorf("plugin terminated")
	ErrProviderInit     = fmt.Errorf("provider initialization failed")
	ErrProviderNotFound = fmt.Errorf("provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrCommandNotFound  = fmt.Errorf("command not found")
	ErrActivationFailed = fmt.Errorf("plugin activation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Manager.ActivatePlugin")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier, used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map the sentinel + subsystem pair to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and audit.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeDisabled         ErrorCode = "DISABLED"

	// Plugin subsystem codes. Security refusals carry distinct codes so
	// audit tooling can separate them from plain validation failures.
	CodeManifestInvalid  ErrorCode = "PLUGIN_MANIFEST_INVALID"
	CodePathOutsideRoot  ErrorCode = "PLUGIN_PATH_OUTSIDE_ROOT"
	CodeUnsafeRefused    ErrorCode = "PLUGIN_UNSAFE_REFUSED"
	CodePluginTerminated ErrorCode = "PLUGIN_TERMINATED"
	CodeProviderInit     ErrorCode = "PROVIDER_INIT_FAILED"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeCommandNotFound  ErrorCode = "COMMAND_NOT_FOUND"
	CodeActivationFailed ErrorCode = "PLUGIN_ACTIVATION_FAILED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrDisabled:         CodeDisabled,

	ErrManifestInvalid:  CodeManifestInvalid,
	ErrPathOutsideRoot:  CodePathOutsideRoot,
	ErrUnsafeNotAllowed: CodeUnsafeRefused,
	ErrPluginTerminated: CodePluginTerminated,
	ErrProviderInit:     CodeProviderInit,
	ErrProviderNotFound: CodeProviderNotFound,
	ErrToolNotFound:     CodeToolNotFound,
	ErrCommandNotFound:  CodeCommandNotFound,
	ErrActivationFailed: CodeActivationFailed,
}

// ErrorCodeOf returns the machine-parseable code for an error chain.
func ErrorCodeOf(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
