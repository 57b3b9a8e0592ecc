package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure across package boundaries.
type ErrorCode string

const (
	// generic
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"

	// configuration
	ErrCodeConfigMissing ErrorCode = "CONFIG_MISSING"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// database and schema
	ErrCodeDBConnection    ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeDBQuery         ErrorCode = "DB_QUERY_ERROR"
	ErrCodeMigrationFailed ErrorCode = "MIGRATION_FAILED"
	ErrCodeMigrationDirty  ErrorCode = "MIGRATION_DIRTY"

	// local orchestration
	ErrCodeDependencyUnhealthy ErrorCode = "DEPENDENCY_UNHEALTHY"
	ErrCodeDependencyFailed    ErrorCode = "DEPENDENCY_FAILED"
	ErrCodeComposeInvalid      ErrorCode = "COMPOSE_INVALID"

	// pipeline
	ErrCodeBuildFailed     ErrorCode = "BUILD_FAILED"
	ErrCodePushFailed      ErrorCode = "PUSH_FAILED"
	ErrCodeAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrCodeSecretStore     ErrorCode = "SECRET_STORE_ERROR"
	ErrCodeInvalidManifest ErrorCode = "INVALID_MANIFEST"
	ErrCodeDeployRejected  ErrorCode = "DEPLOY_REJECTED"
	ErrCodeDeployLocked    ErrorCode = "DEPLOY_LOCKED"
)

// ErrorSeverity grades how loudly an error should be reported.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Process exit statuses, following sysexits(3) where one applies.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitTempFail    = 75
	ExitConfig      = 78
)

// AppError is the error type returned by every internal package.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code onto a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeDeployLocked:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeDBConnection, ErrCodeMigrationDirty, ErrCodeDependencyUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps the code onto a process exit status for the CLIs.
func (e *AppError) ExitCode() int {
	switch e.Code {
	case ErrCodeConfigMissing, ErrCodeConfigInvalid, ErrCodeComposeInvalid, ErrCodeInvalidManifest:
		return ExitConfig
	case ErrCodeInvalidInput:
		return ExitUsage
	case ErrCodeDBConnection, ErrCodeDependencyUnhealthy, ErrCodeDependencyFailed:
		return ExitUnavailable
	case ErrCodeDeployLocked, ErrCodeTimeout:
		return ExitTempFail
	case ErrCodeInternal:
		return ExitSoftware
	default:
		return ExitFailure
	}
}

// NewAppError creates an error with the severity implied by its code.
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails creates an error carrying extra detail text.
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// Newf is NewAppError with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, args...), nil)
}

// WithContext attaches a key/value pair.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRequestID attaches the request id of the HTTP call that failed.
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeConfigMissing, ErrCodeConfigInvalid, ErrCodeMigrationDirty:
		return SeverityCritical
	case ErrCodeDBConnection, ErrCodeMigrationFailed, ErrCodeDependencyUnhealthy,
		ErrCodeDependencyFailed, ErrCodeBuildFailed, ErrCodePushFailed, ErrCodeAuthFailed,
		ErrCodeDeployRejected:
		return SeverityHigh
	case ErrCodeDBQuery, ErrCodeSecretStore, ErrCodeInvalidManifest, ErrCodeComposeInvalid,
		ErrCodeDeployLocked:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable reports whether repeating the operation may succeed.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeDBConnection, ErrCodeDeployLocked, ErrCodeSecretStore:
		return true
	default:
		return false
	}
}

// ErrorResponse is the JSON body written for failed HTTP requests.
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse wraps err for the response body.
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// WrapError converts err into an AppError, keeping an existing AppError as is.
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	return NewAppError(code, message, err)
}

// IsAppError reports whether err is or wraps an AppError.
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError returns the first AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr.ExitCode()
	}
	return ExitFailure
}
