/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package errors provides structured error handling for TreeStore.

The errors package implements a structured error system with:
  - Error categories (IO, Protocol, Capacity, Lifecycle, Config)
  - Error codes for programmatic handling
  - User-friendly error messages with optional hints
  - Error wrapping for root cause analysis

Error Categories:
  - IO: a backend failed to read or write (driver, file, network)
  - Protocol: the store contract was misused (unknown transaction
    token, duplicate prepare, corrupt state stream, unsupported
    two-phase operation)
  - Capacity: a bounded resource was exhausted or a wait timed out
  - Lifecycle: the store is not running (before Start or after Stop)
  - Config: invalid configuration or unknown backend type

The absence of a node is not an error category: stores report it with
the plain sentinel store.ErrNotFound so callers can test it with
errors.Is.
*/
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error identifier.
type ErrorCode int

const (
	// IO errors (1000-1999)
	ErrCodeIO          ErrorCode = 1000
	ErrCodeIOFailure   ErrorCode = 1001
	ErrCodeBackendDown ErrorCode = 1002

	// Protocol errors (2000-2999)
	ErrCodeProtocol            ErrorCode = 2000
	ErrCodeUnknownToken        ErrorCode = 2001
	ErrCodeDuplicateToken      ErrorCode = 2002
	ErrCodeUnsupported         ErrorCode = 2003
	ErrCodeCorruptStream       ErrorCode = 2004
	ErrCodeCorruptLog          ErrorCode = 2005
	ErrCodeInvalidPath         ErrorCode = 2006
	ErrCodeInvalidModification ErrorCode = 2007

	// Capacity errors (3000-3999)
	ErrCodeCapacity  ErrorCode = 3000
	ErrCodeQueueFull ErrorCode = 3001
	ErrCodeTimeout   ErrorCode = 3002

	// Lifecycle errors (4000-4999)
	ErrCodeLifecycle  ErrorCode = 4000
	ErrCodeRejected   ErrorCode = 4001
	ErrCodeNotStarted ErrorCode = 4002

	// Config errors (5000-5999)
	ErrCodeConfig          ErrorCode = 5000
	ErrCodeUnknownBackend  ErrorCode = 5001
	ErrCodeInvalidValue    ErrorCode = 5002
	ErrCodeMissingRequired ErrorCode = 5003
)

// Category represents the error category.
type Category string

const (
	CategoryIO        Category = "IO"
	CategoryProtocol  Category = "PROTOCOL"
	CategoryCapacity  Category = "CAPACITY"
	CategoryLifecycle Category = "LIFECYCLE"
	CategoryConfig    Category = "CONFIG"
)

// StoreError represents a structured error in TreeStore.
type StoreError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Hint     string
	Cause    error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.Category, e.Message)
	if e.Detail != "" {
		msg += " - " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly error message.
func (e *StoreError) UserMessage() string {
	msg := fmt.Sprintf("ERROR: %s", e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("\nHINT: %s", e.Hint)
	}
	return msg
}

// WithDetail adds detail to the error.
func (e *StoreError) WithDetail(detail string) *StoreError {
	e.Detail = detail
	return e
}

// WithHint adds a hint to the error.
func (e *StoreError) WithHint(hint string) *StoreError {
	e.Hint = hint
	return e
}

// WithCause adds a cause to the error.
func (e *StoreError) WithCause(cause error) *StoreError {
	e.Cause = cause
	return e
}

// ============================================================================
// IO Error Constructors
// ============================================================================

// IOFailure wraps a backend failure for the named operation.
func IOFailure(op string, cause error) *StoreError {
	return &StoreError{
		Code:     ErrCodeIOFailure,
		Category: CategoryIO,
		Message:  fmt.Sprintf("backend %s failed", op),
		Cause:    cause,
	}
}

// BackendUnavailable creates an error for a backend that is closed or unreachable.
func BackendUnavailable(backend string) *StoreError {
	return &StoreError{
		Code:     ErrCodeBackendDown,
		Category: CategoryIO,
		Message:  fmt.Sprintf("backend %s is unavailable", backend),
		Hint:     "Check that the store was started",
	}
}

// ============================================================================
// Protocol Error Constructors
// ============================================================================

// NewProtocolError creates a new protocol error.
func NewProtocolError(message string) *StoreError {
	return &StoreError{
		Code:     ErrCodeProtocol,
		Category: CategoryProtocol,
		Message:  message,
	}
}

// UnknownToken creates an error for commit or rollback of a token that
// was never prepared or was already resolved.
func UnknownToken(token string) *StoreError {
	return &StoreError{
		Code:     ErrCodeUnknownToken,
		Category: CategoryProtocol,
		Message:  "unknown transaction",
		Detail:   fmt.Sprintf("Token: %s", token),
		Hint:     "Prepare the transaction before committing or rolling back",
	}
}

// DuplicateToken creates an error for a second prepare of the same token.
func DuplicateToken(token string) *StoreError {
	return &StoreError{
		Code:     ErrCodeDuplicateToken,
		Category: CategoryProtocol,
		Message:  "transaction already prepared",
		Detail:   fmt.Sprintf("Token: %s", token),
	}
}

// Unsupported creates an error for an operation the store does not provide.
func Unsupported(op, store string) *StoreError {
	return &StoreError{
		Code:     ErrCodeUnsupported,
		Category: CategoryProtocol,
		Message:  fmt.Sprintf("%s is not supported by %s", op, store),
	}
}

// CorruptStream creates an error for a malformed state-transfer stream.
func CorruptStream(detail string) *StoreError {
	return &StoreError{
		Code:     ErrCodeCorruptStream,
		Category: CategoryProtocol,
		Message:  "state stream corrupted",
		Detail:   detail,
	}
}

// CorruptLog creates an error for a damaged modification log.
func CorruptLog(detail string) *StoreError {
	return &StoreError{
		Code:     ErrCodeCorruptLog,
		Category: CategoryProtocol,
		Message:  "modification log corrupted",
		Detail:   detail,
		Hint:     "Restore from backup or truncate the log",
	}
}

// InvalidPath creates an error for an unparseable node path.
func InvalidPath(path, reason string) *StoreError {
	return &StoreError{
		Code:     ErrCodeInvalidPath,
		Category: CategoryProtocol,
		Message:  fmt.Sprintf("invalid path '%s'", path),
		Detail:   reason,
	}
}

// InvalidModification creates an error for a modification the store cannot apply.
func InvalidModification(detail string) *StoreError {
	return &StoreError{
		Code:     ErrCodeInvalidModification,
		Category: CategoryProtocol,
		Message:  "invalid modification",
		Detail:   detail,
	}
}

// ============================================================================
// Capacity Error Constructors
// ============================================================================

// QueueFull creates an error for a write that could not be enqueued.
func QueueFull(capacity, attempts int) *StoreError {
	return &StoreError{
		Code:     ErrCodeQueueFull,
		Category: CategoryCapacity,
		Message:  "write-behind queue is full",
		Detail:   fmt.Sprintf("Capacity: %d, attempts: %d", capacity, attempts),
		Hint:     "Increase the queue size or the number of workers",
	}
}

// Timeout creates an error for a bounded wait that expired.
func Timeout(op string) *StoreError {
	return &StoreError{
		Code:     ErrCodeTimeout,
		Category: CategoryCapacity,
		Message:  fmt.Sprintf("%s timed out", op),
	}
}

// ============================================================================
// Lifecycle Error Constructors
// ============================================================================

// Rejected creates an error for an operation on a stopped store.
func Rejected(op string) *StoreError {
	return &StoreError{
		Code:     ErrCodeRejected,
		Category: CategoryLifecycle,
		Message:  fmt.Sprintf("%s rejected: store is stopped", op),
		Hint:     "Start the store before issuing operations",
	}
}

// NotStarted creates an error for an operation issued before Start.
func NotStarted(op string) *StoreError {
	return &StoreError{
		Code:     ErrCodeNotStarted,
		Category: CategoryLifecycle,
		Message:  fmt.Sprintf("%s rejected: store is not started", op),
	}
}

// ============================================================================
// Config Error Constructors
// ============================================================================

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *StoreError {
	return &StoreError{
		Code:     ErrCodeConfig,
		Category: CategoryConfig,
		Message:  message,
	}
}

// UnknownBackend creates an error for a backend type that is not registered.
func UnknownBackend(name string) *StoreError {
	return &StoreError{
		Code:     ErrCodeUnknownBackend,
		Category: CategoryConfig,
		Message:  fmt.Sprintf("unknown backend type '%s'", name),
	}
}

// InvalidValue creates an error for invalid configuration values.
func InvalidValue(field, reason string) *StoreError {
	return &StoreError{
		Code:     ErrCodeInvalidValue,
		Category: CategoryConfig,
		Message:  fmt.Sprintf("invalid value for '%s'", field),
		Detail:   reason,
	}
}

// MissingRequired creates an error for missing required fields.
func MissingRequired(field string) *StoreError {
	return &StoreError{
		Code:     ErrCodeMissingRequired,
		Category: CategoryConfig,
		Message:  fmt.Sprintf("missing required field: %s", field),
	}
}

// ============================================================================
// Helper Functions
// ============================================================================

func asStoreError(err error) (*StoreError, bool) {
	var e *StoreError
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasCategory(err error, c Category) bool {
	e, ok := asStoreError(err)
	return ok && e.Category == c
}

func hasCode(err error, c ErrorCode) bool {
	e, ok := asStoreError(err)
	return ok && e.Code == c
}

// IsIOError checks if an error is a backend I/O error.
func IsIOError(err error) bool {
	return hasCategory(err, CategoryIO)
}

// IsProtocolError checks if an error is a contract misuse error.
func IsProtocolError(err error) bool {
	return hasCategory(err, CategoryProtocol)
}

// IsCapacityError checks if an error is a capacity or timeout error.
func IsCapacityError(err error) bool {
	return hasCategory(err, CategoryCapacity)
}

// IsRejected checks if an error reports an operation on a stopped store.
func IsRejected(err error) bool {
	return hasCategory(err, CategoryLifecycle)
}

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool {
	return hasCategory(err, CategoryConfig)
}

// IsTimeout checks if an error is a timed out wait.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsUnsupported checks if an error is an unsupported operation.
func IsUnsupported(err error) bool {
	return hasCode(err, ErrCodeUnsupported)
}

// GetCode returns the error code if it's a StoreError, or 0 otherwise.
func GetCode(err error) ErrorCode {
	if e, ok := asStoreError(err); ok {
		return e.Code
	}
	return 0
}

// FormatError formats an error for user display.
func FormatError(err error) string {
	if e, ok := asStoreError(err); ok {
		return e.UserMessage()
	}
	return fmt.Sprintf("ERROR: %v", err)
}
