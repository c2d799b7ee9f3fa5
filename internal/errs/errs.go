// Package errs defines the error taxonomy shared across the server core.
//
// Three broad classes exist: security errors (the caller is not allowed),
// client errors (the request is malformed or conflicts with current state)
// and system errors (infrastructure failed). Peer delivery additionally
// distinguishes transient from permanent failures, but those never escape
// the outbox; they are folded into transfer history instead.
package errs

import (
	"errors"
	"fmt"
)

// ClientErrorCode is a stable, machine-readable code for client errors.
type ClientErrorCode string

const (
	CodeInvalidACL             ClientErrorCode = "invalid_acl"
	CodeDuplicateUniqueID      ClientErrorCode = "duplicate_unique_id"
	CodeFileNotActive          ClientErrorCode = "file_not_active"
	CodeFileNotFound           ClientErrorCode = "file_not_found"
	CodeMissingVersionTag      ClientErrorCode = "missing_version_tag"
	CodeVersionTagMismatch     ClientErrorCode = "version_tag_mismatch"
	CodeEncryptedAnonymousFile ClientErrorCode = "encrypted_anonymous_file"
	CodeInvalidPayloadIV       ClientErrorCode = "invalid_payload_iv"
	CodeInvalidRecipient       ClientErrorCode = "invalid_recipient"
	CodeFileSystemTypeMismatch ClientErrorCode = "file_system_type_mismatch"
	CodeBadRequest             ClientErrorCode = "bad_request"
)

// SecurityError indicates the caller lacks permission for the operation.
// Mapped to a 403 at the HTTP boundary; never retried.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return "security: " + e.Message
}

// Security creates a SecurityError with a formatted message.
func Security(format string, args ...any) error {
	return &SecurityError{Message: fmt.Sprintf(format, args...)}
}

// IsSecurity reports whether err is (or wraps) a SecurityError.
func IsSecurity(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// ClientError indicates a malformed or conflicting request.
// Mapped to a 400 at the HTTP boundary; never retried automatically.
type ClientError struct {
	Code    ClientErrorCode
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client (%s): %s", e.Code, e.Message)
}

// Client creates a ClientError with the given code and formatted message.
func Client(code ClientErrorCode, format string, args ...any) error {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsClient reports whether err is (or wraps) a ClientError.
func IsClient(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// ClientCode returns the code of a wrapped ClientError, or "" if err is not one.
func ClientCode(err error) ClientErrorCode {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// SystemError indicates an internal or infrastructure failure.
// Mapped to a 500 at the HTTP boundary.
type SystemError struct {
	Message string
	Cause   error
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return "system: " + e.Message + ": " + e.Cause.Error()
	}
	return "system: " + e.Message
}

func (e *SystemError) Unwrap() error { return e.Cause }

// System wraps err as a SystemError with a contextual message.
func System(message string, err error) error {
	return &SystemError{Message: message, Cause: err}
}

// IsSystem reports whether err is (or wraps) a SystemError.
func IsSystem(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}
