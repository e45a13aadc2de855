package authcore

import (
	"fmt"
	"net/http"
)

// ErrorCode enumerates the closed domain error taxonomy. Raw provider errors
// never reach callers directly; they are classified into one of these codes
// at the boundary where they are first observed.
type ErrorCode string

const (
	CodeInvalidCredentials  ErrorCode = "AUTH_INVALID_CREDENTIALS"
	CodeUserNotFound        ErrorCode = "AUTH_USER_NOT_FOUND"
	CodeEmailNotConfirmed   ErrorCode = "AUTH_EMAIL_NOT_CONFIRMED"
	CodeEmailAlreadyExists  ErrorCode = "AUTH_EMAIL_ALREADY_EXISTS"
	CodeWeakPassword        ErrorCode = "AUTH_WEAK_PASSWORD"
	CodeSignupDisabled      ErrorCode = "AUTH_SIGNUP_DISABLED"
	CodeSessionExpired      ErrorCode = "AUTH_SESSION_EXPIRED"
	CodeTokenInvalid        ErrorCode = "AUTH_TOKEN_INVALID"
	CodeRateLimited         ErrorCode = "AUTH_RATE_LIMITED"
	CodeProfileUpdateFailed ErrorCode = "AUTH_PROFILE_UPDATE_FAILED"
	CodePasswordResetFailed ErrorCode = "AUTH_PASSWORD_RESET_FAILED"
	CodeMagicLinkFailed     ErrorCode = "AUTH_MAGIC_LINK_FAILED"
	CodeAuthentication      ErrorCode = "AUTH_AUTHENTICATION_ERROR"
	CodeValidation          ErrorCode = "AUTH_VALIDATION_ERROR"
	CodeExternalService     ErrorCode = "AUTH_EXTERNAL_SERVICE_ERROR"
	CodeInternal            ErrorCode = "AUTH_INTERNAL_ERROR"
)

// DomainAuthError is the internal, classified representation of a raw
// authentication failure. It is short-lived and never persisted.
type DomainAuthError struct {
	Code          ErrorCode
	Message       string
	Status        int
	IsOperational bool
	Context       map[string]string
}

// Error implements the error interface.
func (domainError *DomainAuthError) Error() string {
	return fmt.Sprintf("%s: %s", domainError.Code, domainError.Message)
}

// NewDomainAuthError constructs a classified error with a status-like
// severity. A zero status defaults to 500.
func NewDomainAuthError(code ErrorCode, message string, status int, logContext map[string]string) *DomainAuthError {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &DomainAuthError{
		Code:          code,
		Message:       message,
		Status:        status,
		IsOperational: status < http.StatusInternalServerError,
		Context:       logContext,
	}
}
