package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Class groups error codes by how callers are expected to react.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassValidation    Class = "validation"
	ClassUpstream      Class = "upstream"
	ClassAuthorization Class = "authorization"
	ClassConcurrency   Class = "concurrency"
	ClassCustody       Class = "custody"
	ClassState         Class = "state"
	ClassNotFound      Class = "not_found"
	ClassDryRun        Class = "dry_run"
)

// Code is a stable, machine-readable failure identifier.
type Code string

const (
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeSlippageTooHigh        Code = "SLIPPAGE_TOO_HIGH"
	CodeSellAmountTooLarge     Code = "SELL_AMOUNT_TOO_LARGE"
	CodeBreakerTripped         Code = "BREAKER_TRIPPED"
	CodeCooldownActive         Code = "COOLDOWN_ACTIVE"
	CodeLocked                 Code = "LOCKED"
	CodeUpstream               Code = "UPSTREAM_ERROR"
	CodeUpstreamShape          Code = "UPSTREAM_SHAPE"
	CodeSimulationReverted     Code = "SIMULATION_REVERTED"
	CodeSignatureInvalid       Code = "SIGNATURE_INVALID"
	CodeSignatureExpired       Code = "SIGNATURE_EXPIRED"
	CodeMissingKeyVersion      Code = "MISSING_KEY_VERSION"
	CodeInvalidKEK             Code = "INVALID_KEK"
	CodeDecryptionFailed       Code = "DECRYPTION_FAILED"
	CodeCustodyAddressMismatch Code = "CUSTODY_ADDRESS_MISMATCH"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeDryRun                 Code = "DRY_RUN"
	CodeConfigInvalid          Code = "CONFIG_INVALID"
	CodeReceiptTimeout         Code = "RECEIPT_TIMEOUT"
	CodeBroadcastFailed        Code = "BROADCAST_FAILED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Class   Class
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so sentinel-style comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With attaches a detail value and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given class and code.
func New(class Class, code Code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that keeps err as its cause.
func Wrap(err error, class Class, code Code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(code Code, format string, args ...any) *Error {
	return New(ClassValidation, code, format, args...)
}

func Upstream(err error, format string, args ...any) *Error {
	return Wrap(err, ClassUpstream, CodeUpstream, format, args...)
}

func UpstreamShape(format string, args ...any) *Error {
	return New(ClassUpstream, CodeUpstreamShape, format, args...)
}

func Custody(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, ClassCustody, code, format, args...)
}

func Configuration(err error, format string, args ...any) *Error {
	return Wrap(err, ClassConfiguration, CodeConfigInvalid, format, args...)
}

func Locked(key string) *Error {
	return New(ClassConcurrency, CodeLocked, "execution lock held for %s", key).With("lock_key", key)
}

func NotFound(what, id string) *Error {
	return New(ClassNotFound, CodeNotFound, "%s %s not found", what, id)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a class onto a response status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Class {
	case ClassValidation:
		return http.StatusUnprocessableEntity
	case ClassAuthorization:
		return http.StatusForbidden
	case ClassConcurrency:
		return http.StatusConflict
	case ClassState:
		return http.StatusConflict
	case ClassNotFound:
		return http.StatusNotFound
	case ClassUpstream:
		return http.StatusBadGateway
	case ClassDryRun:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
