// Package errors provides error handling for fairaudit.
//
// It re-exports github.com/cockroachdb/errors so every package wraps errors
// the same way (stack traces, details, hints) and defines the sentinel errors
// of the audit and certificate domain. Check them with errors.Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	WithHint     = crdb.WithHint
	Join         = crdb.Join
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Domain sentinels. Wrap them with Wrap/Wrapf to add context; the HTTP layer
// maps them to status codes.
var (
	// ErrValidation marks a malformed submission or request. No job is created.
	ErrValidation = New("validation failed")

	// ErrEngine marks a failure reported by the audit engine.
	ErrEngine = New("audit engine failed")

	// ErrEngineIncomplete is returned when issuance is attempted for a job
	// that has not completed.
	ErrEngineIncomplete = New("audit job is not completed")

	// ErrNotFound indicates an unknown job, certificate id or hash.
	ErrNotFound = New("not found")

	// ErrDuplicateInFlight indicates a job for the same fingerprint is already in flight.
	ErrDuplicateInFlight = New("audit already in flight for fingerprint")

	// ErrDuplicateID indicates a certificate id or hash is already stored.
	ErrDuplicateID = New("duplicate certificate id")

	// ErrInvalidTransition indicates a forbidden certificate status change.
	ErrInvalidTransition = New("invalid certificate status transition")

	// ErrTamperedCertificate indicates a stored certificate whose hash or
	// signature no longer matches its content.
	ErrTamperedCertificate = New("tampered certificate")

	// ErrQueueFull indicates the coordinator cannot accept more jobs.
	ErrQueueFull = New("audit queue is full")

	// ErrUnauthorized indicates missing or wrong admin credentials.
	ErrUnauthorized = New("unauthorized")
)

// Validationf builds an ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return Wrapf(ErrValidation, format, args...)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is one of the conflict sentinels.
func IsConflict(err error) bool {
	return err != nil && IsAny(err, ErrDuplicateInFlight, ErrDuplicateID, ErrInvalidTransition)
}
