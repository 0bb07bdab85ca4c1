// api/models/errors.go
package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Store level errors.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a write precondition (version or existence) fails.
	ErrConflict = errors.New("concurrent modification")
)

// Domain errors returned by the filament and session managers.
var (
	ErrNotAuthenticated        = errors.New("not authenticated")
	ErrSessionNotFound         = errors.New("session not found")
	ErrFilamentNotFound        = errors.New("filament not found")
	ErrPrintJobNotFound        = errors.New("print job not found")
	ErrAlreadyMember           = errors.New("already a member of the session")
	ErrNotMember               = errors.New("not a member of the session")
	ErrFilamentInSession       = errors.New("filament already attached to the session")
	ErrInvalidWeight           = errors.New("invalid weight")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInsufficientFilament    = errors.New("not enough filament remaining")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrAccessCodeExhausted     = errors.New("could not allocate a unique access code")

	// ErrStoreFailure marks any underlying persistence error.
	ErrStoreFailure = errors.New("store failure")
	// ErrParseFailure marks a stored record that could not be decoded.
	ErrParseFailure = errors.New("parse failure")
)

// Failure tags an underlying error with one of the failure kinds above while
// keeping the original error reachable through errors.Is and errors.As.
type Failure struct {
	Kind error
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %v", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", f.Op, f.Kind, f.Err)
}

// Is reports whether target is the failure kind.
func (f *Failure) Is(target error) bool {
	return target == f.Kind
}

// Unwrap returns the original error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// StoreFailure wraps a persistence error. Nil stays nil.
func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: ErrStoreFailure, Op: op, Err: err}
}

// ParseFailure wraps a decoding error.
func ParseFailure(op string, err error) error {
	return &Failure{Kind: ErrParseFailure, Op: op, Err: err}
}

// Reason returns a human readable reason for err, falling back to a generic
// message when err carries nothing useful.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "something went wrong, please retry"
}
