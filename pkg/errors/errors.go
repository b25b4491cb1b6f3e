package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConfig             = errors.New("invalid configuration")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrObjectNotFound     = errors.New("object not found")
	ErrDecode             = errors.New("image decode failed")
	ErrExtraction         = errors.New("feature extraction failed")
	ErrPersistence        = errors.New("persistence failed")
	ErrRunInProgress      = errors.New("another run holds the lock")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCancelled          = errors.New("run cancelled")
)

// Process exit codes. A skipped publish is a successful run and exits with
// ExitOK.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitCatalog       = 2
	ExitPersistence   = 3
	ExitExtraction    = 4
	ExitRunInProgress = 5
	ExitCancelled     = 130
)

type AppError struct {
	Err      error
	Message  string
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  message,
		ExitCode: exitCodeFor(sentinel),
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// Wrap attaches a sentinel to an underlying cause so that both errors.Is
// checks succeed.
func Wrap(sentinel error, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &AppError{
		Err:      fmt.Errorf("%w: %w", sentinel, cause),
		Message:  message,
		ExitCode: exitCodeFor(sentinel),
	}
}

// ExitCode maps an error returned by a run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}
	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, ErrCatalogUnavailable):
		return ExitCatalog
	case errors.Is(err, ErrPersistence):
		return ExitPersistence
	case errors.Is(err, ErrExtraction):
		return ExitExtraction
	case errors.Is(err, ErrRunInProgress):
		return ExitRunInProgress
	default:
		return ExitFailure
	}
}
