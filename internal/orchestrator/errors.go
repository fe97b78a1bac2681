package orchestrator

import (
	"errors"
	"fmt"
)

// ErrTimeout marks runs that exceeded their wall-clock bound.
var ErrTimeout = errors.New("run timed out")

// Error codes carried by ExecutionError.
const (
	CodeTimeout  = "ETIMEDOUT"
	CodeCanceled = "ECANCELED"
	CodeNoReport = "ENOREPORT"
)

// ValidationError rejects a single request field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UnsupportedFormatError is returned for report formats other than json, html and junit.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported report format %q", e.Format)
}

// ExecutionError is a failed run. It never carries partial summary data.
type ExecutionError struct {
	Code    string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "run failed"
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// FilesystemError is a report folder operation that failed.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }
