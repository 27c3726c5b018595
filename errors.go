package lumaframe

import "fmt"

// ValidationError indicates malformed or incomplete caller input. Surfaces
// as HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates that a referenced entity does not exist. Surfaces
// as HTTP 404.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError indicates that an entity exists but is in a state that does
// not admit the requested operation, e.g. approving a submission that has
// already been reviewed. Surfaces as HTTP 409.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Conflictf builds a ConflictError from a format string.
func Conflictf(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure talking to the blob store. Op names the
// attempted operation ("read", "create", "delete", ...), Key the object
// involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StageFailure records which pipeline stage a job died in. The queue stores
// its Error() string as the row's error message, so the failing stage is
// always visible to operators without consulting logs.
type StageFailure struct {
	Stage Stage
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
