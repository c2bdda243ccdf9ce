package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownTask indicates that a callback could not be matched to a workflow.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDispatchFailed indicates that the external text-processing service
	// rejected a dispatch or was unreachable after all retries.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrStorageQuotaExceeded indicates that a write would exceed the store's
	// total byte budget even after an eviction pass.
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

	// ErrReconstruction indicates that a chunked blob is missing an expected
	// slot on read. The blob is never silently truncated.
	ErrReconstruction = errors.New("blob reconstruction failed")

	// ErrVersionConflict indicates that a conditional write lost an
	// optimistic-concurrency race and should be retried.
	ErrVersionConflict = errors.New("version conflict")

	// ErrWorkflowFailed indicates that a digest workflow ended in failure.
	ErrWorkflowFailed = errors.New("workflow failed")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UnknownTaskError provides details about a callback whose task ID matched no
// persisted workflow. The callback is logged and dropped; retrying cannot
// recover the missing context.
type UnknownTaskError struct {
	TaskID string
}

// Error implements the error interface.
func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("no workflow found for task %s", e.TaskID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *UnknownTaskError) Unwrap() error {
	return ErrUnknownTask
}

// DispatchError provides details about a failed dispatch to the external
// text-processing service.
type DispatchError struct {
	DocumentID string
	ItemID     string
	ChunkIndex int
	Attempts   int
	Cause      error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for document %s item %s chunk %d after %d attempts: %v",
		e.DocumentID, e.ItemID, e.ChunkIndex, e.Attempts, e.Cause)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *DispatchError) Unwrap() error {
	return ErrDispatchFailed
}

// QuotaError provides details about a storage quota violation.
type QuotaError struct {
	Key         string
	PayloadSize int64
	BudgetBytes int64
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("put of %d bytes under %q exceeds storage budget of %d bytes",
		e.PayloadSize, e.Key, e.BudgetBytes)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *QuotaError) Unwrap() error {
	return ErrStorageQuotaExceeded
}

// ReconstructionError provides details about a chunked blob that could not be
// reassembled because a slot is missing.
type ReconstructionError struct {
	Key         string
	MissingSlot int
	ChunkCount  int
}

// Error implements the error interface.
func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("blob %q is missing slot %d of %d", e.Key, e.MissingSlot, e.ChunkCount)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ReconstructionError) Unwrap() error {
	return ErrReconstruction
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
