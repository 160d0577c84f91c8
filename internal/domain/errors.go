package domain

import (
	"context"
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the taxonomy code of the error.
func (e *DomainError) ErrorCode() string {
	return e.Code
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
)

// Pipeline error taxonomy codes
const (
	ErrCodeTransientProvider = "TRANSIENT_PROVIDER_ERROR"
	ErrCodePermanentInput    = "PERMANENT_INPUT_ERROR"
	ErrCodeStateConflict     = "STATE_CONFLICT"
	ErrCodeStageFailure      = "PIPELINE_STAGE_FAILURE"
	ErrCodeDuplicateEvent    = "DUPLICATE_EVENT"
)

// Validation errors
var (
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidStage         = NewDomainError(ErrCodeValidation, "invalid stage")
	ErrInvalidDecision      = NewDomainError(ErrCodeValidation, "invalid approval decision")
	ErrInvalidReviewStatus  = NewDomainError(ErrCodeValidation, "invalid review status")
	ErrUnknownApprovalItem  = NewDomainError(ErrCodeValidation, "unknown approval item")
	ErrInvalidCorpus        = NewDomainError(ErrCodeValidation, "invalid corpus")
)

// Not found errors
var (
	ErrCaseNotFound       = NewDomainError(ErrCodeNotFound, "audit case not found")
	ErrVerdictNotFound    = NewDomainError(ErrCodeNotFound, "verdict not found")
	ErrChunkNotFound      = NewDomainError(ErrCodeNotFound, "chunk not found")
	ErrRegulationNotFound = NewDomainError(ErrCodeNotFound, "regulation not found")
	ErrRepositoryNotFound = NewDomainError(ErrCodeNotFound, "repository not found")
	ErrEventNotFound      = NewDomainError(ErrCodeNotFound, "inbound event not found")
	ErrReportNotArchived  = NewDomainError(ErrCodeNotFound, "case report not archived")
)

// Conflict errors
var (
	ErrRepositoryExists = NewDomainError(ErrCodeAlreadyExists, "repository full name already registered")
)

// Operation errors
var (
	ErrCaseNotResumable     = NewDomainError(ErrCodeInvalidOperation, "case cannot be resumed in its current status")
	ErrCaseNotAwaiting      = NewDomainError(ErrCodeInvalidOperation, "case is not waiting for approval")
	ErrCaseNotCancellable   = NewDomainError(ErrCodeInvalidOperation, "case cannot be cancelled in its current status")
	ErrCaseAlreadyDecided   = NewDomainError(ErrCodeInvalidOperation, "case approval decision already recorded")
	ErrStageOutOfOrder      = NewDomainError(ErrCodeInvalidOperation, "stage does not follow the completed prefix")
	ErrSupersededActiveRule = NewDomainError(ErrCodeInvalidOperation, "active regulation version cannot be superseded")
	ErrNothingApproved      = NewDomainError(ErrCodeInvalidOperation, "case has no approved items")
)

// Taxonomy errors
var (
	ErrTransientProvider    = NewDomainError(ErrCodeTransientProvider, "transient provider error")
	ErrIndexNotReady        = NewDomainError(ErrCodeTransientProvider, "vector index partition is not ready")
	ErrEmptySource          = NewDomainError(ErrCodePermanentInput, "source text is empty")
	ErrUnparseableOutput    = NewDomainError(ErrCodePermanentInput, "reasoner output could not be parsed")
	ErrVersionConflict      = NewDomainError(ErrCodeStateConflict, "record version does not match")
	ErrCaseBusy             = NewDomainError(ErrCodeStateConflict, "case is locked by another execution")
	ErrLeaseLost            = NewDomainError(ErrCodeStateConflict, "case lease is no longer held")
	ErrTicketInFlight       = NewDomainError(ErrCodeStateConflict, "ticket creation for the item is in progress")
	ErrTicketAlreadyCreated = NewDomainError(ErrCodeStateConflict, "approval item already has a ticket")
	ErrDuplicateEvent       = NewDomainError(ErrCodeDuplicateEvent, "event already processed")
)

type coder interface {
	ErrorCode() string
}

// CodeOf returns the taxonomy code of the outermost coded error in the chain.
func CodeOf(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		if c, ok := err.(coder); ok && c.ErrorCode() == code {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if HasCode(inner, code) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			return false
		}
	}
	return false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case ErrCodeTransientProvider:
		return true
	case "":
		return HasCode(err, ErrCodeTransientProvider)
	}
	return false
}

// IsPermanentInput reports whether err marks an item that should be skipped.
func IsPermanentInput(err error) bool {
	return HasCode(err, ErrCodePermanentInput)
}

// IsStateConflict reports whether the caller must re-read and retry.
func IsStateConflict(err error) bool {
	return HasCode(err, ErrCodeStateConflict)
}

// StageFailure wraps the last error of a stage that exhausted its retries.
func StageFailure(stage Stage, attempts int, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeStageFailure,
		fmt.Sprintf("stage %s failed after %d attempts", stage, attempts), err)
}
