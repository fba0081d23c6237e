package core

import (
	"errors"
	"fmt"
	"time"
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// ErrorKind classifies pipeline failures so that only the classification,
// never a raw provider error, decides what the task queue does next.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts and rate limits;
	// retried at both request and message level.
	KindTransient ErrorKind = iota
	// KindPermanentInput covers bad files, unsupported formats and empty
	// content; the submission moves to error without retry.
	KindPermanentInput
	// KindPermanentProvider covers provider-side permanent rejections,
	// including unrecoverable malformed responses.
	KindPermanentProvider
	// KindConflict means another worker already advanced the submission;
	// treated as success, not as an error.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentInput:
		return "permanent_input"
	case KindPermanentProvider:
		return "permanent_provider"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

type PipelineError struct {
	Kind  ErrorKind
	Stage string
	// RetryAfter, when set on a transient error, is the minimum delay the
	// queue should wait before redelivery (used for quota errors).
	RetryAfter time.Duration
	Err        error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func NewTransientError(stage string, err error) error {
	return &PipelineError{Kind: KindTransient, Stage: stage, Err: err}
}

func NewQuotaError(stage string, err error, retryAfter time.Duration) error {
	return &PipelineError{Kind: KindTransient, Stage: stage, RetryAfter: retryAfter, Err: err}
}

func NewInputError(stage string, err error) error {
	return &PipelineError{Kind: KindPermanentInput, Stage: stage, Err: err}
}

func NewProviderError(stage string, err error) error {
	return &PipelineError{Kind: KindPermanentProvider, Stage: stage, Err: err}
}

func NewConflictError(stage string, err error) error {
	return &PipelineError{Kind: KindConflict, Stage: stage, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// conservatively treated as transient so they stay within the retry bound
// before dead-lettering.
func KindOf(err error) ErrorKind {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// RetryAfterOf returns the redelivery delay floor requested by err, if any.
func RetryAfterOf(err error) time.Duration {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}
