package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrConflict          = errors.New("job changed concurrently")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrTimedOut          = errors.New("timed out waiting for job")
	ErrCancelled         = errors.New("job cancelled")
)

// ErrorKind classifies a failure recorded on a job.
type ErrorKind string

const (
	KindUnknownJobType    ErrorKind = "UnknownJobType"
	KindRecoverable       ErrorKind = "RecoverableHandlerError"
	KindFatal             ErrorKind = "FatalHandlerError"
	KindHandlerTimeout    ErrorKind = "HandlerTimeout"
	KindBrokerUnavailable ErrorKind = "BrokerUnavailable"
	KindStaleLease        ErrorKind = "StaleLease"
)

// Retryable reports whether a failure of this kind goes through the
// retry policy instead of failing the job outright.
func (k ErrorKind) Retryable() bool {
	return k == KindRecoverable || k == KindHandlerTimeout || k == KindStaleLease
}

// JobError is what callers see on a failed job: a classification and a
// message, never the raw handler error value.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewJobError(kind ErrorKind, err error) *JobError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &JobError{Kind: kind, Message: msg}
}
