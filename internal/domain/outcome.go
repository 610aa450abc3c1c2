package domain

import (
	"context"
	"errors"
)

// Outcome is what a handler returns. The worker decides what happens next
// by looking at Kind, never by inspecting error types.
type Outcome struct {
	Result any
	Err    error
	Kind   ErrorKind
}

func (o Outcome) OK() bool { return o.Err == nil }

// Success reports a finished job with its result.
func Success(result any) Outcome {
	return Outcome{Result: result}
}

// Retry reports a transient failure that goes through the retry policy.
func Retry(err error) Outcome {
	if err == nil {
		err = errors.New("handler requested retry")
	}
	return Outcome{Err: err, Kind: KindRecoverable}
}

// Fatal reports a failure that must not be retried, e.g. a malformed payload.
func Fatal(err error) Outcome {
	if err == nil {
		err = errors.New("handler reported fatal failure")
	}
	return Outcome{Err: err, Kind: KindFatal}
}

// Handler is the executable logic bound to a job type.
type Handler func(ctx context.Context, payload Payload) Outcome
