package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskTimedOut is the cause recorded for an attempt that stopped
	// signalling progress for longer than the task timeout.
	ErrTaskTimedOut = errors.New("task timed out without progress")

	// ErrJobKilled is the cause recorded for a job stopped by Kill.
	ErrJobKilled = errors.New("job killed")
)

// ArgumentError reports a request that can never succeed as given. No job
// is submitted when it is returned.
type ArgumentError struct {
	Source string
	Dest   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("coercer: invalid request %s -> %s: %s", quoteOrEmpty(e.Source), quoteOrEmpty(e.Dest), e.Reason)
}

func missingSchemeError(source, dest string) *ArgumentError {
	var missing []string
	if !hasScheme(source) {
		missing = append(missing, "source")
	}
	if !hasScheme(dest) {
		missing = append(missing, "dest")
	}
	return &ArgumentError{
		Source: source,
		Dest:   dest,
		Reason: "source and dest must have schemes, missing on " + strings.Join(missing, " and "),
	}
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "<empty>"
	}
	return fmt.Sprintf("%q", s)
}

// SubmissionError reports that the job could not be created or started.
type SubmissionError struct {
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("coercer: submit job: %v", e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// ExecutionError reports a job that ended in Failed or Killed. Cause is the
// failure of the first task that broke the job.
type ExecutionError struct {
	JobID  string
	Status JobStatus
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("coercer: job %s %s", e.JobID, strings.ToLower(e.Status.String()))
	}
	return fmt.Sprintf("coercer: job %s %s: %v", e.JobID, strings.ToLower(e.Status.String()), e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// InterruptedError reports that the wait for a job was cancelled. The job
// has been killed. It is not retryable.
type InterruptedError struct {
	JobID string
	Cause error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("coercer: interrupted while waiting for job %s: %v", e.JobID, e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

// Fatal is always true: an interrupted coercion is an abort, not a fault
// to retry.
func (e *InterruptedError) Fatal() bool { return true }
