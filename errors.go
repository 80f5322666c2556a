package pageglot

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the client configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when starting a job with an id that is taken
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidJobStatus is returned when an operation is not valid in the
	// job's current status
	ErrInvalidJobStatus = errors.New("operation not valid in job status")

	// =========================================================================
	// Client errors
	// =========================================================================

	// ErrClientNotStarted is returned when calling methods before Start()
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start() is called twice
	ErrClientAlreadyStarted = errors.New("client already started")
)

// ClientError represents an error with additional context
type ClientError struct {
	Op      string         // Operation that failed
	Err     error          // Underlying error
	JobID   string         // Job ID if applicable
	Context map[string]any // Additional context
}

// Error implements the error interface
func (e *ClientError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s (job=%s): %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *ClientError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *ClientError) WithContext(key string, value any) *ClientError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewClientError creates a new ClientError
func NewClientError(op string, err error) *ClientError {
	return &ClientError{
		Op:  op,
		Err: err,
	}
}

// NewClientErrorWithJob creates a new ClientError with a job ID
func NewClientErrorWithJob(op string, jobID string, err error) *ClientError {
	return &ClientError{
		Op:    op,
		Err:   err,
		JobID: jobID,
	}
}
