package llmclient

import (
	"errors"
	"fmt"
)

// TransientError wraps a provider/network failure that is safe to retry
// with backoff: timeouts, 429s, 5xx responses. The client itself retries
// these internally up to its configured attempt count; callers only see
// one surfacing if retries are exhausted.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("llm transient error: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// SchemaError reports that the provider's response did not conform to
// the caller's requested JSON schema. The client retries once with a
// repair hint appended to the prompt; a second failure is returned to
// the caller as-is.
type SchemaError struct {
	Cause        error
	RepairHint   string
	RepairedOnce bool
}

func (e *SchemaError) Error() string { return fmt.Sprintf("llm schema error: %v", e.Cause) }
func (e *SchemaError) Unwrap() error { return e.Cause }

// FatalError is any provider failure that is not worth retrying: auth
// failure, bad request (4xx other than 429), malformed configuration.
// It surfaces to the caller immediately.
type FatalError struct {
	Cause      error
	StatusCode int
}

func (e *FatalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm fatal error (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("llm fatal error: %v", e.Cause)
}
func (e *FatalError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a TransientError (the only class
// the client's own retry loop should attempt again).
func IsRetryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsTerminal reports whether err is a FatalError — one that the
// orchestrator must treat as job-fatal rather than scene-level retry.
func IsTerminal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
