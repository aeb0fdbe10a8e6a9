package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/internal/ports"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrQuotaExceeded means the owner already has the maximum number of active sessions.
	ErrQuotaExceeded = errors.New("container quota exceeded")
	// ErrPortExhausted means no display or web port was free.
	ErrPortExhausted = ports.ErrNoPortAvailable
	// ErrExpiredSession means the session's TTL elapsed.
	ErrExpiredSession = errors.New("session expired")
	// ErrNotFound means no session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrNotRunning means the operation needs a running session.
	ErrNotRunning = errors.New("session is not running")
	// ErrInvalidTransition means the state machine forbids the requested change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStopFailure means the container could not be stopped after retries.
	ErrStopFailure = errors.New("failed to stop container")
	// ErrRemoveFailure means the container could not be confirmed removed.
	ErrRemoveFailure = errors.New("failed to remove container")

	// ErrRuntimeUnavailable means the container engine could not be reached or timed out.
	ErrRuntimeUnavailable = browser.ErrRuntimeUnavailable
	// ErrImageNotFound means the browser image is missing from the engine.
	ErrImageNotFound = browser.ErrImageNotFound
	// ErrResourceLimitExceeded means the engine rejected the container's limits.
	ErrResourceLimitExceeded = browser.ErrResourceLimitExceeded
	// ErrReadinessTimeout means the browser never became ready in time.
	ErrReadinessTimeout = browser.ErrReadinessTimeout
)

// ValidationError carries one message per offending field.
type ValidationError struct {
	Fields map[string]string
}

// Error lists the offending fields in name order.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
