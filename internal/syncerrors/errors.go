// Package syncerrors defines the error taxonomy of the sync engine.
//
// Three families exist: programmer errors (unclassifiable payloads, unmapped
// transitions) which are fatal and never retried; missing-data errors which
// are typed so callers can report them instead of swallowing them; and
// provider-state errors which are expected operational conditions with a
// defined recovery path.
package syncerrors

import (
	"errors"
	"fmt"
)

// Provider-state sentinels. These are expected conditions, not failures:
// revoked access triggers a local purge for the user, a full-resync demand
// marks the watch for resync.
var (
	ErrAccessRevoked      = errors.New("provider access revoked")
	ErrFullResyncRequired = errors.New("provider requires a full resync")
)

// ErrOrphanedInstance marks an instance whose recurrence pointer does not
// resolve to a live base. It is a defect state, never a valid terminal one.
var ErrOrphanedInstance = errors.New("instance references a missing or cancelled base")

// DeveloperError marks a violated engine invariant: an unclassifiable change
// payload or an unmapped category transition. It is fatal and non-retryable;
// callers log it and surface a server error.
type DeveloperError struct {
	Op     string
	Detail string
}

func (e *DeveloperError) Error() string {
	return fmt.Sprintf("developer error in %s: %s", e.Op, e.Detail)
}

// NewDeveloperError builds a DeveloperError for the given operation.
func NewDeveloperError(op, format string, args ...interface{}) *DeveloperError {
	return &DeveloperError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsDeveloperError reports whether err carries a DeveloperError.
func IsDeveloperError(err error) bool {
	var de *DeveloperError
	return errors.As(err, &de)
}

// MissingBaseEvent is returned when a series operation cannot locate the base
// event it was asked to act on.
type MissingBaseEvent struct {
	IDKey string
	ID    string
}

func (e *MissingBaseEvent) Error() string {
	return fmt.Sprintf("missing base event: no event with %s=%s", e.IDKey, e.ID)
}

// IsMissingBaseEvent reports whether err carries a MissingBaseEvent.
func IsMissingBaseEvent(err error) bool {
	var mbe *MissingBaseEvent
	return errors.As(err, &mbe)
}
