package cache

import "errors"

var (
	// ErrInvalidFormat rejects a task whose output format is not supported.
	ErrInvalidFormat = errors.New("invalid output format")
	// ErrUnknownResolution rejects a width the descriptor was not registered with.
	ErrUnknownResolution = errors.New("unknown resolution")
	// ErrUnknownDescriptor rejects a task referring to an unregistered descriptor.
	ErrUnknownDescriptor = errors.New("unknown descriptor")
	// ErrTaskFailure wraps a codec error returned to every waiter of a job.
	ErrTaskFailure = errors.New("rendition task failed")
	// ErrCorruptEntry marks a persisted crop that failed validation. It is
	// only logged; the entry is treated as a miss.
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrNotStarted is returned by persistent-tier operations before Start
	// or after Stop.
	ErrNotStarted = errors.New("cache manager not started")
)
