// Package status defines the error taxonomy shared by every turbofiber
// subsystem (wevent, ftimer, fls, session, stackpool, fiber).
//
// Every exported turbofiber function returns a plain error wrapping one
// of the sentinels below, checkable with errors.Is. Internal
// cross-component faults reuse the same taxonomy rather than inventing
// package-local error types.
package status

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("%w: ...", sentinel) or use Wrap.
var (
	// ErrInvalidArgument covers a bad id, bad key, or bad duration.
	ErrInvalidArgument = errors.New("turbofiber: invalid argument")
	// ErrAlreadyExists covers a double-start of a Fiber or double-init.
	ErrAlreadyExists = errors.New("turbofiber: already exists")
	// ErrNotFound covers an id whose version no longer matches its slot.
	ErrNotFound = errors.New("turbofiber: not found")
	// ErrPermissionDenied covers a lock attempted during about-to-destroy.
	ErrPermissionDenied = errors.New("turbofiber: permission denied")
	// ErrBusy covers trylock contention.
	ErrBusy = errors.New("turbofiber: busy")
	// ErrStopped covers a wait that observed a stop flag.
	ErrStopped = errors.New("turbofiber: stopped")
	// ErrTimedOut covers a deadline-bounded wait that expired.
	ErrTimedOut = errors.New("turbofiber: timed out")
	// ErrOutOfMemory covers stack or slab exhaustion.
	ErrOutOfMemory = errors.New("turbofiber: out of memory")
	// ErrNotSupported covers e.g. shrinking concurrency after first fiber.
	ErrNotSupported = errors.New("turbofiber: not supported")
)

// Wrap attaches context to a sentinel while preserving errors.Is matching.
func Wrap(sentinel error, context string) error {
	if context == "" {
		return sentinel
	}
	return &wrapped{sentinel: sentinel, context: context}
}

type wrapped struct {
	sentinel error
	context  string
}

func (w *wrapped) Error() string { return w.context + ": " + w.sentinel.Error() }

func (w *wrapped) Unwrap() error { return w.sentinel }
