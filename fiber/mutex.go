package fiber

import "github.com/gottingen/turbofiber/session"

// FiberMutex is a mutex backed by the session subsystem, usable from
// both fiber bodies (via the Context methods below, which cooperatively
// suspend rather than block a worker) and plain goroutines (via the
// Lock/Unlock/TryLock methods, which block the calling goroutine the
// way sync.Mutex does) — composing with a plain goroutine's std::mutex-
// style usage via these adapter methods. Both call paths share one
// underlying session.ID, so a fiber and a plain goroutine genuinely
// exclude each other.
type FiberMutex struct {
	rt *Runtime
	id session.ID
}

// NewMutex creates a FiberMutex bound to rt's session manager.
func (rt *Runtime) NewMutex() *FiberMutex {
	return &FiberMutex{rt: rt, id: rt.sessions.Create(nil, nil)}
}

// Lock acquires m from a plain (non-fiber) goroutine; this blocks the
// calling goroutine directly, which is safe because it is not a
// worker's goroutine and therefore cannot starve the scheduler.
func (m *FiberMutex) Lock() {
	_, _ = m.rt.sessions.Lock(m.id)
}

// TryLock attempts a non-blocking acquire, matching sync.Mutex.TryLock.
func (m *FiberMutex) TryLock() bool {
	_, err := m.rt.sessions.Trylock(m.id)
	return err == nil
}

// Unlock releases m.
func (m *FiberMutex) Unlock() {
	_ = m.rt.sessions.Unlock(m.id)
}

// Lock acquires m from fiber context, cooperatively suspending the
// caller (via the asyncSignal suspension-point pattern) instead of
// blocking the worker outright.
func (c *Context) Lock(m *FiberMutex) error {
	_, err := c.await(func() (any, error) {
		return m.rt.sessions.Lock(m.id)
	})
	return err
}

// TryLock attempts to acquire m without suspending.
func (c *Context) TryLock(m *FiberMutex) bool {
	return m.TryLock()
}

// Unlock releases m from fiber context.
func (c *Context) Unlock(m *FiberMutex) error {
	return m.rt.sessions.Unlock(m.id)
}
