package fiber

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gottingen/turbofiber/wevent"
)

// FiberCond is a condition variable over the shared waitable-event
// table, composed with a *FiberMutex the way std::condition_variable
// composes with std::mutex.
type FiberCond struct {
	rt   *Runtime
	word atomic.Uint64
}

// NewCond creates a FiberCond bound to rt's waitable-event table.
func (rt *Runtime) NewCond() *FiberCond { return &FiberCond{rt: rt} }

func (cv *FiberCond) addr() uintptr { return uintptr(unsafe.Pointer(&cv.word)) }

// Signal wakes at most one waiter.
func (cv *FiberCond) Signal() {
	cv.word.Add(1)
	cv.rt.events.Wake(cv.addr(), 1)
}

// Broadcast wakes every current waiter.
func (cv *FiberCond) Broadcast() {
	cv.word.Add(1)
	cv.rt.events.WakeAll(cv.addr())
}

// Wait atomically unlocks m, parks the calling goroutine until signaled,
// and reacquires m before returning — the plain-goroutine counterpart to
// Context.Wait below, the same split FiberMutex already offers between
// its Lock/Unlock (goroutine) and Context.Lock/Context.Unlock (fiber)
// methods. This lets an OS-thread caller and a fiber share one FiberCond.
func (cv *FiberCond) Wait(m *FiberMutex) error {
	word := cv.word.Load()
	m.Unlock()
	_, err := cv.rt.events.Wait(cv.addr(), word, func() uint64 { return cv.word.Load() }, 0)
	m.Lock()
	return err
}

// Wait atomically unlocks m, suspends the calling fiber until signaled,
// and reacquires m before returning, mirroring
// std::condition_variable::wait(lock). The suspension itself runs
// through the asyncSignal pattern so the worker is never blocked.
func (c *Context) Wait(cv *FiberCond, m *FiberMutex) error {
	word := cv.word.Load()
	if err := c.Unlock(m); err != nil {
		return err
	}
	_, err := c.await(func() (any, error) {
		_, werr := cv.rt.events.Wait(cv.addr(), word, func() uint64 { return cv.word.Load() }, 0)
		return nil, werr
	})
	if lockErr := c.Lock(m); lockErr != nil && err == nil {
		err = lockErr
	}
	return err
}

// WaitTimeout is Wait bounded by a maximum suspension duration, mirroring
// std::condition_variable::wait_for.
func (c *Context) WaitTimeout(cv *FiberCond, m *FiberMutex, timeout time.Duration) (wevent.WaitResult, error) {
	word := cv.word.Load()
	if err := c.Unlock(m); err != nil {
		return wevent.Interrupted, err
	}
	resRaw, err := c.await(func() (any, error) {
		r, werr := cv.rt.events.Wait(cv.addr(), word, func() uint64 { return cv.word.Load() }, timeout)
		return r, werr
	})
	if lockErr := c.Lock(m); lockErr != nil && err == nil {
		err = lockErr
	}
	result, _ := resRaw.(wevent.WaitResult)
	return result, err
}
