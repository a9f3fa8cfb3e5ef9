package fiber

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gottingen/turbofiber/fiber/internal/xfer"
	"github.com/gottingen/turbofiber/flog"
	"github.com/gottingen/turbofiber/fls"
	"github.com/gottingen/turbofiber/ftimer"
	"github.com/gottingen/turbofiber/stackpool"
	"github.com/gottingen/turbofiber/status"
)

// Status describes a Fiber handle's lifecycle state.
type Status int

const (
	StatusInvalid Status = iota
	StatusRunning
	StatusStopped
	StatusDetached
	StatusJoined
)

// Fiber is the handle a caller holds to a started fiber. A C++ fiber
// runtime typically makes destroying a still-joinable handle (one
// neither Join-ed nor Detach-ed) a fatal programming error enforced at
// the moment of destruction; Go has no deterministic destructor, so
// that can only be approximated with a runtime.SetFinalizer, and
// finalizers are
// best-effort (not guaranteed to run before process exit, and routinely
// fire on ordinary idiomatic patterns like discarding a return value).
// Rather than make ordinary Go code nondeterministically fatal, a
// collected joinable handle logs a single warning through flog instead
// of terminating the process — a diagnostic for forgotten Join/Detach
// calls, not an enforced invariant. See DESIGN.md for the full
// resolution of this Open Question.
type Fiber struct {
	e *fiberEntity
}

func newFiberHandle(e *fiberEntity) *Fiber {
	e.handleState.Store(int32(StatusRunning))
	f := &Fiber{e: e}
	runtime.SetFinalizer(f, finalizeFiberHandle)
	return f
}

func finalizeFiberHandle(f *Fiber) {
	switch Status(f.e.handleState.Load()) {
	case StatusJoined, StatusDetached:
		return
	default:
		flog.L().Warning().Log("fiber: handle garbage collected while still joinable (missing Join or Detach)")
	}
}

// ID returns the underlying FiberId.
func (f *Fiber) ID() ID { return f.e.id }

// Status reports the handle's current lifecycle state.
func (f *Fiber) Status() Status { return Status(f.e.handleState.Load()) }

// Detach releases the caller's obligation to Join this handle.
func (f *Fiber) Detach() { f.e.handleState.Store(int32(StatusDetached)) }

// Join blocks the calling goroutine until the fiber finishes and marks
// the handle joined, satisfying the joinable-handle contract.
func (f *Fiber) Join() error {
	err := f.e.rt.Join(f.e.id)
	if err == nil {
		f.e.handleState.Store(int32(StatusJoined))
	}
	return err
}

// Equal reports whether two handles reference the same fiber slot and
// version.
func (f *Fiber) Equal(o *Fiber) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.e.id == o.e.id
}

// buildEntry adapts a func(*Context) into the xfer.Entry the scheduler
// drives, handing the fiber body its scheduling context.
func buildEntry(rt *Runtime, e *fiberEntity, body func(*Context)) xfer.Entry {
	return func(_ *xfer.Context, _ xfer.Arg) {
		body(&Context{rt: rt, e: e})
	}
}

// spawn allocates a fresh fiberEntity/ID pair and wires its xfer.Context.
// If the stack lease checked out a previously-used transfer pair (see
// Worker.finish), that pair is rearmed via Reset instead of allocating a
// fresh one; otherwise a new *xfer.Context is made from scratch.
func (rt *Runtime) spawn(class stackpool.Class, body func(*Context)) (*fiberEntity, error) {
	e, err := rt.newEntity(class)
	if err != nil {
		return nil, err
	}
	rt.allocSlot(e)
	e.joinID = rt.sessions.Create(nil, nil)
	rt.cfg.MarkStarted()
	entry := buildEntry(rt, e, body)
	if reused, ok := e.lease.Resource().(*xfer.Context); ok && reused != nil {
		reused.Reset(entry)
		e.ctx = reused
	} else {
		e.ctx = xfer.Make(entry)
	}
	return e, nil
}

// Start eagerly starts a new fiber from non-fiber ("pthread-task shim")
// context: the calling goroutine blocks while the body runs, on the
// fiber's own goroutine, up to its first suspension point, after which
// the fiber is handed to the global queue for a worker to resume.
func (rt *Runtime) Start(fn func(*Context)) (*Fiber, error) {
	e, err := rt.spawn(stackpool.Normal, fn)
	if err != nil {
		return nil, err
	}
	sem := rt.semWeight()
	if err := sem.Acquire(bgCtx, 1); err != nil {
		return nil, err
	}
	arg := e.ctx.Jump(nil)
	sem.Release(1)

	if e.ctx.Done() {
		w := &Worker{rt: rt}
		w.finish(e)
		return newFiberHandle(e), nil
	}
	if sig, ok := arg.(asyncSignal); ok {
		go func() {
			res := <-sig.done
			rt.resume(e, res)
		}()
	} else {
		rt.pushGlobal(e)
		rt.wakeOne()
	}
	return newFiberHandle(e), nil
}

// StartBackground lazily starts a new fiber: it is pushed to the
// runtime-wide queue without switching to it and without signalling a
// worker; workers find it on their next scan, or after an explicit
// Flush.
func (rt *Runtime) StartBackground(fn func(*Context)) (*Fiber, error) {
	e, err := rt.spawn(stackpool.Normal, fn)
	if err != nil {
		return nil, err
	}
	rt.pushGlobal(e)
	return newFiberHandle(e), nil
}

// Join blocks the calling goroutine until the fiber finishes. This is
// the low-level id-based form; callers holding a *Fiber should prefer
// its Join method, which also marks the handle joined (see Fiber's doc
// comment) — this form cannot, since it has no handle to update.
func (rt *Runtime) Join(id ID) error {
	e, ok := rt.lookup(id)
	if !ok {
		return nil // already finished and reaped; join is a no-op by id reuse safety
	}
	if e.joinID == 0 {
		return status.Wrap(status.ErrInvalidArgument, "fiber: not joinable")
	}
	return rt.sessions.Join(e.joinID)
}

// Stopped reports whether Stop has been called for the given fiber. It
// also reports true once the fiber has finished, and for an id that no
// longer names a live fiber.
func (rt *Runtime) Stopped(id ID) bool {
	e, ok := rt.lookup(id)
	if !ok {
		return true
	}
	return e.stopped.Load()
}

// Stop requests cooperative termination: the flag is observed at the
// fiber's next suspension point. A fiber is never preempted mid-run.
func (rt *Runtime) Stop(id ID) error {
	e, ok := rt.lookup(id)
	if !ok {
		return status.Wrap(status.ErrNotFound, "fiber: stale id")
	}
	e.stopped.Store(true)
	return nil
}

// Context is the explicit "current fiber" handle passed into a fiber's
// entry function. Go has no goroutine-local storage, and recovering one
// via goroutine-id parsing is explicitly non-idiomatic; instead every
// turbofiber body receives its own *Context directly, mirroring how
// context.Context is threaded explicitly through a call chain rather
// than recovered from ambient state. This is the resolution recorded in
// DESIGN.md for the fiber_self()/getspecific() Open Question.
type Context struct {
	rt *Runtime
	e  *fiberEntity
}

// ID returns this fiber's own handle, the Go-native self().
func (c *Context) ID() ID { return c.e.id }

// Yield cooperatively suspends, re-enqueuing at the local worker's
// queue tail.
func (c *Context) Yield() {
	c.e.ctx.Yield(yieldSignal{})
}

// await is the shared suspension-point helper: it spawns a helper
// goroutine to run blockingCall (which must not itself be called on the
// worker goroutine, since that would starve the worker inside Jump),
// yields an asyncSignal immediately, and returns whatever the helper
// goroutine produces once the worker resumes this fiber.
func (c *Context) await(blockingCall func() (any, error)) (any, error) {
	done := make(chan asyncResult, 1)
	go func() {
		v, err := blockingCall()
		done <- asyncResult{value: v, err: err}
	}()
	res, _ := c.e.ctx.Yield(asyncSignal{done: done}).(asyncResult)
	return res.value, res.err
}

// SleepFor suspends the fiber for at least d. It returns
// status.ErrStopped without sleeping if Stop was already requested, and
// returns it after the full sleep if Stop was requested meanwhile; Stop
// does not cut a sleep short.
func (c *Context) SleepFor(d time.Duration) error {
	if c.e.stopped.Load() {
		return status.ErrStopped
	}
	_, err := c.await(func() (any, error) {
		fired := make(chan struct{})
		timer, tErr := c.rt.timers.After(d, func() { close(fired) })
		if tErr != nil {
			return nil, tErr
		}
		<-fired
		_ = timer
		return nil, nil
	})
	if c.e.stopped.Load() {
		return status.ErrStopped
	}
	return err
}

// SleepUntil suspends until the wall-clock deadline t.
func (c *Context) SleepUntil(t time.Time) error {
	return c.SleepFor(time.Until(t))
}

// AboutToQuit sets the calling fiber's stop flag, so Stopped reports
// true and a later SleepFor returns status.ErrStopped. Workers do not
// read this flag when deciding whom to wake.
func (c *Context) AboutToQuit() {
	c.e.stopped.Store(true)
}

// KeyCreate allocates a fiber-local-storage key with the given
// destructor, delegating to the shared fls.KeyRegistry.
func (c *Context) KeyCreate(destructor func(any)) fls.Key {
	return c.rt.keys.Create(destructor)
}

// KeyDelete releases a fiber-local-storage key.
func (c *Context) KeyDelete(k fls.Key) error {
	return c.rt.keys.Delete(k)
}

// GetSpecific reads this fiber's value for k, or nil if unset.
func (c *Context) GetSpecific(k fls.Key) any {
	return c.e.fls.Get(k)
}

// SetSpecific stores this fiber's value for k.
func (c *Context) SetSpecific(k fls.Key, v any) error {
	return c.e.fls.Set(k, v)
}

// TimerAdd schedules fn to run after d, independent of any fiber's
// lifetime. Dropping the returned handle without first calling
// TimerDel or Detach logs a warning once the timer is collected, the
// same best-effort diagnostic Fiber uses for its own joinable-handle
// contract — see Fiber's doc comment and DESIGN.md.
func (c *Context) TimerAdd(d time.Duration, fn func()) (*Timer, error) {
	timer := &Timer{}
	t, err := c.rt.timers.After(d, func() {
		timer.fired.Store(true)
		fn()
	})
	if err != nil {
		return nil, err
	}
	timer.t = t
	runtime.SetFinalizer(timer, finalizeTimerHandle)
	return timer, nil
}

// Timer wraps a scheduled timer for cancellation via TimerDel.
type Timer struct {
	t       *ftimer.Timer
	fired   atomic.Bool
	settled atomic.Bool // cancelled or explicitly detached
}

func finalizeTimerHandle(t *Timer) {
	if t.fired.Load() || t.settled.Load() {
		return
	}
	flog.L().Warning().Log("fiber: timer handle garbage collected while still pending (missing TimerDel or Detach)")
}

// Detach releases the caller's obligation to retain this handle; the
// timer still fires normally.
func (t *Timer) Detach() { t.settled.Store(true) }

// TimerDel cancels a previously scheduled timer.
func (c *Context) TimerDel(t *Timer) {
	if t == nil {
		return
	}
	t.settled.Store(true)
	if t.t != nil {
		t.t.Cancel()
	}
}

// Start eagerly starts a new fiber from within a running fiber: the new
// entity is pushed to the front of the current worker's local queue,
// then the caller yields — FIFO local-queue ordering alone guarantees
// the new fiber runs next, without any special-case scheduler branch.
// If the local queue is at capacity, the new fiber overflows to the
// runtime-wide global queue instead.
func (c *Context) Start(fn func(*Context)) (*Fiber, error) {
	e, err := c.rt.spawn(stackpool.Normal, fn)
	if err != nil {
		return nil, err
	}
	if w := c.e.onWorker; w == nil || !w.local.pushFront(e) {
		c.rt.pushGlobal(e)
	}
	c.Yield()
	return newFiberHandle(e), nil
}

// StartBackground lazily starts a new fiber from within a running
// fiber: pushed to the local queue's tail with no wake signal, or to
// the runtime-wide global queue once the local queue is at capacity.
func (c *Context) StartBackground(fn func(*Context)) (*Fiber, error) {
	e, err := c.rt.spawn(stackpool.Normal, fn)
	if err != nil {
		return nil, err
	}
	if w := c.e.onWorker; w == nil || !w.local.pushBack(e) {
		c.rt.pushGlobal(e)
	}
	return newFiberHandle(e), nil
}

// Join suspends the calling fiber until target finishes and marks
// target joined, satisfying the joinable-handle contract.
func (c *Context) Join(target *Fiber) error {
	e := target.e
	if e.joinID == 0 {
		return status.Wrap(status.ErrInvalidArgument, "fiber: not joinable")
	}
	_, err := c.await(func() (any, error) {
		return nil, c.rt.sessions.Join(e.joinID)
	})
	if err == nil {
		target.e.handleState.Store(int32(StatusJoined))
	}
	return err
}

// Stopped reports whether Stop has been requested for the calling
// fiber.
func (c *Context) Stopped() bool { return c.e.stopped.Load() }
