// Package xfer implements a Go-native substitute for a `make`/`jump`
// context switch: a symmetric-coroutine handoff built from two
// unbuffered channels instead of a saved CPU register file.
//
// A Context always has exactly one side runnable at a time: either the
// scheduler goroutine that called Jump, or the fiber goroutine spawned
// by Make. Jump blocks until the other side hands control back, the
// same contract swapcontext gives a C++ fiber runtime: a synchronous
// transfer of control carrying one argument in each direction.
package xfer

// Arg is the value carried across a transfer in either direction. The
// fiber runtime uses it to pass wakeup reasons into a resumed fiber and
// suspend reasons back out to the scheduler.
type Arg any

// Entry is a fiber body. It receives the argument passed by the first
// Jump that resumes it and must call Yield to suspend (returning control
// to the scheduler) or simply return to finish the fiber permanently.
type Entry func(ctx *Context, initial Arg)

// Context is one fiber's transfer channel pair.
type Context struct {
	toFiber chan Arg
	toSched chan Arg
	done    bool
}

// Make spawns a new goroutine running entry, parked immediately on its
// inbound channel until the first Jump. The returned Context is not yet
// running entry's body — call Jump to start it.
func Make(entry Entry) *Context {
	c := &Context{
		toFiber: make(chan Arg),
		toSched: make(chan Arg),
	}
	c.spawn(entry)
	return c
}

// Reset rearms a finished Context to run a new entry, reusing its
// channel pair instead of allocating one. It must only be called after
// Done reports true; the old entry's goroutine has already exited by
// then, so the channels are safe to hand to a fresh one.
func (c *Context) Reset(entry Entry) {
	c.done = false
	c.spawn(entry)
}

func (c *Context) spawn(entry Entry) {
	go func() {
		initial := <-c.toFiber
		entry(c, initial)
		c.done = true
		c.toSched <- nil
	}()
}

// Jump transfers arg into the fiber and blocks until it suspends (via
// Yield) or finishes, returning whatever value the other side handed
// back. Jump must only be called by the scheduler goroutine that owns
// this Context, never concurrently.
func (c *Context) Jump(arg Arg) Arg {
	c.toFiber <- arg
	return <-c.toSched
}

// Yield suspends the calling fiber, handing ret back to the scheduler's
// Jump call, and blocks until the scheduler Jumps again. It must only be
// called from inside the Entry function running on this Context.
func (c *Context) Yield(ret Arg) Arg {
	c.toSched <- ret
	return <-c.toFiber
}

// Done reports whether the fiber's Entry function has returned. Safe to
// call only after a Jump has returned, from the scheduler side.
func (c *Context) Done() bool { return c.done }
