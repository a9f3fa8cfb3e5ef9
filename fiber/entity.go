package fiber

import (
	"sync/atomic"

	"github.com/gottingen/turbofiber/fiber/internal/xfer"
	"github.com/gottingen/turbofiber/fls"
	"github.com/gottingen/turbofiber/session"
	"github.com/gottingen/turbofiber/stackpool"
)

// fiberEntity is the scheduler-internal record for one fiber, living in
// a slab allocated by the runtime. Its context (a CPU-register snapshot
// in a native fiber runtime) is the *xfer.Context transfer pair; its
// stack is the *stackpool.Lease.
type fiberEntity struct {
	id        ID
	ctx       *xfer.Context
	lease     *stackpool.Lease
	fls       *fls.Table
	joinID    session.ID
	rt        *Runtime
	stopped   atomic.Bool
	pendingIn xfer.Arg // argument to deliver on the next Jump
	onWorker  *Worker  // set only while actively running, for eager-start

	// handleState tracks the owning Fiber handle's status (Status,
	// stored as int32) independent of slot reuse, so a finalizer on the
	// handle can tell whether it was Join-ed or Detach-ed before being
	// collected. See Fiber's doc comment.
	handleState atomic.Int32
}

// asyncResult is what a suspension-point helper goroutine delivers back
// into a resumed fiber.
type asyncResult struct {
	value any
	err   error
}

// signal values a fiber's Yield() carries out to the worker loop,
// describing how it wants to be resumed.
type (
	yieldSignal struct{}
	asyncSignal struct{ done <-chan asyncResult }
)
