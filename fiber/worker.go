package fiber

import (
	"context"
	"math/rand"

	"github.com/gottingen/turbofiber/fiber/internal/wakeup"
	"github.com/gottingen/turbofiber/flog"
)

// bgCtx is used for the fiber_concurrency semaphore's Acquire calls,
// which are never meant to be canceled — the gate is purely a weight
// limiter, not a cancellation point.
var bgCtx = context.Background()

// Worker is one scheduler thread: a goroutine that repeatedly picks a
// runnable fiberEntity (from its own local queue, the runtime-wide
// queue, or by stealing from a sibling) and runs it until it either
// suspends or finishes.
type Worker struct {
	id    int
	rt    *Runtime
	local *runQueue
	wake  wakeup.Source
}

// loop is the worker's scheduling loop: local pop, global pop, steal,
// idle-park, in that priority order.
func (w *Worker) loop() {
	for {
		e := w.local.popFront()
		if e == nil {
			e = w.rt.global.popFront()
		}
		if e == nil {
			e = w.steal()
		}
		if e == nil {
			if w.rt.Stopping() && w.local.len() == 0 {
				return
			}
			w.wake.Wait()
			continue
		}
		w.run(e)
	}
}

// steal picks a random sibling worker and bulk-moves half its local
// queue onto this worker's own.
func (w *Worker) steal() *fiberEntity {
	w.rt.mu.Lock()
	peers := w.rt.workers
	w.rt.mu.Unlock()
	if len(peers) <= 1 {
		return nil
	}
	start := rand.Intn(len(peers))
	for i := 0; i < len(peers); i++ {
		peer := peers[(start+i)%len(peers)]
		if peer == w {
			continue
		}
		stolen := peer.local.stealHalf()
		if len(stolen) == 0 {
			continue
		}
		head := stolen[0]
		for _, e := range stolen[1:] {
			w.enqueueLocal(e)
		}
		return head
	}
	return nil
}

// run transfers control into e's goroutine, gated by the shared
// fiber_concurrency semaphore: a fiber's right to actually execute is
// acquired immediately before Jump and released immediately after it
// returns, so the semaphore bound, not goroutine count, is what caps
// concurrently-running fiber bodies.
func (w *Worker) run(e *fiberEntity) {
	sem := w.rt.semWeight()
	if err := sem.Acquire(bgCtx, 1); err != nil {
		// Only a canceled context reaches here, and bgCtx is never
		// canceled; requeue defensively rather than drop the fiber.
		w.rt.pushGlobal(e)
		return
	}
	e.onWorker = w
	arg := e.ctx.Jump(e.pendingIn)
	e.pendingIn = nil
	sem.Release(1)
	e.onWorker = nil

	if e.ctx.Done() {
		w.finish(e)
		return
	}

	switch sig := arg.(type) {
	case yieldSignal:
		w.enqueueLocal(e)
	case asyncSignal:
		go func() {
			res := <-sig.done
			w.rt.resume(e, res)
		}()
	default:
		// Unrecognized yield payload: treat as a plain cooperative
		// yield so a fiber can never vanish from scheduling.
		w.enqueueLocal(e)
	}
}

// enqueueLocal pushes e onto this worker's own queue, falling back to
// the runtime-wide global queue once the local queue is at capacity.
func (w *Worker) enqueueLocal(e *fiberEntity) {
	if !w.local.pushBack(e) {
		w.rt.pushGlobal(e)
	}
}

// finish runs the cleanup epilogue for an entity whose entry function
// has returned: run FLS destructors, wake the join event, stash the
// finished transfer pair on the lease for the next checkout in this
// class to rearm, return the lease, then retire the slot.
func (w *Worker) finish(e *fiberEntity) {
	e.fls.RunDestructors(func(index int) {
		_ = index
		flog.L().Warning().Log("fiber: fls value still set after the destructor re-entry bound; dropped")
	})
	e.rt.tables.Put(e.fls)

	if e.joinID != 0 {
		_ = e.rt.sessions.UnlockAndDestroy(e.joinID)
	}

	e.lease.SetResource(e.ctx)
	e.rt.stacks.Checkin(e.lease)
	e.stopped.Store(true)
	e.rt.freeSlot(e.id)
}
