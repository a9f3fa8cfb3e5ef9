// Package fiber is turbofiber's public API: the M:N cooperative fiber
// scheduler, its FiberMutex/FiberCond conveniences, and the Fiber handle
// type exposed to callers.
package fiber

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/gottingen/turbofiber/fiber/internal/wakeup"
	"github.com/gottingen/turbofiber/fiber/internal/xfer"
	"github.com/gottingen/turbofiber/fiberconfig"
	"github.com/gottingen/turbofiber/flog"
	"github.com/gottingen/turbofiber/fls"
	"github.com/gottingen/turbofiber/ftimer"
	"github.com/gottingen/turbofiber/session"
	"github.com/gottingen/turbofiber/stackpool"
	"github.com/gottingen/turbofiber/status"
	"github.com/gottingen/turbofiber/wevent"
)

// Metrics is the narrow counters/gauges surface turbofiber reports
// through. The zero value (via NopMetrics) does nothing.
type Metrics interface {
	CounterAdd(name string, delta int64, tags ...string)
	GaugeSet(name string, value float64, tags ...string)
	HistogramObserve(name string, value float64, tags ...string)
}

// NopMetrics is the default no-op Metrics implementation.
type NopMetrics struct{}

func (NopMetrics) CounterAdd(string, int64, ...string)        {}
func (NopMetrics) GaugeSet(string, float64, ...string)        {}
func (NopMetrics) HistogramObserve(string, float64, ...string) {}

// Runtime is one turbofiber scheduler: a pool of Workers sharing a
// stack pool, an FLS key registry, a session manager, and a timer
// service.
type Runtime struct {
	cfg     *fiberconfig.Runtime
	stacks  *stackpool.Pool
	keys    *fls.KeyRegistry
	tables  *fls.KeyTablePool
	timers  *ftimer.Service
	events  *wevent.Table
	sessions *session.Manager
	metrics Metrics

	sem atomic.Pointer[semaphore.Weighted]

	mu      sync.Mutex
	slots   []*fiberEntity
	free    []uint32
	workers []*Worker
	stopping atomic.Bool
	growing  atomic.Bool
	global   *runQueue
}

// Option configures a Runtime at construction.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	metrics Metrics
	cfgOpts []fiberconfig.Option
}

// WithMetrics installs a custom Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *runtimeOptions) { o.metrics = m }
}

// WithConfig appends fiberconfig options applied before the worker pool
// is sized and started.
func WithConfig(cfgOpts ...fiberconfig.Option) Option {
	return func(o *runtimeOptions) { o.cfgOpts = append(o.cfgOpts, cfgOpts...) }
}

// New builds and starts a Runtime: fiberconfig.Default() resolves the
// worker count, stackpool.New builds the stack-class pools, and the
// worker pool is started. If FiberMinConcurrency is set below
// FiberConcurrency, only that many workers are started up front and the
// pool lazily grows toward FiberConcurrency as load demands (see
// maybeGrow); otherwise the full FiberConcurrency worker count starts
// immediately, matching a zero FiberMinConcurrency meaning "no lazy
// growth floor".
func New(opts ...Option) *Runtime {
	ro := &runtimeOptions{metrics: NopMetrics{}}
	for _, opt := range opts {
		opt(ro)
	}

	cfg := fiberconfig.New(ro.cfgOpts...)
	snapshot := cfg.Snapshot()

	rt := &Runtime{
		cfg:     cfg,
		keys:    fls.NewKeyRegistry(),
		timers:  ftimer.New(),
		metrics: ro.metrics,
		global:  newUnboundedRunQueue(int(snapshot.TaskGroupRunqueueCapacity)),
	}
	rt.sem.Store(semaphore.NewWeighted(int64(snapshot.FiberConcurrency)))
	rt.tables = fls.NewKeyTablePool(rt.keys, 64)
	rt.events = wevent.New(rt.timers)
	rt.sessions = session.NewManager(rt.events)
	// A class's creator returns nil for a brand-new checkout: the actual
	// *xfer.Context only exists once a fiber has run at least once, at
	// which point Worker.finish stores it on the lease via SetResource
	// before Checkin so the next Checkout in that class can rearm it
	// (see Runtime.spawn) instead of allocating a fresh transfer pair.
	rt.stacks = stackpool.New(stackpool.Config{
		TCStackSmall:    snapshot.TCStackSmall,
		TCStackNormal:   snapshot.TCStackNormal,
		StackSizeSmall:  snapshot.StackSizeSmall,
		StackSizeNormal: snapshot.StackSizeNormal,
		StackSizeLarge:  snapshot.StackSizeLarge,
	}, func(stackpool.Class) any { return nil })

	initial := snapshot.FiberConcurrency
	if snapshot.FiberMinConcurrency > 0 && snapshot.FiberMinConcurrency < snapshot.FiberConcurrency {
		initial = snapshot.FiberMinConcurrency
	}
	for i := 0; i < int(initial); i++ {
		rt.addWorker(int(snapshot.TaskGroupRunqueueCapacity))
	}
	return rt
}

func (rt *Runtime) addWorker(queueCap int) *Worker {
	src, err := wakeup.New()
	if err != nil {
		flog.L().Warning().Err(err).Log("worker wakeup source failed, falling back to channel")
		src = wakeup.NewChannelFallback()
	}
	rt.mu.Lock()
	w := &Worker{
		id:    len(rt.workers),
		rt:    rt,
		local: newRunQueue(queueCap),
		wake:  src,
	}
	rt.workers = append(rt.workers, w)
	rt.mu.Unlock()
	go w.loop()
	return w
}

// maybeGrow adds one more worker if the pool was started below its full
// fiber_concurrency (via FiberMinConcurrency) and the global queue shows
// backlog the current pool isn't draining, so a lazily-sized pool grows
// toward its ceiling under load rather than sitting fixed at the floor.
// growing debounces concurrent callers to one in-flight addWorker at a
// time.
func (rt *Runtime) maybeGrow() {
	snapshot := rt.cfg.Snapshot()
	rt.mu.Lock()
	current := len(rt.workers)
	rt.mu.Unlock()
	if current >= int(snapshot.FiberConcurrency) {
		return
	}
	if rt.global.len() <= current {
		return
	}
	if !rt.growing.CompareAndSwap(false, true) {
		return
	}
	defer rt.growing.Store(false)
	rt.addWorker(int(snapshot.TaskGroupRunqueueCapacity))
}

// semWeight returns the currently active concurrency-gate semaphore. A
// Jump's Acquire and its matching Release always use the same pointer,
// captured once at the start of run(), so a concurrent SetConcurrency
// swap never splits an acquire/release pair across two semaphores.
func (rt *Runtime) semWeight() *semaphore.Weighted { return rt.sem.Load() }

// SetConcurrency grows (never shrinks) both the worker pool and the
// fiber_concurrency gate, matching fiberconfig's watermark rule. Since
// golang.org/x/sync/semaphore.Weighted has a fixed capacity, growing
// replaces it with a fresh, larger instance; this is safe because the
// replacement only ever raises the limit, and any acquire/release pair
// already in flight keeps using the semaphore pointer it captured at
// acquire time.
func (rt *Runtime) SetConcurrency(target int32) error {
	if err := rt.cfg.SetConcurrency(target); err != nil {
		return err
	}
	rt.mu.Lock()
	current := len(rt.workers)
	rt.mu.Unlock()
	rt.sem.Store(semaphore.NewWeighted(int64(target)))

	for i := current; i < int(target); i++ {
		rt.addWorker(int(rt.cfg.Snapshot().TaskGroupRunqueueCapacity))
	}
	return nil
}

func (rt *Runtime) allocSlot(e *fiberEntity) ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if n := len(rt.free); n > 0 {
		idx := rt.free[n-1]
		rt.free = rt.free[:n-1]
		prior := rt.slots[idx]
		version := uint32(1)
		if prior != nil {
			version = prior.id.version() + 1
		}
		e.id = makeID(idx, version)
		rt.slots[idx] = e
		return e.id
	}
	idx := uint32(len(rt.slots))
	e.id = makeID(idx, 1)
	rt.slots = append(rt.slots, e)
	return e.id
}

func (rt *Runtime) freeSlot(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.free = append(rt.free, id.index())
}

func (rt *Runtime) lookup(id ID) (*fiberEntity, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := id.index()
	if int(idx) >= len(rt.slots) {
		return nil, false
	}
	e := rt.slots[idx]
	if e == nil || e.id != id {
		return nil, false
	}
	return e, true
}

// pushGlobal enqueues an entity on the runtime-wide queue. The global
// queue is unbounded, so this always succeeds; it is the fallback an
// overflowing per-worker local queue pushes to. Pushing here can also
// signal the lazily-sized pool to grow — see maybeGrow.
func (rt *Runtime) pushGlobal(e *fiberEntity) {
	rt.global.pushBack(e)
	rt.maybeGrow()
}

// wakeOne notifies a single (arbitrary) idle worker.
func (rt *Runtime) wakeOne() {
	rt.mu.Lock()
	workers := rt.workers
	rt.mu.Unlock()
	if len(workers) == 0 {
		return
	}
	workers[rand.Intn(len(workers))].wake.Notify()
}

// Flush wakes every currently idle worker, making background work
// started via StartBackground visible without waiting for an unrelated
// wakeup.
func (rt *Runtime) Flush() {
	rt.mu.Lock()
	workers := append([]*Worker(nil), rt.workers...)
	rt.mu.Unlock()
	for _, w := range workers {
		w.wake.Notify()
	}
}

// resume requeues a suspended entity with a value to deliver on its next
// Jump, and wakes a worker to pick it up.
func (rt *Runtime) resume(e *fiberEntity, arg xfer.Arg) {
	e.pendingIn = arg
	rt.pushGlobal(e)
	rt.wakeOne()
}

// Shutdown signals every worker to exit once their queues drain, and
// stops the shared timer service. It does not forcibly cancel running
// fibers.
func (rt *Runtime) Shutdown() {
	rt.stopping.Store(true)
	rt.mu.Lock()
	workers := append([]*Worker(nil), rt.workers...)
	rt.mu.Unlock()
	for _, w := range workers {
		w.wake.Notify()
	}
	rt.timers.Stop()
}

// Stopping reports whether Shutdown has been called.
func (rt *Runtime) Stopping() bool { return rt.stopping.Load() }

// Timers exposes the shared timer service for TimerAdd/TimerDel facade
// methods.
func (rt *Runtime) Timers() *ftimer.Service { return rt.timers }

// Sessions exposes the shared session manager.
func (rt *Runtime) Sessions() *session.Manager { return rt.sessions }

// Events exposes the shared waitable-event table, used by FiberCond.
func (rt *Runtime) Events() *wevent.Table { return rt.events }

// Keys exposes the shared fiber-local-storage key registry, letting a
// plain goroutine hold its own fls.Table against the same registry
// fibers use through Context's KeyCreate/GetSpecific/SetSpecific facade.
func (rt *Runtime) Keys() *fls.KeyRegistry { return rt.keys }

func (rt *Runtime) newEntity(class stackpool.Class) (*fiberEntity, error) {
	lease, err := rt.stacks.Checkout(class)
	if err != nil {
		return nil, status.Wrap(err, "fiber: stack checkout failed")
	}
	e := &fiberEntity{rt: rt, lease: lease, fls: rt.tables.Get()}
	return e, nil
}
