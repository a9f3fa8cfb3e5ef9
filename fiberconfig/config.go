// Package fiberconfig holds the process-wide, immutable-after-first-use
// configuration for the turbofiber runtime. It follows a
// functional-options shape (Option values, applied by New).
package fiberconfig

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/gottingen/turbofiber/status"
)

const (
	// FiberEpollThreadNum is the reserved worker seat for the timer/poll
	// goroutine.
	FiberEpollThreadNum = 1
	// FiberMinConcurrency is the lowest allowed fiber_concurrency.
	FiberMinConcurrency = 3 + FiberEpollThreadNum
	// FiberMaxConcurrency is the highest allowed fiber_concurrency.
	FiberMaxConcurrency = 1024
)

// Config is the resolved, read-only configuration for one runtime.
type Config struct { // betteralign:ignore
	StackSizeSmall  int32
	StackSizeNormal int32
	StackSizeLarge  int32
	GuardPageSize   int32

	TCStackSmall  int32
	TCStackNormal int32

	TaskGroupDeleteDelaySeconds  int32
	TaskGroupRunqueueCapacity    int32
	TaskGroupYieldBeforeIdle     int32

	FiberConcurrency    int32
	FiberMinConcurrency int32
}

// defaultConcurrency derives fiber_concurrency from the runtime's visible
// CPU count, after letting automaxprocs reconcile GOMAXPROCS against any
// cgroup CPU quota — so a container-limited process gets a sane default
// instead of over-subscribing the host.
func defaultConcurrency() int32 {
	// automaxprocs.Set mutates GOMAXPROCS as a side effect; its returned
	// "undo" function is irrelevant here because turbofiber never wants
	// to restore the pre-adjustment value.
	_, _ = maxprocs.Set()
	n := int32(runtime.GOMAXPROCS(0)) + FiberEpollThreadNum
	if n < FiberMinConcurrency {
		n = FiberMinConcurrency
	}
	if n > FiberMaxConcurrency {
		n = FiberMaxConcurrency
	}
	return n
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		StackSizeSmall:  32 * 1024,
		StackSizeNormal: 1 * 1024 * 1024,
		StackSizeLarge:  8 * 1024 * 1024,
		GuardPageSize:   4096,

		TCStackSmall:  32,
		TCStackNormal: 8,

		TaskGroupDeleteDelaySeconds: 1,
		TaskGroupRunqueueCapacity:   4096,
		TaskGroupYieldBeforeIdle:    0,

		FiberConcurrency:    defaultConcurrency(),
		FiberMinConcurrency: 0,
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithStackSizes overrides the three stack-class byte sizes.
func WithStackSizes(small, normal, large int32) Option {
	return func(c *Config) {
		c.StackSizeSmall, c.StackSizeNormal, c.StackSizeLarge = small, normal, large
	}
}

// WithGuardPageSize overrides the guard page size; 0 disables it.
func WithGuardPageSize(size int32) Option {
	return func(c *Config) { c.GuardPageSize = size }
}

// WithThreadCaches overrides the per-worker cache caps for the small and
// normal stack classes.
func WithThreadCaches(small, normal int32) Option {
	return func(c *Config) { c.TCStackSmall, c.TCStackNormal = small, normal }
}

// WithRunqueueCapacity overrides each worker's bounded run queue capacity.
// Must be a power of two; non-power-of-two values are rounded up.
func WithRunqueueCapacity(capacity int32) Option {
	return func(c *Config) { c.TaskGroupRunqueueCapacity = nextPow2(capacity) }
}

// WithConcurrency overrides fiber_concurrency (worker pool target size)
// and fiber_min_concurrency (the lazy-growth floor).
func WithConcurrency(target, min int32) Option {
	return func(c *Config) { c.FiberConcurrency, c.FiberMinConcurrency = target, min }
}

func nextPow2(n int32) int32 {
	if n <= 1 {
		return 1
	}
	p := int32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Runtime owns one resolved, immutable Config plus a "has any fiber ever
// been created" gate: once any fiber has been created, the configured
// concurrency may grow but never shrink below the value in effect at
// that first creation.
type Runtime struct {
	mu          sync.Mutex
	cfg         Config
	started     atomic.Bool
	minObserved int32
}

// New resolves options against the built-in defaults and returns a Runtime.
func New(opts ...Option) *Runtime {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runtime{cfg: cfg, minObserved: cfg.FiberConcurrency}
}

// Snapshot returns a copy of the current configuration.
func (r *Runtime) Snapshot() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// MarkStarted records that at least one fiber has been created, locking in
// the current concurrency as the floor for future SetConcurrency calls.
func (r *Runtime) MarkStarted() {
	if r.started.CompareAndSwap(false, true) {
		r.mu.Lock()
		r.minObserved = r.cfg.FiberConcurrency
		r.mu.Unlock()
	}
}

// SetConcurrency adjusts fiber_concurrency. Growing is always allowed;
// shrinking below the watermark recorded at the first fiber's creation
// returns ErrNotSupported.
func (r *Runtime) SetConcurrency(target int32) error {
	if target < FiberMinConcurrency || target > FiberMaxConcurrency {
		return status.Wrap(status.ErrInvalidArgument, "fiber_concurrency out of range")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() && target < r.minObserved {
		return status.Wrap(status.ErrNotSupported, "cannot shrink fiber_concurrency below watermark")
	}
	r.cfg.FiberConcurrency = target
	if target > r.minObserved {
		r.minObserved = target
	}
	return nil
}
