// Package stackpool implements a per-size-class stack allocator.
//
// A real fiber runtime's stack allocator hands out guarded memory
// regions; a goroutine already grows its own stack on demand, so here
// "stack" degenerates to a scheduling-budget lease — a *Lease* records
// which size class a fiber was started with. No other per-fiber
// allocation is sized by that class. What the class pools actually recycle is the xfer.Context transfer
// channel pair (see fiber/internal/xfer), which is the one genuinely
// reusable allocation left once the stack itself is a goroutine.
//
// The channel-buffered checkout/checkin shape follows a generic object
// pool pattern; per-class sizing mirrors a sync.Pool-backed
// buffer-chunk pool.
package stackpool

import (
	"sync"
	"sync/atomic"

	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/gottingen/turbofiber/status"
)

// Class is a stack size class.
type Class int

const (
	Small Class = iota
	Normal
	Large
	numClasses
)

func (c Class) String() string {
	switch c {
	case Small:
		return "small"
	case Normal:
		return "normal"
	case Large:
		return "large"
	default:
		return "unknown"
	}
}

// Lease is a checked-out stack-class slot. It carries no buffer of its
// own (a goroutine stack is not addressable Go memory); Resource holds
// whatever per-class object the pool recycles.
type Lease struct {
	class    Class
	resource any
	pool     *Pool
}

// Class reports which size class this lease was taken from.
func (l *Lease) Class() Class { return l.class }

// Resource returns the pooled object the lease wraps (for stackpool's
// own use; exported so fiber's worker package can store its xfer.Context
// pair here without stackpool importing the fiber package).
func (l *Lease) Resource() any { return l.resource }

// SetResource attaches the pooled object to the lease. The fiber runtime
// calls it when a fiber finishes, just before Checkin, so the object is
// what the next Checkout of this class hands out.
func (l *Lease) SetResource(r any) { l.resource = r }

// classPool is a single size class's free-list: one channel shared by
// every worker, bounded by the class's cache cap, mirroring
// object_pool.go's channel-backed checkout/checkin shape. There is no
// per-worker cache and no second, global tier; a resource checked in
// while the channel is full is discarded.
type classPool struct {
	cache   chan any
	creator func() any
	live    atomic.Int64
	ceiling int64
}

func newClassPool(cap int, ceiling int64, creator func() any) *classPool {
	return &classPool{cache: make(chan any, cap), creator: creator, ceiling: ceiling}
}

func (p *classPool) get() (any, error) {
	select {
	case v := <-p.cache:
		return v, nil
	default:
	}
	if p.ceiling > 0 && p.live.Load() >= p.ceiling {
		return nil, status.Wrap(status.ErrOutOfMemory, "stackpool: class exhausted")
	}
	p.live.Add(1)
	return p.creator(), nil
}

func (p *classPool) put(v any) {
	select {
	case p.cache <- v:
	default:
		p.live.Add(-1)
	}
}

// Pool is the process-wide stack allocator: one classPool per size
// class, sized from fiberconfig and capped by the process's effective
// memory ceiling.
type Pool struct {
	classes  [numClasses]*classPool
	mu       sync.Mutex
}

// Config carries the subset of fiberconfig.Config that stackpool needs,
// kept separate so this package does not import fiberconfig directly.
type Config struct {
	TCStackSmall  int32
	TCStackNormal int32
	// MemoryCeilingBytes bounds the aggregate bytes stackpool will
	// "charge" against size-class creation; 0 derives it from the cgroup
	// memory limit (see New), and a negative value disables the check.
	MemoryCeilingBytes int64
	StackSizeSmall     int32
	StackSizeNormal    int32
	StackSizeLarge     int32
}

// New builds a Pool. If cfg.MemoryCeilingBytes is 0, the ceiling is
// derived from automemlimit's view of the process's effective cgroup
// memory limit, giving every class a real, container-aware exhaustion
// boundary instead of an unbounded free-for-all.
func New(cfg Config, newResource func(Class) any) *Pool {
	ceiling := cfg.MemoryCeilingBytes
	if ceiling == 0 {
		if limit, err := memlimit.FromCgroup(); err == nil && limit > 0 {
			ceiling = int64(limit)
		}
	}

	classBudget := func(stackSize int32) int64 {
		if ceiling <= 0 || stackSize <= 0 {
			return 0
		}
		return ceiling / int64(stackSize)
	}

	p := &Pool{}
	p.classes[Small] = newClassPool(int(cfg.TCStackSmall), classBudget(cfg.StackSizeSmall), func() any { return newResource(Small) })
	p.classes[Normal] = newClassPool(int(cfg.TCStackNormal), classBudget(cfg.StackSizeNormal), func() any { return newResource(Normal) })
	// Large has a zero-capacity free-list: its resources are never kept
	// for reuse, and every Large checkout creates a fresh one.
	p.classes[Large] = newClassPool(0, classBudget(cfg.StackSizeLarge), func() any { return newResource(Large) })
	return p
}

// Checkout borrows a resource for the given class, creating a fresh one
// if the class's free-list and ceiling allow it.
func (p *Pool) Checkout(class Class) (*Lease, error) {
	if class < 0 || class >= numClasses {
		return nil, status.Wrap(status.ErrInvalidArgument, "stackpool: unknown class")
	}
	res, err := p.classes[class].get()
	if err != nil {
		return nil, err
	}
	return &Lease{class: class, resource: res, pool: p}, nil
}

// Checkin returns a lease's resource to its class's free-list.
func (p *Pool) Checkin(l *Lease) {
	if l == nil || l.pool != p {
		return
	}
	p.classes[l.class].put(l.resource)
	l.resource = nil
}
