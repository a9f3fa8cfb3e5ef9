// Package wevent implements a futex-like address+expected-value park/wake
// primitive.
//
// Unlike a real futex, this is not backed by a kernel syscall. A true
// FUTEX_WAIT blocks the calling OS thread, which would defeat turbofiber's
// semaphore.Weighted-gated fiber-concurrency model (see package fiber)
// — a parked thread would hold its concurrency slot forever instead of
// releasing it to another runnable fiber. wevent is instead a portable
// sharded bucket table: a mutex-guarded waiter list per address-hashed
// bucket, matching the textual wait/wake contract without depending on
// OS-specific syscalls.
package wevent

import (
	"container/list"
	"sync"
	"time"

	"github.com/gottingen/turbofiber/ftimer"
	"github.com/gottingen/turbofiber/status"
)

const bucketCount = 256

// WaitResult reports how a Wait call ended.
type WaitResult int

const (
	// Woken means a matching Wake call found and released this waiter.
	Woken WaitResult = iota
	// ValueChanged means the expected value did not match at enqueue time.
	ValueChanged
	// TimedOut means the deadline elapsed before being woken.
	TimedOut
	// Interrupted means Shutdown was called while this waiter was parked.
	Interrupted
)

type waiter struct {
	ch    chan WaitResult
	woken bool
	timer *ftimer.Timer
}

type bucket struct {
	mu      sync.Mutex
	waiters map[uintptr]*list.List
}

// Table is a collection of waitable-event buckets sharing one timer
// service for deadline-bounded waits.
type Table struct {
	buckets [bucketCount]bucket
	timers  *ftimer.Service
	closed  bool
	mu      sync.Mutex
}

// New creates a Table backed by the given timer service. The Table does
// not own the service's lifecycle; callers are responsible for stopping
// it separately.
func New(timers *ftimer.Service) *Table {
	t := &Table{timers: timers}
	for i := range t.buckets {
		t.buckets[i].waiters = make(map[uintptr]*list.List)
	}
	return t
}

func hashAddr(addr uintptr) int {
	h := addr * 2654435761
	return int((h >> 8) % bucketCount)
}

// Load reads the current value at addr. Callers supply the read since
// turbofiber has no single canonical "word" type — addr is purely a
// correlation key shared between Wait and Wake callers.
type Loader func() uint64

// Wait parks the calling goroutine until a Wake targeting addr releases
// it, the deadline elapses, or the table is shut down. expected is
// checked against load() under the bucket lock, and the waiter is
// registered under that same lock hold, to close the classic
// check-then-wait race: if the value has already changed, Wait returns
// ValueChanged immediately without blocking.
func (t *Table) Wait(addr uintptr, expected uint64, load Loader, timeout time.Duration) (WaitResult, error) {
	b := &t.buckets[hashAddr(addr)]

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return Interrupted, status.Wrap(status.ErrStopped, "wevent: table shut down")
	}

	b.mu.Lock()
	if load() != expected {
		b.mu.Unlock()
		return ValueChanged, nil
	}

	l, ok := b.waiters[addr]
	if !ok {
		l = list.New()
		b.waiters[addr] = l
	}
	w := &waiter{ch: make(chan WaitResult, 1)}
	elem := l.PushBack(w)
	b.mu.Unlock()

	if timeout > 0 {
		w.timer, _ = t.timers.After(timeout, func() {
			b.mu.Lock()
			already := w.woken
			if !already {
				w.woken = true
				l := b.waiters[addr]
				l.Remove(elem)
				if l.Len() == 0 {
					delete(b.waiters, addr)
				}
			}
			b.mu.Unlock()
			if !already {
				w.ch <- TimedOut
			}
		})
	}

	result := <-w.ch
	if result == Woken && w.timer != nil {
		w.timer.Cancel()
	}
	return result, nil
}

// Wake releases up to n waiters currently parked on addr, FIFO within the
// bucket. It returns the number actually woken.
func (t *Table) Wake(addr uintptr, n int) int {
	if n <= 0 {
		return 0
	}
	b := &t.buckets[hashAddr(addr)]
	b.mu.Lock()
	l, ok := b.waiters[addr]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	var woken []*waiter
	for e := l.Front(); e != nil && len(woken) < n; {
		next := e.Next()
		w := e.Value.(*waiter)
		l.Remove(e)
		w.woken = true
		woken = append(woken, w)
		e = next
	}
	if l.Len() == 0 {
		delete(b.waiters, addr)
	}
	b.mu.Unlock()
	for _, w := range woken {
		w.ch <- Woken
	}
	return len(woken)
}

// WakeAll releases every waiter currently parked on addr.
func (t *Table) WakeAll(addr uintptr) int {
	return t.Wake(addr, int(^uint(0)>>1))
}

// Shutdown interrupts every currently-parked waiter across every bucket
// and marks the table closed so future Wait calls fail fast.
func (t *Table) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		var woken []*waiter
		for addr, l := range b.waiters {
			for e := l.Front(); e != nil; e = e.Next() {
				w := e.Value.(*waiter)
				w.woken = true
				woken = append(woken, w)
			}
			delete(b.waiters, addr)
		}
		b.mu.Unlock()
		for _, w := range woken {
			w.ch <- Interrupted
		}
	}
}
