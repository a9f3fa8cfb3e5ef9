// Package ftimer implements a hierarchical-timing-wheel-equivalent
// timer service: a dedicated goroutine driving a deadline-ordered
// min-heap, handing out versioned TimerId handles that stay safe to
// cancel even after the slot has been reused.
//
// The dispatch loop drives its own event dispatch off a single
// goroutine woken by the nearest deadline, usable as a freestanding
// service by wevent, fiber, and any other package that needs "run this
// later, possibly cancelled first".
package ftimer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gottingen/turbofiber/status"
)

// MinDuration is the shortest duration After will accept.
const MinDuration = 2 * time.Microsecond

// Timer is a handle to a scheduled callback.
type Timer struct {
	id      uint64
	version uint64
	svc     *Service
}

// Cancel prevents the timer's callback from firing if it has not already
// started. It is safe to call multiple times and safe to call after the
// timer has already fired.
func (t *Timer) Cancel() {
	t.svc.cancel(t.id, t.version)
}

type entry struct {
	id       uint64
	version  uint64
	deadline time.Time
	fn       func()
	canceled bool
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service is a running timer dispatch loop. Create one with New and stop
// it with Stop when the owning runtime shuts down.
type Service struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[uint64]*entry
	nextID  uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// New starts a Service's dispatch goroutine.
func New() *Service {
	s := &Service{
		byID: make(map[uint64]*entry),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// After schedules fn to run once, no sooner than d from now. fn runs on
// the service's own goroutine and must not block — callers that need
// fiber-context work should hand off to a worker instead of running it
// inline.
func (s *Service) After(d time.Duration, fn func()) (*Timer, error) {
	if d < MinDuration {
		return nil, status.Wrap(status.ErrInvalidArgument, "ftimer: duration below minimum")
	}
	if fn == nil {
		return nil, status.Wrap(status.ErrInvalidArgument, "ftimer: nil callback")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, status.Wrap(status.ErrStopped, "ftimer: service stopped")
	}
	s.nextID++
	e := &entry{
		id:       s.nextID,
		version:  1,
		deadline: time.Now().Add(d),
		fn:       fn,
	}
	s.byID[e.id] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	s.nudge()
	return &Timer{id: e.id, version: e.version, svc: s}, nil
}

func (s *Service) cancel(id, version uint64) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok && e.version == version && !e.canceled {
		e.canceled = true
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
		delete(s.byID, id)
	}
	s.mu.Unlock()
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next time.Duration
		if len(s.heap) == 0 {
			next = time.Hour
		} else {
			next = time.Until(s.heap[0].deadline)
			if next < 0 {
				next = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Service) fireDue() {
	now := time.Now()
	var due []*entry
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		if !e.canceled {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		e.fn()
	}
}

// Stop halts the dispatch goroutine. Pending timers do not fire.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}
