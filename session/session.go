// Package session implements the versioned FiberId/session subsystem:
// the primary synchronization handle exposed to fiber callers,
// supporting lock/trylock/error/unlock/about-to-destroy/join and
// contiguous range allocation sharing a single version.
//
// The versioned-slot-with-reuse shape follows a stable id + generation
// pattern, reused on free; lock/wait uses wevent as a waitable-event
// word shared by lockers and joiners.
package session

import (
	"errors"
	"sync"

	"github.com/gottingen/turbofiber/status"
	"github.com/gottingen/turbofiber/wevent"
)

// ID is a versioned handle to a session slot: index in the low 32 bits,
// version in the high 32 bits, matching the fiber.ID bit layout.
type ID uint64

func makeID(index int, version uint64) ID {
	return ID(uint32(index)) | ID(version)<<32
}

func (id ID) index() int      { return int(uint32(id)) }
func (id ID) version() uint64 { return uint64(id >> 32) }

// ErrorHandler is invoked once per error, either in-place (slot was
// unlocked) or drained from the pending queue on unlock.
type ErrorHandler func(id ID, data any, code int, text string) error

type lockState int

const (
	stateUnlocked lockState = iota
	stateLocked
	stateAboutToDestroy
	stateDestroyed
)

type pendingError struct {
	code int
	text string
}

type cell struct {
	mu        sync.Mutex
	version   uint64
	rangeLen  int
	firstIdx  int
	data      any
	onError   ErrorHandler
	state     lockState
	pending   []pendingError
	word      uint64
}

func (c *cell) bumpWord() { c.word++ }

// Manager owns the session slab: per-index pointers into shared cells (a
// range of N indices all point at the same cell), a free list keyed by
// range length for reuse, and the wevent table lockers/joiners park on.
type Manager struct {
	mu    sync.Mutex
	slots []*cell
	free  map[int][]int // rangeLen -> firstIdx values available for reuse
	events *wevent.Table
}

// NewManager creates an empty session manager backed by the given
// waitable-event table (shared with other turbofiber subsystems).
func NewManager(events *wevent.Table) *Manager {
	return &Manager{free: make(map[int][]int), events: events}
}

// Create allocates a single-slot session.
func (m *Manager) Create(data any, onError ErrorHandler) ID {
	return m.CreateRanged(1, data, onError)
}

// CreateRanged reserves `n` contiguous indices sharing one version; any
// index in the range names the same underlying slot.
func (m *Manager) CreateRanged(n int, data any, onError ErrorHandler) ID {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if freed := m.free[n]; len(freed) > 0 {
		first := freed[len(freed)-1]
		m.free[n] = freed[:len(freed)-1]
		c := m.slots[first]
		c.mu.Lock()
		c.data = data
		c.onError = onError
		c.state = stateUnlocked
		c.pending = nil
		c.mu.Unlock()
		return makeID(first, c.version)
	}

	first := len(m.slots)
	c := &cell{version: 1, rangeLen: n, firstIdx: first, data: data, onError: onError}
	for i := 0; i < n; i++ {
		m.slots = append(m.slots, c)
	}
	return makeID(first, c.version)
}

func (m *Manager) lookup(id ID) (*cell, error) {
	m.mu.Lock()
	idx := id.index()
	if idx < 0 || idx >= len(m.slots) {
		m.mu.Unlock()
		return nil, status.Wrap(status.ErrInvalidArgument, "session: unknown id")
	}
	c := m.slots[idx]
	m.mu.Unlock()

	c.mu.Lock()
	if c.version != id.version() {
		c.mu.Unlock()
		return nil, status.Wrap(status.ErrNotFound, "session: stale id")
	}
	c.mu.Unlock()
	return c, nil
}

func addr(c *cell) uintptr { return uintptr(c.firstIdx) + 1 }

// Trylock attempts to acquire id's lock without blocking.
func (m *Manager) Trylock(id ID) (any, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != id.version() || c.state == stateDestroyed {
		return nil, status.Wrap(status.ErrNotFound, "session: stale id")
	}
	if c.state != stateUnlocked {
		return nil, status.Wrap(status.ErrBusy, "session: locked")
	}
	c.state = stateLocked
	return c.data, nil
}

// Lock parks the caller until id's lock is acquired, or returns an error
// if the id is stale, destroyed, or about-to-destroy.
func (m *Manager) Lock(id ID) (any, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	for {
		c.mu.Lock()
		if c.version != id.version() || c.state == stateDestroyed {
			c.mu.Unlock()
			return nil, status.Wrap(status.ErrNotFound, "session: stale id")
		}
		switch c.state {
		case stateUnlocked:
			c.state = stateLocked
			data := c.data
			c.mu.Unlock()
			return data, nil
		case stateAboutToDestroy:
			c.mu.Unlock()
			return nil, status.Wrap(status.ErrPermissionDenied, "session: about to destroy")
		default: // locked
			word := c.word
			c.mu.Unlock()
			m.events.Wait(addr(c), word, func() uint64 {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.word
			}, 0)
		}
	}
}

// Error delivers an error to id's handler, either immediately (slot is
// unlocked) or by enqueueing it for the current lock holder to drain on
// Unlock.
func (m *Manager) Error(id ID, code int, text string) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.version != id.version() || c.state == stateDestroyed {
		c.mu.Unlock()
		return status.Wrap(status.ErrNotFound, "session: stale id")
	}
	if c.state != stateUnlocked {
		c.pending = append(c.pending, pendingError{code: code, text: text})
		c.mu.Unlock()
		return nil
	}
	c.state = stateLocked
	data, handler := c.data, c.onError
	c.mu.Unlock()

	if handler != nil {
		_ = handler(id, data, code, text)
	}
	return m.Unlock(id)
}

// Unlock drains any pending errors (each re-entering the handler), then
// releases the lock. If an about-to-destroy flag was set, the flag is
// cancelled and the slot returns to unlocked — callers that actually
// want destruction must call UnlockAndDestroy.
func (m *Manager) Unlock(id ID) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	for {
		c.mu.Lock()
		if c.version != id.version() {
			c.mu.Unlock()
			return status.Wrap(status.ErrNotFound, "session: stale id")
		}
		if c.state != stateLocked && c.state != stateAboutToDestroy {
			c.mu.Unlock()
			return status.Wrap(status.ErrInvalidArgument, "session: not locked")
		}
		if len(c.pending) == 0 {
			break
		}
		errs := c.pending
		c.pending = nil
		data, handler := c.data, c.onError
		c.mu.Unlock()
		if handler != nil {
			for _, e := range errs {
				_ = handler(id, data, e.code, e.text)
			}
		}
	}

	c.state = stateUnlocked
	c.bumpWord()
	c.mu.Unlock()
	m.events.WakeAll(addr(c))
	return nil
}

// UnlockAndDestroy unconditionally transitions id to destroyed, bumping
// the slot's version by a stride proportional to its range length so
// stale handles fail cleanly (4 for a single slot, 4+(n-1) for a range
// of n).
func (m *Manager) UnlockAndDestroy(id ID) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.version != id.version() || c.state == stateDestroyed {
		c.mu.Unlock()
		return status.Wrap(status.ErrNotFound, "session: stale id")
	}
	stride := uint64(4 + (c.rangeLen - 1))
	c.state = stateDestroyed
	c.version += stride
	c.data = nil
	c.onError = nil
	c.pending = nil
	c.bumpWord()
	c.mu.Unlock()

	m.events.WakeAll(addr(c))

	m.mu.Lock()
	m.free[c.rangeLen] = append(m.free[c.rangeLen], c.firstIdx)
	m.mu.Unlock()
	return nil
}

// AboutToDestroy sets a flag causing future Lock calls to fail with
// ErrPermissionDenied. If the slot is currently unlocked there is no
// holder left to finalize destruction later, so it destroys immediately.
func (m *Manager) AboutToDestroy(id ID) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.version != id.version() || c.state == stateDestroyed {
		c.mu.Unlock()
		return status.Wrap(status.ErrNotFound, "session: stale id")
	}
	if c.state == stateUnlocked {
		c.mu.Unlock()
		return m.UnlockAndDestroy(id)
	}
	c.state = stateAboutToDestroy
	c.bumpWord()
	c.mu.Unlock()
	m.events.WakeAll(addr(c))
	return nil
}

// Join parks the caller until id's slot is destroyed.
func (m *Manager) Join(id ID) error {
	c, err := m.lookup(id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			// Version already advanced past our handle: destroyed.
			return nil
		}
		return err
	}
	for {
		c.mu.Lock()
		if c.version != id.version() {
			// Version already advanced past our handle: destroyed.
			c.mu.Unlock()
			return nil
		}
		if c.state == stateDestroyed {
			c.mu.Unlock()
			return nil
		}
		word := c.word
		c.mu.Unlock()
		m.events.Wait(addr(c), word, func() uint64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.word
		}, 0)
	}
}

// List holds a set of session ids for bulk error delivery.
type List struct {
	mu  sync.Mutex
	ids []ID
	mgr *Manager
}

// NewList returns an empty session list bound to mgr.
func NewList(mgr *Manager) *List {
	return &List{mgr: mgr}
}

// Add appends id to the list.
func (l *List) Add(id ID) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

// Reset fires Error(code) on every member and clears the list.
func (l *List) Reset(code int) {
	l.mu.Lock()
	ids := l.ids
	l.ids = nil
	l.mu.Unlock()
	for _, id := range ids {
		_ = l.mgr.Error(id, code, "")
	}
}

// ResetLocked is the thread-safe variant: it releases external before
// firing the reset callbacks and re-acquires it afterward, so callers
// can hold a mutex across the call without deadlocking against a
// callback that reenters the list.
func (l *List) ResetLocked(code int, external *sync.Mutex) {
	external.Unlock()
	defer external.Lock()
	l.Reset(code)
}
