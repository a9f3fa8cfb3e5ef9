// Package fls implements fiber-local storage: a per-fiber sparse table of
// versioned keys. Keys are reusable — deleting one bumps its slot's
// version so stale Key values fail cleanly instead of aliasing a reused
// slot.
//
// The versioned-slot shape pairs a stable integer id with generation
// bookkeeping to detect stale references after reuse.
package fls

import (
	"sync"

	"github.com/gottingen/turbofiber/status"
)

// ReentryBound caps how many destructor re-arm passes Table.RunDestructors
// performs before giving up on a slot.
const ReentryBound = 3

// Key identifies one fiber-local slot. The zero Key is never valid.
type Key struct {
	index   int
	version uint64
}

type keySlot struct {
	version    uint64
	destructor func(any)
	inUse      bool
}

// KeyRegistry allocates and frees Keys process-wide. All fibers share one
// registry; Table stores only the per-fiber values.
type KeyRegistry struct {
	mu    sync.Mutex
	slots []keySlot
	free  []int
}

// NewKeyRegistry returns an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{}
}

// Create allocates a new Key whose destructor runs with the slot's last
// non-nil value when a fiber owning that slot exits.
func (r *KeyRegistry) Create(destructor func(any)) Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx].version++
		r.slots[idx].destructor = destructor
		r.slots[idx].inUse = true
		return Key{index: idx, version: r.slots[idx].version}
	}

	idx := len(r.slots)
	r.slots = append(r.slots, keySlot{version: 1, destructor: destructor, inUse: true})
	return Key{index: idx, version: 1}
}

// Delete frees a key, bumping its slot's version so outstanding Key
// values referencing it become invalid.
func (r *KeyRegistry) Delete(k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k.index < 0 || k.index >= len(r.slots) || !r.slots[k.index].inUse || r.slots[k.index].version != k.version {
		return status.Wrap(status.ErrInvalidArgument, "fls: unknown key")
	}
	r.slots[k.index].inUse = false
	r.slots[k.index].destructor = nil
	r.free = append(r.free, k.index)
	return nil
}

func (r *KeyRegistry) lookup(k Key) (func(any), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k.index < 0 || k.index >= len(r.slots) {
		return nil, false
	}
	s := r.slots[k.index]
	if !s.inUse || s.version != k.version {
		return nil, false
	}
	return s.destructor, true
}

// Table is one fiber's fiber-local storage. It is not safe for concurrent
// use — a fiber only ever runs on one worker at a time.
type Table struct {
	registry *KeyRegistry
	values   map[int]tableEntry
}

type tableEntry struct {
	version uint64
	value   any
}

// NewTable returns an empty fiber-local storage table bound to registry.
func NewTable(registry *KeyRegistry) *Table {
	return &Table{registry: registry, values: make(map[int]tableEntry)}
}

// Get returns the value stored for k, or nil if unset or k is stale.
func (t *Table) Get(k Key) any {
	e, ok := t.values[k.index]
	if !ok || e.version != k.version {
		return nil
	}
	return e.value
}

// Set stores value for k. It returns ErrInvalidArgument if k has been
// deleted from the owning registry.
func (t *Table) Set(k Key, value any) error {
	if _, ok := t.registry.lookup(k); !ok {
		return status.Wrap(status.ErrInvalidArgument, "fls: stale key")
	}
	t.values[k.index] = tableEntry{version: k.version, value: value}
	return nil
}

// RunDestructors runs every slot's destructor against its last non-nil
// value, clearing the slot first so a destructor calling Set re-arms it
// for another pass. It repeats up to ReentryBound passes; any slot still
// non-nil after the bound is logged by the caller and dropped.
//
// onDropped, if non-nil, is called once per slot that remained set after
// the bound was exhausted, so the caller (the fiber runtime) can log it
// through flog without this package taking a logging dependency.
func (t *Table) RunDestructors(onDropped func(index int)) {
	for pass := 0; pass < ReentryBound; pass++ {
		if len(t.values) == 0 {
			return
		}
		pending := t.values
		t.values = make(map[int]tableEntry)

		ran := false
		for idx, e := range pending {
			if e.value == nil {
				continue
			}
			destructor, ok := t.registry.lookup(Key{index: idx, version: e.version})
			if !ok || destructor == nil {
				continue
			}
			ran = true
			destructor(e.value)
		}
		if !ran {
			return
		}
	}
	if onDropped != nil {
		for idx, e := range t.values {
			if e.value != nil {
				onDropped(idx)
			}
		}
	}
	t.values = make(map[int]tableEntry)
}

// Reset clears the table without running destructors, for returning a
// borrowed table to a KeyTablePool.
func (t *Table) Reset() {
	for k := range t.values {
		delete(t.values, k)
	}
}

// KeyTablePool lets an outer agent supply a bounded pool of Tables that
// fibers borrow at entry and return at exit, following a generic object
// pool pattern.
type KeyTablePool struct {
	registry *KeyRegistry
	mu       sync.Mutex
	free     []*Table
	max      int
}

// NewKeyTablePool returns a pool that retains up to max idle Tables.
func NewKeyTablePool(registry *KeyRegistry, max int) *KeyTablePool {
	return &KeyTablePool{registry: registry, max: max}
}

// Get borrows a Table, creating one if the pool is empty.
func (p *KeyTablePool) Get() *Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		table := p.free[n-1]
		p.free = p.free[:n-1]
		return table
	}
	return NewTable(p.registry)
}

// Put returns a Table to the pool, freeing it instead if the pool is at
// capacity. The table must already have had its destructors run.
func (p *KeyTablePool) Put(table *Table) {
	table.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.max {
		return
	}
	p.free = append(p.free, table)
}
