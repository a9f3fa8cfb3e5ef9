package fiber

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gottingen/turbofiber/fiberconfig"
	"github.com/gottingen/turbofiber/fls"
	"github.com/gottingen/turbofiber/status"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(WithConfig(fiberconfig.WithConcurrency(fiberconfig.FiberMinConcurrency, 0)))
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestStartBackgroundRunsBody(t *testing.T) {
	rt := newTestRuntime(t)
	var ran atomic.Bool

	done := make(chan struct{})
	_, err := rt.StartBackground(func(c *Context) {
		ran.Store(true)
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber body never ran")
	}
	assert.True(t, ran.Load())
}

func TestStartRunsEagerlyInline(t *testing.T) {
	rt := newTestRuntime(t)
	var order []string
	var mu sync.Mutex

	f, err := rt.Start(func(c *Context) {
		mu.Lock()
		order = append(order, "eager-start")
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NotNil(t, f)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, order, "eager-start")
}

func TestJoinWaitsForFinish(t *testing.T) {
	rt := newTestRuntime(t)
	var ran atomic.Bool

	f, err := rt.StartBackground(func(c *Context) {
		c.Yield()
		ran.Store(true)
	})
	require.NoError(t, err)
	rt.Flush()

	require.NoError(t, f.Join())
	assert.True(t, ran.Load())
}

func TestContextYieldAllowsInterleaving(t *testing.T) {
	rt := newTestRuntime(t)
	var trace []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	record := func(v int) {
		mu.Lock()
		trace = append(trace, v)
		mu.Unlock()
	}

	_, err := rt.StartBackground(func(c *Context) {
		defer wg.Done()
		record(1)
		c.Yield()
		record(3)
	})
	require.NoError(t, err)

	_, err = rt.StartBackground(func(c *Context) {
		defer wg.Done()
		record(2)
		c.Yield()
		record(4)
	})
	require.NoError(t, err)

	rt.Flush()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, trace, 4)
}

func TestSleepForSuspendsWithoutBlockingWorker(t *testing.T) {
	rt := newTestRuntime(t)
	var woke atomic.Bool
	done := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		require.NoError(t, c.SleepFor(20*time.Millisecond))
		woke.Store(true)
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	// A second fiber must still be able to run concurrently with the
	// sleeping one, proving the worker was not starved by the sleep.
	second := make(chan struct{})
	_, err = rt.StartBackground(func(c *Context) { close(second) })
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second fiber never ran while first was sleeping")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fiber never woke")
	}
	assert.True(t, woke.Load())
}

func TestStopObservedAtSuspensionPoint(t *testing.T) {
	rt := newTestRuntime(t)
	var stoppedSeen atomic.Bool
	started := make(chan struct{})
	finished := make(chan struct{})

	f, err := rt.StartBackground(func(c *Context) {
		close(started)
		c.Yield()
		if c.Stopped() {
			stoppedSeen.Store(true)
		}
		close(finished)
	})
	require.NoError(t, err)
	rt.Flush()

	<-started
	require.NoError(t, rt.Stop(f.ID()))
	rt.Flush()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("fiber never resumed after stop")
	}
	assert.True(t, stoppedSeen.Load())
}

func TestFiberLocalStorageRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		k := c.KeyCreate(nil)
		require.NoError(t, c.SetSpecific(k, 42))
		assert.Equal(t, 42, c.GetSpecific(k))
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
}

func TestKeyDestructorRunsOnFiberExit(t *testing.T) {
	rt := newTestRuntime(t)
	destructed := make(chan any, 1)
	done := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		k := c.KeyCreate(func(v any) { destructed <- v })
		require.NoError(t, c.SetSpecific(k, "payload"))
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	select {
	case v := <-destructed:
		assert.Equal(t, "payload", v)
	case <-time.After(time.Second):
		t.Fatal("destructor never ran")
	}
}

// TestManyFibersThreadsTLSKeysDestroyCleanly drives 8 OS threads and 8
// fibers, each creating 32 fiber-local-storage keys of its own against
// the shared key registry, and asserts every created key's destructor
// runs exactly once: ncreate and ndestroy both equal 32*16.
func TestManyFibersThreadsTLSKeysDestroyCleanly(t *testing.T) {
	rt := newTestRuntime(t)

	const participants = 8
	const keysEach = 32

	var ncreate, ndestroy atomic.Int64
	destructor := func(any) { ndestroy.Add(1) }

	var mu sync.Mutex
	var allKeys []fls.Key

	var wg sync.WaitGroup
	wg.Add(participants)
	for i := 0; i < participants; i++ {
		go func() {
			defer wg.Done()
			table := fls.NewTable(rt.Keys())
			keys := make([]fls.Key, keysEach)
			for j := 0; j < keysEach; j++ {
				k := rt.Keys().Create(destructor)
				ncreate.Add(1)
				require.NoError(t, table.Set(k, j))
				keys[j] = k
			}
			table.RunDestructors(nil)
			mu.Lock()
			allKeys = append(allKeys, keys...)
			mu.Unlock()
		}()
	}

	var handles []*Fiber
	for i := 0; i < participants; i++ {
		f, err := rt.StartBackground(func(c *Context) {
			keys := make([]fls.Key, keysEach)
			for j := 0; j < keysEach; j++ {
				k := c.KeyCreate(destructor)
				ncreate.Add(1)
				require.NoError(t, c.SetSpecific(k, j))
				keys[j] = k
			}
			mu.Lock()
			allKeys = append(allKeys, keys...)
			mu.Unlock()
		})
		require.NoError(t, err)
		handles = append(handles, f)
	}
	rt.Flush()

	wg.Wait()
	for _, f := range handles {
		require.NoError(t, f.Join())
	}

	mu.Lock()
	for _, k := range allKeys {
		require.NoError(t, rt.Keys().Delete(k))
	}
	mu.Unlock()

	assert.Equal(t, int64(2*participants*keysEach), ncreate.Load())
	assert.Equal(t, int64(2*participants*keysEach), ndestroy.Load())
}

func TestNestedStartEagerRunsNext(t *testing.T) {
	rt := newTestRuntime(t)
	var trace []string
	var mu sync.Mutex
	done := make(chan struct{})

	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	_, err := rt.StartBackground(func(c *Context) {
		record("parent-a")
		_, err := c.Start(func(inner *Context) {
			record("child")
		})
		require.NoError(t, err)
		record("parent-b")
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, trace, 3)
	assert.Equal(t, "parent-a", trace[0])
	assert.Equal(t, "child", trace[1])
}

func TestFiberMutexExcludesFiberAndGoroutine(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewMutex()
	var counter int
	const nFibers = 25
	const nGoroutines = 25
	var wg sync.WaitGroup
	wg.Add(nFibers + nGoroutines)

	for i := 0; i < nFibers; i++ {
		_, err := rt.StartBackground(func(c *Context) {
			defer wg.Done()
			require.NoError(t, c.Lock(m))
			counter++
			require.NoError(t, c.Unlock(m))
		})
		require.NoError(t, err)
	}
	for i := 0; i < nGoroutines; i++ {
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	rt.Flush()
	wg.Wait()
	assert.Equal(t, nFibers+nGoroutines, counter)
}

func TestCondSanityMultipleWaiters(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewMutex()
	cv := rt.NewCond()
	const n = 8
	ready := false
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		_, err := rt.StartBackground(func(c *Context) {
			defer wg.Done()
			require.NoError(t, c.Lock(m))
			for !ready {
				require.NoError(t, c.Wait(cv, m))
			}
			require.NoError(t, c.Unlock(m))
		})
		require.NoError(t, err)
	}
	rt.Flush()

	time.Sleep(20 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()
	cv.Broadcast()

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter woke from broadcast")
	}
}

// TestFiberCondMixedBroadcastRounds drives one FiberCond through 30000
// broadcast rounds with 10 fiber waiters and 10 OS-thread waiters
// sharing it, asserting every waiter completes all of its Wait rounds
// before the deadline: no waiter stays parked because a wakeup was lost
// to the race between capturing the cond's word and parking on it.
func TestFiberCondMixedBroadcastRounds(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewMutex()
	cv := rt.NewCond()

	const rounds = 30000
	const fiberWaiters = 10
	const threadWaiters = 10

	var wakeups atomic.Int64
	var wg sync.WaitGroup
	wg.Add(fiberWaiters + threadWaiters)

	for i := 0; i < threadWaiters; i++ {
		go func() {
			defer wg.Done()
			m.Lock()
			for r := 0; r < rounds; r++ {
				require.NoError(t, cv.Wait(m))
				wakeups.Add(1)
			}
			m.Unlock()
		}()
	}

	for i := 0; i < fiberWaiters; i++ {
		_, err := rt.StartBackground(func(c *Context) {
			defer wg.Done()
			require.NoError(t, c.Lock(m))
			for r := 0; r < rounds; r++ {
				require.NoError(t, c.Wait(cv, m))
				wakeups.Add(1)
			}
			require.NoError(t, c.Unlock(m))
		})
		require.NoError(t, err)
	}
	rt.Flush()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.Now().Add(30 * time.Second)
	for {
		select {
		case <-done:
			assert.Equal(t, int64((fiberWaiters+threadWaiters)*rounds), wakeups.Load())
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("mixed broadcast rounds never completed")
		}
		m.Lock()
		cv.Broadcast()
		m.Unlock()
	}
}

func TestTimerAddFiresExactlyOnce(t *testing.T) {
	rt := newTestRuntime(t)
	fired := make(chan struct{})
	var count atomic.Int32

	_, err := rt.StartBackground(func(c *Context) {
		_, terr := c.TimerAdd(2*time.Millisecond, func() {
			count.Add(1)
			close(fired)
		})
		require.NoError(t, terr)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestTimerDelCancelsBeforeFire(t *testing.T) {
	rt := newTestRuntime(t)
	var fired atomic.Bool
	done := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		tm, terr := c.TimerAdd(200*time.Millisecond, func() { fired.Store(true) })
		require.NoError(t, terr)
		c.TimerDel(tm)
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	time.Sleep(300 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimerAddRejectsBelowMinDuration(t *testing.T) {
	rt := newTestRuntime(t)
	done := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		_, terr := c.TimerAdd(time.Nanosecond, func() {})
		assert.ErrorIs(t, terr, status.ErrInvalidArgument)
		close(done)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
}

// TestManyFibersBurstJoin drives a burst of background fibers spawned
// from within a single running fiber, all landing on that fiber's
// worker's local queue. n exceeds the default per-worker runqueue
// capacity (4096), so the burst necessarily overflows the local queue
// partway through and the rest fall back to the runtime-wide global
// queue; every spawn must still succeed and every handle must still be
// joinable regardless of which queue it landed on.
func TestManyFibersBurstJoin(t *testing.T) {
	rt := newTestRuntime(t)
	const n = 32768
	var completed atomic.Int64
	var handles []*Fiber
	spawned := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		handles = make([]*Fiber, n)
		for i := 0; i < n; i++ {
			f, ferr := c.StartBackground(func(inner *Context) {
				inner.Yield()
				completed.Add(1)
			})
			require.NoError(t, ferr)
			handles[i] = f
		}
		close(spawned)
	})
	require.NoError(t, err)
	rt.Flush()

	select {
	case <-spawned:
	case <-time.After(5 * time.Second):
		t.Fatal("root fiber never finished spawning the burst")
	}
	rt.Flush()

	for _, f := range handles {
		require.NoError(t, f.Join())
	}
	assert.Equal(t, int64(n), completed.Load())
}

// TestStackLeaseReusesTransferContext drives two fibers through the same
// class sequentially, with the second spawned only after the first has
// fully finished and checked its lease back in, and asserts the second
// fiber's *xfer.Context is the exact pointer the first one used — the
// stack lease's checkin/checkout genuinely rearms a transfer pair rather
// than allocating a fresh one per fiber.
func TestStackLeaseReusesTransferContext(t *testing.T) {
	rt := newTestRuntime(t)

	first, err := rt.Start(func(c *Context) {})
	require.NoError(t, err)
	require.NoError(t, first.Join())
	firstCtx := first.e.ctx

	second, err := rt.Start(func(c *Context) {})
	require.NoError(t, err)
	require.NoError(t, second.Join())

	assert.Same(t, firstCtx, second.e.ctx)
}

func TestLazyConcurrencyGrowsUnderLoad(t *testing.T) {
	rt := New(WithConfig(
		fiberconfig.WithConcurrency(8, 2),
		fiberconfig.WithRunqueueCapacity(4),
	))
	t.Cleanup(rt.Shutdown)

	workerCount := func() int {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.workers)
	}
	require.Equal(t, 2, workerCount())

	const n = 64
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		_, err := rt.StartBackground(func(c *Context) {
			c.Yield()
			completed.Add(1)
		})
		require.NoError(t, err)
	}
	rt.Flush()

	require.Eventually(t, func() bool {
		return completed.Load() == n
	}, 2*time.Second, 10*time.Millisecond)

	assert.Greater(t, workerCount(), 2)
	assert.LessOrEqual(t, workerCount(), 8)
}

func TestFiberCondSignalWakesWaiter(t *testing.T) {
	rt := newTestRuntime(t)
	m := rt.NewMutex()
	cv := rt.NewCond()
	ready := false
	woke := make(chan struct{})

	_, err := rt.StartBackground(func(c *Context) {
		require.NoError(t, c.Lock(m))
		for !ready {
			require.NoError(t, c.Wait(cv, m))
		}
		require.NoError(t, c.Unlock(m))
		close(woke)
	})
	require.NoError(t, err)
	rt.Flush()

	time.Sleep(20 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()
	cv.Signal()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}
