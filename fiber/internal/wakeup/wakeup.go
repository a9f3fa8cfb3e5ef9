// Package wakeup provides the OS-level idle-park/wake primitive workers
// use while their run queue, the global queue, and every steal target
// are empty. It follows a per-OS wake-fd split (wakeup_linux.go /
// wakeup_unix.go / wakeup_other.go): an eventfd on Linux, a self-pipe
// on Darwin/BSD, and a portable channel fallback on platforms where
// neither primitive is available through golang.org/x/sys/unix.
//
// Unlike wevent (see package wevent's doc comment), blocking here is a
// genuine OS-thread-level park: a worker with an empty queue has no
// fiber-concurrency semaphore slot to protect, so parking the thread on
// a real fd costs nothing a parked goroutine wouldn't already cost.
package wakeup

// Source is one worker's idle-park handle: Wait blocks until Notify is
// called (at least once) or Close runs.
type Source interface {
	// Wait blocks until woken. It returns immediately if a Notify
	// happened since the last Wait returned (no missed-wakeup window).
	Wait()
	// Notify wakes a blocked (or future) Wait call.
	Notify()
	// Close releases the underlying OS resources.
	Close() error
}

// New returns a platform-appropriate Source.
func New() (Source, error) {
	return newSource()
}

// NewChannelFallback returns a portable channel-backed Source, usable
// on any platform. Callers reach for it when the platform-specific
// New() fails (e.g. fd-table exhaustion), since a worker must always
// have some Source to idle-park on.
func NewChannelFallback() Source {
	return &channelSource{ch: make(chan struct{}, 1)}
}

// channelSource backs NewChannelFallback. It is compiled on every
// platform, so it is available regardless of which platform file was
// built; wakeup_other.go uses it as that platform's Source.
type channelSource struct {
	ch chan struct{}
}

func (s *channelSource) Wait() { <-s.ch }

func (s *channelSource) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *channelSource) Close() error { return nil }
