//go:build darwin || freebsd || netbsd || openbsd

package wakeup

import (
	"golang.org/x/sys/unix"
)

type pipeSource struct {
	r, w int
}

func newSource() (Source, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	return &pipeSource{r: fds[0], w: fds[1]}, nil
}

func (s *pipeSource) Wait() {
	var buf [64]byte
	pfd := []unix.PollFd{{Fd: int32(s.r), Events: unix.POLLIN}}
	for {
		n, err := unix.Read(s.r, buf[:])
		if n > 0 {
			return
		}
		if err == unix.EAGAIN {
			_, _ = unix.Poll(pfd, -1)
			continue
		}
		if err != nil {
			return
		}
	}
}

func (s *pipeSource) Notify() {
	_, _ = unix.Write(s.w, []byte{1})
}

func (s *pipeSource) Close() error {
	_ = unix.Close(s.w)
	return unix.Close(s.r)
}
