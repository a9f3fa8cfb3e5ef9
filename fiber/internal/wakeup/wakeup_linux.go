//go:build linux

package wakeup

import (
	"golang.org/x/sys/unix"
)

type fdSource struct {
	fd int
}

func newSource() (Source, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &fdSource{fd: fd}, nil
}

func (s *fdSource) Wait() {
	var buf [8]byte
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Read(s.fd, buf[:])
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

func (s *fdSource) Notify() {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(s.fd, buf[:])
}

func (s *fdSource) Close() error {
	return unix.Close(s.fd)
}
