//go:build linux

package pinger

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// linuxReactor is the epoll-backed receiverReactor: every socket a receiver
// binds goes into the same epoll set, and one eventfd sits alongside them
// purely to interrupt EpollWait on Close without races — the cancellation
// technique tools/uping/pkg/uping/listener.go uses for its own poll loop,
// carried over to epoll and generalized to a set of sockets instead of one.
type linuxReactor struct {
	epfd     int
	cancelFD int
	fds      []int
	state    socketState
}

func newLinuxReactor() (*linuxReactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	cancelFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cancelFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cancelFD)}); err != nil {
		unix.Close(epfd)
		unix.Close(cancelFD)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}
	return &linuxReactor{epfd: epfd, cancelFD: cancelFD, state: stateBound}, nil
}

// newReactor is the platform factory receiver.go calls; on Linux it always
// builds the epoll-backed reactor.
func newReactor() (receiverReactor, error) {
	return newLinuxReactor()
}

// addSocket opens, configures, and binds a SOCK_DGRAM IPv6 socket on the
// given port and registers it in this reactor's epoll set. A bind failure
// here is reported to the caller and is not fatal to the sweep (spec.md
// §4.2): the caller adds the port to the missing set and continues.
func (r *linuxReactor) addSocket(port uint16, reuseAddr bool, sockBufSize int) error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if reuseAddr {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}
	if sockBufSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
		return fmt.Errorf("set IPV6_V6ONLY: %w", err)
	}

	sa := &unix.SockaddrInet6{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("epoll_ctl add socket: %w", err)
	}

	ok = true
	r.fds = append(r.fds, fd)
	return nil
}

// run implements the reactor loop from spec.md §4.2 and the single-reactor
// invariant from §5: each readable event triggers recvfrom(MSG_DONTWAIT) in a
// loop until EAGAIN, dispatching successful reads to onMessageAvailable and
// non-EAGAIN errors to onReadError without leaving stateReading. Every wake
// also drains the receiver's notification queue on this same goroutine, so
// locally-read and peer-forwarded samples never reach the histograms from
// two different threads.
func (r *linuxReactor) run(cb readCallback) error {
	r.state = stateReading
	events := make([]unix.EpollEvent, len(r.fds)+1)
	buf := make([]byte, 2048)

	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		closed := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.cancelFD {
				closed = true
				continue
			}
			for {
				nread, from, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
				if err != nil {
					if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
						break
					}
					cb.onReadError(err)
					break
				}
				var fromIP [16]byte
				if in6, ok := from.(*unix.SockaddrInet6); ok {
					fromIP = in6.Addr
				}
				cb.onMessageAvailable(nread, fromIP, buf[:nread])
			}
		}

		cb.drainQueue()
		if closed {
			cb.onReadClosed()
			return nil
		}
	}
}

func (r *linuxReactor) close() error {
	if r.state == stateClosed {
		return nil
	}
	r.state = stateClosed
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(r.cancelFD, one[:])
	unix.Close(r.cancelFD)

	var firstErr error
	for _, fd := range r.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unix.Close(r.epfd)
	return firstErr
}
