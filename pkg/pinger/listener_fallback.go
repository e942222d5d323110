//go:build !linux

package pinger

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// fallbackReactor backs receiverReactor on platforms without epoll. Lacking
// a single OS-level wait primitive spanning multiple net.UDPConns, it
// multiplexes from one goroutine by giving every owned socket a short read
// deadline and polling them in round-robin, draining the notification queue
// once per round — the portable equivalent of listener_linux.go's single
// epoll set, trading edge-triggered wakeups for a small fixed poll latency.
// Closing a conn unblocks its pending ReadFromUDP immediately, so shutdown
// doesn't wait out that latency.
type fallbackReactor struct {
	conns []*net.UDPConn
	stop  chan struct{}
	state socketState
}

// fallbackRoundInterval bounds how long one round-robin pass over every
// owned socket takes; each conn's deadline is this divided across the
// socket count so draining the queue never waits much longer than this.
const fallbackRoundInterval = 20 * time.Millisecond

func newFallbackReactor() (receiverReactor, error) {
	return &fallbackReactor{stop: make(chan struct{}), state: stateBound}, nil
}

// newReactor is the platform factory receiver.go calls; on non-Linux
// platforms it builds the round-robin fallback reactor.
func newReactor() (receiverReactor, error) {
	return newFallbackReactor()
}

// addSocket opens and binds a UDP socket on the given port; reuseAddr is
// unused here since net.ListenUDP has no SO_REUSEPORT knob.
func (r *fallbackReactor) addSocket(port uint16, reuseAddr bool, sockBufSize int) error {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("listen udp6 on port %d: %w", port, err)
	}
	if sockBufSize > 0 {
		_ = conn.SetReadBuffer(sockBufSize)
	}
	r.conns = append(r.conns, conn)
	return nil
}

func (r *fallbackReactor) run(cb readCallback) error {
	r.state = stateReading
	buf := make([]byte, 2048)
	perSocket := fallbackRoundInterval / time.Duration(max(len(r.conns), 1))

	for {
		select {
		case <-r.stop:
			cb.onReadClosed()
			return nil
		default:
		}

		for _, conn := range r.conns {
			_ = conn.SetReadDeadline(time.Now().Add(perSocket))
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					cb.onReadClosed()
					return nil
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				cb.onReadError(err)
				continue
			}
			var fromIP [16]byte
			copy(fromIP[:], from.IP.To16())
			cb.onMessageAvailable(n, fromIP, buf[:n])
		}

		cb.drainQueue()
	}
}

func (r *fallbackReactor) close() error {
	if r.state == stateClosed {
		return nil
	}
	r.state = stateClosed
	close(r.stop)

	var firstErr error
	for _, conn := range r.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
