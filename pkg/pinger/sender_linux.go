//go:build linux

package pinger

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// rawTransport sends probes over a single IPv6 raw socket, writing the UDP
// header itself, per spec.md §4.1. One socket can emit from any source port
// in the allocated range without the sender binding P sockets, which is why
// this is the preferred transport when CAP_NET_RAW is available.
type rawTransport struct {
	log *slog.Logger
	fd  int
	src [16]byte // source address used in the udp6Checksum pseudo-header
}

// newRawTransport opens an AF_INET6/SOCK_RAW/IPPROTO_UDP socket and applies
// the socket options spec.md §4.1 calls out: SO_REUSEADDR, SO_REUSEPORT,
// SO_SNDBUF, IPV6_V6ONLY. It does not set a traffic class here; sendProbe
// sets IPV6_TCLASS from its tclass argument before every send.
func newRawTransport(log *slog.Logger, src [16]byte, sndBufSize int) (*rawTransport, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("open raw ipv6 socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return nil, fmt.Errorf("set SO_REUSEPORT: %w", err)
	}
	if sndBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndBufSize); err != nil {
			return nil, fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
		return nil, fmt.Errorf("set IPV6_V6ONLY: %w", err)
	}

	ok = true
	return &rawTransport{log: log, fd: fd, src: src}, nil
}

// sendProbe writes the checksum into buf (which already carries the UDP
// header + body built by the caller) and sends it to dst:dstPort.
func (t *rawTransport) sendProbe(dst [16]byte, srcPort, dstPort uint16, tclass uint8, buf []byte) error {
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int(tclass)); err != nil {
		return fmt.Errorf("set IPV6_TCLASS: %w", err)
	}

	cs := udp6Checksum(t.src[:], dst[:], buf)
	buf[6], buf[7] = byte(cs>>8), byte(cs)

	sa := &unix.SockaddrInet6{Addr: dst, Port: int(dstPort)}
	if err := unix.Sendto(t.fd, buf, 0, sa); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

func (t *rawTransport) close() error {
	return unix.Close(t.fd)
}

// newTransport is the platform factory orchestrator.go calls to build a
// sender's transport. On Linux it always prefers the raw socket; callers
// fall back to the CAP_NET_RAW-free path only by rebuilding on !linux.
func newTransport(log *slog.Logger, srcIP [16]byte, sockBufSize int, availablePorts []uint16) (probeTransport, error) {
	return newRawTransport(log, srcIP, sockBufSize)
}
