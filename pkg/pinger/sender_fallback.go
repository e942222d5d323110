//go:build !linux

package pinger

import (
	"fmt"
	"log/slog"
	"net"
)

// udpTransport is the non-Linux fallback: one bound net.UDPConn per
// available source port, cycling through them instead of writing a raw UDP
// header on a shared raw socket. This is the "P bound SOCK_DGRAM sockets"
// fallback spec.md §9 explicitly allows when CAP_NET_RAW isn't available.
type udpTransport struct {
	log   *slog.Logger
	conns map[uint16]*net.UDPConn
}

func newUDPTransport(log *slog.Logger, ports []uint16) (*udpTransport, error) {
	conns := make(map[uint16]*net.UDPConn, len(ports))
	for _, p := range ports {
		conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(p)})
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("listen udp6 on port %d: %w", p, err)
		}
		conns[p] = conn
	}
	return &udpTransport{log: log, conns: conns}, nil
}

// sendProbe ignores the pre-built UDP header in buf beyond the payload: the
// kernel writes its own header (including checksum) for a bound UDP socket,
// so only the 32-byte body is sent.
func (t *udpTransport) sendProbe(dst [16]byte, srcPort, dstPort uint16, tclass uint8, buf []byte) error {
	conn, ok := t.conns[srcPort]
	if !ok {
		return fmt.Errorf("no bound socket for source port %d", srcPort)
	}
	body := buf[udpHeaderLen:]
	addr := &net.UDPAddr{IP: net.IP(dst[:]), Port: int(dstPort)}
	if _, err := conn.WriteToUDP(body, addr); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// newTransport is the platform factory orchestrator.go calls. srcIP is
// unused here: bound SOCK_DGRAM sockets let the kernel pick the source
// address per route, unlike the raw-socket path which must fill it in
// manually for the checksum pseudo-header.
func newTransport(log *slog.Logger, srcIP [16]byte, sockBufSize int, availablePorts []uint16) (probeTransport, error) {
	return newUDPTransport(log, availablePorts)
}

func (t *udpTransport) close() error {
	var firstErr error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
