package pinger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
)

// Responder is the reference implementation of the reply contract in
// spec.md §6: it is not part of the prober engine, but exists so the
// round-trip scenarios in §8 are runnable end-to-end. It swaps source and
// destination, preserves signature and pinger_sent_time, and fills
// target_rcvd_time/target_resp_time with its own monotonic clock — fields
// the prober ignores on receipt.
//
// Grounded in the twamp reflector's bind-and-echo loop, simplified to plain
// net.UDPConn since a reference responder has no need for the raw-socket
// path the real prober sender uses.
type Responder struct {
	log   *slog.Logger
	conn  *net.UDPConn
	clock monotonicClock
}

// NewResponder binds a UDP6 socket on addr ("[::]:31338" style) and returns
// a Responder ready to Serve.
func NewResponder(log *slog.Logger, addr string) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp6", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp6", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	return &Responder{log: log, conn: conn, clock: newMonotonicClock()}, nil
}

// LocalAddr returns the bound address, useful when addr was "[::]:0".
func (r *Responder) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads probes until ctx is cancelled, replying to each one in place.
// A malformed or short datagram is dropped, matching spec.md §7's "payload
// too short" disposition; this responder does not validate the sweep
// signature since it must interoperate with any prober.
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if n < ProbeBodyLen {
			continue
		}
		body, err := UnmarshalProbeBody(buf[:n])
		if err != nil {
			continue
		}

		now := r.clock.NowUsec32()
		body.TargetRcvdTime = now
		body.TargetRespTime = now

		reply := make([]byte, ProbeBodyLen)
		if err := MarshalProbeBody(reply, body.Signature, body.PingerSentTime, body.TClass); err != nil {
			continue
		}
		binary.BigEndian.PutUint32(reply[8:12], body.TargetRcvdTime)
		binary.BigEndian.PutUint32(reply[12:16], body.TargetRespTime)

		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			r.log.Debug("responder: write failed", "to", from, "err", err)
		}
	}
}

// Close releases the bound socket.
func (r *Responder) Close() error {
	return r.conn.Close()
}
