package pinger

import (
	"encoding/binary"
	"fmt"
)

// ProbeBodyLen is the fixed size of the probe payload (spec.md §3).
const ProbeBodyLen = 32

// ProbeBody is the 32-byte payload embedded in every probe datagram. The
// prober only ever writes Signature, PingerSentTime and TClass; TargetRcvdTime and
// TargetRespTime are filled in (optionally) by the responder and ignored on
// receipt.
type ProbeBody struct {
	Signature      uint32
	PingerSentTime uint32 // low 32 bits of a monotonic microsecond clock
	TargetRcvdTime uint32
	TargetRespTime uint32
	TClass         uint8
}

// MarshalProbeBody encodes a probe as sent by the prober: byte 16 carries
// tclass, and every other byte beyond the signature and sent-time (8-16 and
// 17-32) is zero on the wire, per spec.md §3.
func MarshalProbeBody(dst []byte, signature, sentTimeUsec uint32, tclass uint8) error {
	if len(dst) < ProbeBodyLen {
		return fmt.Errorf("probe buffer too small: %d < %d", len(dst), ProbeBodyLen)
	}
	for i := range dst[:ProbeBodyLen] {
		dst[i] = 0
	}
	binary.BigEndian.PutUint32(dst[0:4], signature)
	binary.BigEndian.PutUint32(dst[4:8], sentTimeUsec)
	dst[16] = tclass
	return nil
}

// UnmarshalProbeBody decodes a reply. It does not reject on TClass/padding
// content since a responder is free to echo or ignore those bytes; callers
// validate length and signature separately.
func UnmarshalProbeBody(buf []byte) (ProbeBody, error) {
	if len(buf) < ProbeBodyLen {
		return ProbeBody{}, fmt.Errorf("probe body too short: %d < %d", len(buf), ProbeBodyLen)
	}
	return ProbeBody{
		Signature:      binary.BigEndian.Uint32(buf[0:4]),
		PingerSentTime: binary.BigEndian.Uint32(buf[4:8]),
		TargetRcvdTime: binary.BigEndian.Uint32(buf[8:12]),
		TargetRespTime: binary.BigEndian.Uint32(buf[12:16]),
		TClass:         buf[16],
	}, nil
}

// udpHeaderLen is the size of a manually-built UDP header (no options).
const udpHeaderLen = 8

// buildUDPHeader writes an 8-byte UDP header into dst and returns it.
// The checksum field is written as zero; IPv6 requires a non-zero UDP
// checksum, which the raw transport computes over the pseudo-header with
// udp6Checksum and writes in afterwards.
func buildUDPHeader(dst []byte, srcPort, dstPort uint16, payloadLen int) {
	binary.BigEndian.PutUint16(dst[0:2], srcPort)
	binary.BigEndian.PutUint16(dst[2:4], dstPort)
	binary.BigEndian.PutUint16(dst[4:6], uint16(udpHeaderLen+payloadLen))
	binary.BigEndian.PutUint16(dst[6:8], 0) // checksum, filled by udp6Checksum
}

// udp6Checksum computes the IPv6 UDP checksum over the pseudo-header + UDP
// header + payload, per RFC 8200 §8.1. srcIP and dstIP must be 16 bytes.
func udp6Checksum(srcIP, dstIP []byte, udpSegment []byte) uint16 {
	var sum uint32

	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i:]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	add(srcIP)
	add(dstIP)

	var lenAndProto [8]byte
	binary.BigEndian.PutUint32(lenAndProto[0:4], uint32(len(udpSegment)))
	lenAndProto[7] = 17 // IPPROTO_UDP
	add(lenAndProto[:])

	add(udpSegment)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		// RFC 768: an all-zero computed checksum is transmitted as all-ones.
		cs = 0xffff
	}
	return cs
}
