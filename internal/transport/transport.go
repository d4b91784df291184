// Package transport wraps the L0 UDP socket: a bound net.UDPConn plus an
// allocation-free header-validation fast path that runs before any
// per-datagram allocation happens.
package transport

import (
	"errors"
	"net"
	"time"

	"github.com/hoshizora-labs/capsule/internal/frame"
	"github.com/hoshizora-labs/capsule/internal/stamp"
)

// ErrStampRequired is returned by Admit when a frame's flags claim an
// entropy stamp but the datagram is too short to hold one.
var ErrStampRequired = errors.New("transport: frame claims entropy stamp but payload is too short")

const readBufferBytes = 1 << 20

// Socket is a bound UDP endpoint for L0 traffic.
type Socket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at bindAddr ("host:port" or ":port").
func Listen(bindAddr string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(readBufferBytes); err != nil {
		return nil, err
	}
	return &Socket{conn: conn}, nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }

// SetReadDeadline forwards to the underlying connection, letting the
// orchestrator poll the socket non-blockingly within its tick loop.
func (s *Socket) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

// ReadFrom reads one datagram into buf, returning the byte count and sender.
func (s *Socket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// SendTo writes a raw datagram to addr.
func (s *Socket) SendTo(addr *net.UDPAddr, raw []byte) error {
	_, err := s.conn.WriteToUDP(raw, addr)
	return err
}

// zeroPayloadHash is the placeholder bound into the ingress stamp check.
// The admission stamp proves CPU work was spent, not that it commits to a
// specific payload (content integrity is the CRC's job), so the
// pre-allocation check verifies against an all-zero hash rather than
// hashing the not-yet-allocated payload.
var zeroPayloadHash [32]byte

// Admit runs the ingress fast-path validation, strictly in order: (a) size
// check, (b) 64-byte header parse touching only the header bytes
// (PeekHeader), (c) magic/version check (folded into PeekHeader),
// (d) if the has-entropy-stamp flag is set and the declared difficulty is
// nonzero, parse the first 58 payload bytes directly out of raw and verify
// against zeroPayloadHash. Only once that succeeds does Admit call
// frame.Decode, which is the first point in this path that allocates a
// payload copy.
func Admit(raw []byte, minDifficulty byte, expectServiceType uint16, maxStampAge time.Duration) (*frame.Frame, error) {
	hdr, err := frame.PeekHeader(raw)
	if err != nil {
		return nil, err
	}

	claimsStamp := raw[5]&frame.FlagHasEntropyStamp != 0
	if claimsStamp && hdr.Difficulty != 0 {
		if hdr.PayloadLen < frame.StampPayloadLen {
			return nil, ErrStampRequired
		}
		s, err := stamp.Decode(raw[frame.HeaderSize : frame.HeaderSize+frame.StampPayloadLen])
		if err != nil {
			return nil, err
		}
		if err := stamp.Verify(s, zeroPayloadHash[:], minDifficulty, expectServiceType, maxStampAge); err != nil {
			return nil, err
		}
	}

	f, err := frame.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !frame.VerifyCRC(raw) {
		return nil, frame.ErrBadCrc
	}

	return f, nil
}
