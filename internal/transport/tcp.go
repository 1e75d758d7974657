package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameBytes bounds a single frame, guarding against a corrupt or
// hostile length prefix forcing an unbounded allocation.
const maxFrameBytes = 32 * 1024 * 1024

// TCPConn is the reference Conn implementation: a plain net.Conn
// framed with a 4-byte big-endian length prefix per message, matching
// spec.md §1's "bidirectional framed socket" at the simplest encoding
// that satisfies it. ReadFrame does not itself watch ctx (net.Conn has
// no native cancellation) — callers unblock a pending read by calling
// Close, typically from a goroutine watching ctx.Done (see
// cmd/meridiand's accept loop).
type TCPConn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewTCPConn wraps an accepted or dialed net.Conn.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{conn: conn, r: bufio.NewReader(conn)}
}

// ReadFrame reads one length-prefixed frame, blocking until it arrives
// or the connection closes. ctx is honored only in that a Close from
// another goroutine (driven by ctx.Done) unblocks it; a native
// deadline isn't set per-call since connections are long-lived and a
// per-message deadline would require resetting it on every idle PING.
func (c *TCPConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one length-prefixed frame. Safe for concurrent use
// — coalesce.Writer may flush from a timer goroutine while another
// goroutine is mid op-ack delivery.
func (c *TCPConn) WriteFrame(frame []byte) error {
	if len(frame) > maxFrameBytes {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d byte limit", len(frame), maxFrameBytes)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close terminates the underlying socket, unblocking any ReadFrame
// in progress.
func (c *TCPConn) Close() error { return c.conn.Close() }

// RemoteAddr identifies the peer, for logging.
func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// JSONCodec is the reference FrameCodec: one JSON value per frame,
// matching the plain-JSON-over-the-wire convention the rest of the
// wire structs (proto.Envelope included) already follow.
type JSONCodec struct{}

// Encode implements FrameCodec.
func (JSONCodec) Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode implements FrameCodec.
func (JSONCodec) Decode(frame []byte, into any) error {
	if len(frame) == 0 {
		return errors.New("transport: empty frame")
	}
	return json.Unmarshal(frame, into)
}
