package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxChunkSize is the largest payload a single chunk can carry; the chunk
// length prefix is an unsigned 16-bit integer.
const maxChunkSize = 0xFFFF

// transport turns a duplex byte stream into discrete protocol messages
// using length-prefixed chunking.
//
// On the write path, message bytes accumulate in an in-memory buffer; ending
// a message splits it into chunks of at most maxChunkSize bytes, each
// preceded by a 16-bit big-endian length, and terminated by a zero-length
// chunk. Nothing touches the network until Flush.
//
// On the read path, chunks are reassembled until the zero-length terminator.
// A bare zero-length chunk arriving before any message content is a server
// keepalive and is skipped.
//
// The first I/O error latches the transport into a broken state: the error
// is converted into a *BrokenError and every later operation fails with the
// same error without re-attempting I/O.
type transport struct {
	conn net.Conn
	rd   io.Reader
	addr Address

	msg     []byte // current message, not yet chunked
	pending []byte // chunked wire bytes awaiting Flush

	brokenErr *BrokenError
}

func newTransport(conn net.Conn, addr Address) *transport {
	return &transport{
		conn: conn,
		rd:   conn,
		addr: addr,
	}
}

// Write appends message payload bytes. It never fails and never performs
// I/O; it exists so the packstream packer can target the transport
// directly.
func (t *transport) Write(p []byte) (int, error) {
	t.msg = append(t.msg, p...)
	return len(p), nil
}

// endMessage chunks the accumulated message into the pending buffer and
// appends the zero-length end-of-message chunk.
func (t *transport) endMessage() {
	msg := t.msg
	for len(msg) > 0 {
		n := len(msg)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		var header [2]byte
		binary.BigEndian.PutUint16(header[:], uint16(n))
		t.pending = append(t.pending, header[:]...)
		t.pending = append(t.pending, msg[:n]...)
		msg = msg[n:]
	}
	t.pending = append(t.pending, 0x00, 0x00)
	t.msg = t.msg[:0]
}

// flush writes all pending chunked bytes to the network.
func (t *transport) flush(ctx context.Context) error {
	if t.brokenErr != nil {
		return t.brokenErr
	}
	if len(t.pending) == 0 {
		return nil
	}
	t.setDeadline(ctx)
	if _, err := t.conn.Write(t.pending); err != nil {
		return t.breakWith("network write failed", err)
	}
	t.pending = t.pending[:0]
	return nil
}

// readMessage reads and reassembles one complete message.
func (t *transport) readMessage(ctx context.Context) ([]byte, error) {
	if t.brokenErr != nil {
		return nil, t.brokenErr
	}
	t.setDeadline(ctx)
	var (
		message []byte
		header  [2]byte
	)
	for {
		if err := t.readExactly(header[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint16(header[:])
		if size == 0 {
			if message == nil {
				// Keepalive between messages.
				continue
			}
			return message, nil
		}
		chunk := make([]byte, size)
		if err := t.readExactly(chunk); err != nil {
			return nil, err
		}
		message = append(message, chunk...)
	}
}

func (t *transport) readExactly(buf []byte) error {
	if n, err := io.ReadFull(t.rd, buf); err != nil {
		return t.breakWith(
			fmt.Sprintf("network read incomplete (received %d of %d bytes)", n, len(buf)), err)
	}
	return nil
}

func (t *transport) breakWith(message string, err error) *BrokenError {
	if t.brokenErr == nil {
		t.brokenErr = &BrokenError{Address: t.addr, Message: message, Err: err}
	}
	return t.brokenErr
}

func (t *transport) broken() bool {
	return t.brokenErr != nil
}

// setDeadline applies the context deadline, if any, to the socket.
func (t *transport) setDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Time{})
	}
}

func (t *transport) close() error {
	return t.conn.Close()
}
