package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a net.Conn whose reads come from a fixed buffer and whose
// writes are captured.
type fakeConn struct {
	net.Conn // panics on everything not overridden
	in       *bytes.Reader
	out      bytes.Buffer
}

func newFakeConn(in []byte) *fakeConn {
	return &fakeConn{in: bytes.NewReader(in)}
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *fakeConn) Close() error                { return nil }
func (c *fakeConn) SetDeadline(time.Time) error { return nil }

func TestTransportChunksMessages(t *testing.T) {
	conn := newFakeConn(nil)
	tr := newTransport(conn, Address{Host: "test"})

	tr.Write([]byte("hello"))
	tr.endMessage()
	require.NoError(t, tr.flush(context.Background()))

	assert.Equal(t, []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o', 0x00, 0x00}, conn.out.Bytes())
}

func TestTransportSplitsLargeMessages(t *testing.T) {
	conn := newFakeConn(nil)
	tr := newTransport(conn, Address{Host: "test"})

	payload := make([]byte, maxChunkSize+10)
	tr.Write(payload)
	tr.endMessage()
	require.NoError(t, tr.flush(context.Background()))

	out := conn.out.Bytes()
	require.Equal(t, uint16(maxChunkSize), binary.BigEndian.Uint16(out[:2]))
	rest := out[2+maxChunkSize:]
	require.Equal(t, uint16(10), binary.BigEndian.Uint16(rest[:2]))
	assert.Equal(t, []byte{0x00, 0x00}, rest[2+10:])
}

func TestTransportBatchesMessages(t *testing.T) {
	conn := newFakeConn(nil)
	tr := newTransport(conn, Address{Host: "test"})

	tr.Write([]byte{0x01})
	tr.endMessage()
	tr.Write([]byte{0x02})
	tr.endMessage()
	require.Zero(t, conn.out.Len(), "nothing may hit the wire before flush")

	require.NoError(t, tr.flush(context.Background()))
	assert.Equal(t, []byte{
		0x00, 0x01, 0x01, 0x00, 0x00,
		0x00, 0x01, 0x02, 0x00, 0x00,
	}, conn.out.Bytes())
}

func TestTransportReassemblesChunks(t *testing.T) {
	in := []byte{
		0x00, 0x03, 'a', 'b', 'c',
		0x00, 0x02, 'd', 'e',
		0x00, 0x00,
	}
	tr := newTransport(newFakeConn(in), Address{Host: "test"})

	msg, err := tr.readMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), msg)
}

func TestTransportSkipsKeepalives(t *testing.T) {
	in := []byte{
		0x00, 0x00, // keepalive
		0x00, 0x00, // keepalive
		0x00, 0x02, 'o', 'k',
		0x00, 0x00,
	}
	tr := newTransport(newFakeConn(in), Address{Host: "test"})

	msg, err := tr.readMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), msg)
}

func TestTransportBreaksOnShortRead(t *testing.T) {
	// Header promises 5 bytes, stream carries 2.
	in := []byte{0x00, 0x05, 'a', 'b'}
	tr := newTransport(newFakeConn(in), Address{Host: "test"})

	_, err := tr.readMessage(context.Background())
	var broken *BrokenError
	require.ErrorAs(t, err, &broken)
	assert.True(t, tr.broken())

	// The broken state latches: later calls fail with the same error.
	_, err2 := tr.readMessage(context.Background())
	assert.Same(t, err.(*BrokenError), err2.(*BrokenError))
	assert.ErrorIs(t, tr.flush(context.Background()), err)
}

func TestTransportRoundTripOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := newTransport(client, Address{Host: "client"})
	st := newTransport(server, Address{Host: "server"})

	payload := make([]byte, 3*maxChunkSize+7)
	for i := range payload {
		payload[i] = byte(i)
	}

	errc := make(chan error, 1)
	go func() {
		ct.Write(payload)
		ct.endMessage()
		errc <- ct.flush(context.Background())
	}()

	msg, err := st.readMessage(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, payload, msg)
}
