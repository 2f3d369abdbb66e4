package bolt

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boltgraph/bolt/packstream"
)

// stubServer speaks the server side of the protocol over an in-memory
// pipe: it negotiates the handshake, then plays whatever script the test
// provides, message by message.
type stubServer struct {
	t  *testing.T
	tr *transport
}

// startStub connects a client net.Conn to a stub server running script in
// the background. The script runs after the handshake; it normally starts
// by calling acceptHello.
func startStub(t *testing.T, script func(s *stubServer)) net.Conn {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	async := newAsyncWriteConn(serverConn)
	s := &stubServer{t: t, tr: newTransport(async, Address{Host: "stub"})}
	go func() {
		defer async.Close()
		if !s.handshake() {
			return
		}
		script(s)
	}()
	t.Cleanup(func() { clientConn.Close() })
	return clientConn
}

// asyncWriteConn decouples the stub's writes from the client's reads.
// net.Pipe writes block until read; without this a script that replies
// before the client has flushed its whole batch deadlocks the test.
type asyncWriteConn struct {
	net.Conn
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newAsyncWriteConn(conn net.Conn) *asyncWriteConn {
	c := &asyncWriteConn{Conn: conn, ch: make(chan []byte, 256), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for b := range c.ch {
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}()
	return c
}

func (c *asyncWriteConn) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	select {
	case c.ch <- b:
		return len(p), nil
	case <-c.done:
		return 0, net.ErrClosed
	}
}

func (c *asyncWriteConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.ch)
		<-c.done
	})
	return c.Conn.Close()
}

// dialStub returns a Conn connected to a scripted stub server.
func dialStub(t *testing.T, config Config, script func(s *stubServer)) *Conn {
	t.Helper()
	clientConn := startStub(t, script)
	cn, err := NewConn(context.Background(), clientConn, Address{Host: "stub"}, config)
	require.NoError(t, err)
	return cn
}

// handshake reads the magic and the four proposals, agreeing to the first
// proposal it supports.
func (s *stubServer) handshake() bool {
	var request [20]byte
	if err := s.tr.readExactly(request[:]); err != nil {
		return false
	}
	if [4]byte(request[:4]) != magicPreamble {
		s.tr.conn.Write([]byte{0, 0, 0, 0})
		return false
	}
	for i := 0; i < 4; i++ {
		var vb [4]byte
		copy(vb[:], request[4+i*4:])
		if _, ok := protocolHandlers[versionFromBytes(vb)]; ok {
			s.tr.conn.Write(vb[:])
			return true
		}
	}
	s.tr.conn.Write([]byte{0, 0, 0, 0})
	return false
}

// receive reads the next client message. The client hanging up ends the
// stub goroutine rather than failing the test: teardown order is not part
// of any script.
func (s *stubServer) receive() *packstream.Structure {
	s.t.Helper()
	data, err := s.tr.readMessage(context.Background())
	if err != nil {
		runtime.Goexit()
	}
	v, err := packstream.Unpack(data)
	require.NoError(s.t, err)
	msg, ok := v.(*packstream.Structure)
	require.True(s.t, ok, "client sent a non-structure message")
	return msg
}

// expect reads the next client message and asserts its tag. An unexpected
// GOODBYE is treated as a hangup, not a script violation.
func (s *stubServer) expect(tag byte) *packstream.Structure {
	s.t.Helper()
	msg := s.receive()
	if msg.Tag == msgGoodbye && tag != msgGoodbye {
		runtime.Goexit()
	}
	require.Equal(s.t, tag, msg.Tag, "unexpected client message tag")
	return msg
}

func (s *stubServer) send(tag byte, fields ...any) {
	s.t.Helper()
	packer := packstream.NewPacker(s.tr)
	require.NoError(s.t, packer.Pack(&packstream.Structure{Tag: tag, Fields: fields}))
	s.tr.endMessage()
	require.NoError(s.t, s.tr.flush(context.Background()))
}

func (s *stubServer) sendSuccess(metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.send(msgSuccess, metadata)
}

func (s *stubServer) sendRecord(values ...any) {
	s.send(msgRecord, append([]any{}, values...))
}

func (s *stubServer) sendFailure(code, message string) {
	s.send(msgFailure, map[string]any{"code": code, "message": message})
}

func (s *stubServer) sendIgnored() {
	s.send(msgIgnored)
}

// sendKeepalive emits a bare zero-length chunk between messages.
func (s *stubServer) sendKeepalive() {
	s.tr.conn.Write([]byte{0x00, 0x00})
}

// acceptHello answers the HELLO exchange and returns the extras the client
// announced.
func (s *stubServer) acceptHello() map[string]any {
	s.t.Helper()
	msg := s.expect(msgHello)
	require.Len(s.t, msg.Fields, 1)
	extras, ok := msg.Fields[0].(map[string]any)
	require.True(s.t, ok)
	s.sendSuccess(map[string]any{
		"server":        "StubGraph/4.0",
		"connection_id": "stub-1",
	})
	return extras
}

// acceptRun answers a RUN and its trailing PULL or DISCARD with the given
// field names, records and summary metadata.
func (s *stubServer) acceptRun(fields []any, records [][]any, summary map[string]any) {
	s.t.Helper()
	s.expect(msgRun)
	body := s.receive()
	require.Contains(s.t, []byte{msgPull, msgDiscard}, body.Tag)
	s.sendSuccess(map[string]any{"fields": fields})
	if body.Tag == msgPull {
		for _, rec := range records {
			s.send(msgRecord, rec)
		}
	}
	s.sendSuccess(summary)
}

// acceptGoodbye consumes the GOODBYE that closing a healthy connection
// emits.
func (s *stubServer) acceptGoodbye() {
	msg, err := s.tr.readMessage(context.Background())
	if err != nil {
		return
	}
	v, err := packstream.Unpack(msg)
	if err != nil {
		return
	}
	if st, ok := v.(*packstream.Structure); ok {
		require.Equal(s.t, msgGoodbye, st.Tag)
	}
}

// serveLoop answers every incoming message with a plain SUCCESS until the
// client hangs up. GOODBYE ends the loop. Suitable as a generic pool
// backend.
func (s *stubServer) serveLoop() {
	for {
		data, err := s.tr.readMessage(context.Background())
		if err != nil {
			return
		}
		v, err := packstream.Unpack(data)
		if err != nil {
			return
		}
		msg, ok := v.(*packstream.Structure)
		if !ok {
			return
		}
		switch msg.Tag {
		case msgGoodbye:
			return
		case msgRun:
			s.sendSuccess(map[string]any{"fields": []any{}})
		default:
			s.sendSuccess(nil)
		}
	}
}

// stubOpener satisfies Opener with stub-backed connections. Each opened
// connection gets its own stub running script after the HELLO exchange.
func stubOpener(t *testing.T, script func(s *stubServer)) Opener {
	return func(ctx context.Context, addr Address) (*Conn, error) {
		clientConn := startStub(t, func(s *stubServer) {
			s.acceptHello()
			script(s)
		})
		return NewConn(ctx, clientConn, addr, Config{})
	}
}

// routingRecord builds the single record the routing procedure returns.
func routingRecord(ttl int64, routers, readers, writers []string) []any {
	toList := func(addrs []string) []any {
		out := make([]any, len(addrs))
		for i, a := range addrs {
			out[i] = a
		}
		return out
	}
	return []any{
		ttl,
		[]any{
			map[string]any{"role": roleRouter, "addresses": toList(routers)},
			map[string]any{"role": roleReader, "addresses": toList(readers)},
			map[string]any{"role": roleWriter, "addresses": toList(writers)},
		},
	}
}

// acceptRoutingQuery answers the routing procedure call with the given
// topology.
func (s *stubServer) acceptRoutingQuery(ttl int64, routers, readers, writers []string) {
	s.t.Helper()
	s.acceptRun(
		[]any{"ttl", "servers"},
		[][]any{routingRecord(ttl, routers, readers, writers)},
		nil,
	)
}
