package wsmux

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const (
	bufferLength = 8 * 1024
	waitLimit    = 2 * time.Second
)

var (
	testPayload = "helloworld"
)

type recordConn struct {
	mutex  sync.Mutex
	data   bytes.Buffer
	writes int
	err    error
	closed bool
}

func (conn *recordConn) Write(p []byte) (int, error) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.err != nil {
		return 0, conn.err
	}
	conn.writes++
	return conn.data.Write(p)
}

func (conn *recordConn) Close() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.closed = true
	return nil
}

func (conn *recordConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 443}
}

func (conn *recordConn) snapshot() ([]byte, int) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return append([]byte(nil), conn.data.Bytes()...), conn.writes
}

func (conn *recordConn) isClosed() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.closed
}

type wireFrame struct {
	Frame
	masked bool
}

// readWireFrame decodes one frame, unmasking the payload.
func readWireFrame(r io.Reader) (*wireFrame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	frame := &wireFrame{
		Frame:  Frame{Opcode: Opcode(head[0] & 0x0F), Fin: head[0]&finBit != 0},
		masked: head[1]&maskBit != 0,
	}

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	var maskKey [4]byte
	if frame.masked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return nil, err
		}
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return nil, err
	}
	if frame.masked {
		maskBytes(frame.Payload, maskKey[:])
	}
	return frame, nil
}

func readAllFrames(t *testing.T, data []byte) []*wireFrame {
	t.Helper()
	reader := bytes.NewReader(data)
	var frames []*wireFrame
	for reader.Len() > 0 {
		frame, err := readWireFrame(reader)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func sendFrame(session *Session, frame *Frame, batch bool) error {
	future := NewFutureCallback()
	session.SendFrame(frame, future, batch)
	return future.Block(waitLimit)
}

func TestSession_BatchedFramesShareOneWrite(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithBufferSize(bufferLength))
	defer session.CloseWithErr(ErrSessionClosed)

	for _, text := range []string{"one", "two", testPayload} {
		require.NoError(t, sendFrame(session, NewFrame(OpText, []byte(text)), true))
	}
	_, writes := conn.snapshot()
	assert.Equal(t, 0, writes, "batched frames stay in the buffer until flushed")

	future := NewFutureCallback()
	session.Flush(future)
	require.NoError(t, future.Block(waitLimit))

	data, writes := conn.snapshot()
	assert.Equal(t, 1, writes)
	frames := readAllFrames(t, data)
	require.Len(t, frames, 3)
	assert.Equal(t, []byte("one"), frames[0].Payload)
	assert.Equal(t, []byte("two"), frames[1].Payload)
	assert.Equal(t, []byte(testPayload), frames[2].Payload)
	for _, frame := range frames {
		assert.Equal(t, OpText, frame.Opcode)
		assert.True(t, frame.Fin)
		assert.False(t, frame.masked)
	}
}

func TestSession_UnbatchedFrameFlushesPendingFirst(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn)
	defer session.CloseWithErr(ErrSessionClosed)

	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("queued")), true))
	require.NoError(t, sendFrame(session, NewFrame(OpPing, []byte("now")), false))

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data)
	require.Len(t, frames, 2)
	assert.Equal(t, OpText, frames[0].Opcode)
	assert.Equal(t, OpPing, frames[1].Opcode)
	assert.Equal(t, []byte("now"), frames[1].Payload)
}

func TestSession_OversizedBatchedFrameWrittenDirectly(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithBufferSize(32))
	defer session.CloseWithErr(ErrSessionClosed)

	payload := bytes.Repeat([]byte{'x'}, 300)
	require.NoError(t, sendFrame(session, NewFrame(OpBinary, payload), true))

	data, writes := conn.snapshot()
	assert.Greater(t, writes, 0)
	frames := readAllFrames(t, data)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestSession_Close(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn)

	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("last words")), true))

	future := NewFutureCallback()
	session.Close(NormalClosure, "bye", future)
	require.NoError(t, future.Block(waitLimit))

	assert.True(t, session.IsClose())
	assert.True(t, conn.isClosed())
	assert.True(t, errors.Is(session.Err(), ErrSessionClosed))

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("last words"), frames[0].Payload)
	assert.Equal(t, OpClose, frames[1].Opcode)
	assert.Equal(t, []byte{0x03, 0xE8, 'b', 'y', 'e'}, frames[1].Payload)

	err := sendFrame(session, NewFrame(OpText, []byte("too late")), false)
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSession_CloseWithoutCode(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn)

	future := NewFutureCallback()
	session.Close(NoCode, "ignored", future)
	require.NoError(t, future.Block(waitLimit))

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data)
	require.Len(t, frames, 1)
	assert.Equal(t, OpClose, frames[0].Opcode)
	assert.Empty(t, frames[0].Payload)
}

func TestSession_IdleTimeout(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithIdleTimeout(100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, session.IdleTimeout())

	select {
	case <-session.Ctx().Done():
	case <-time.After(waitLimit):
		t.Fatal("idle session was not closed")
	}
	assert.True(t, errors.Is(session.Err(), ErrSessionIdleTimeout))
	assert.Eventually(t, conn.isClosed, waitLimit, 10*time.Millisecond)

	err := sendFrame(session, NewFrame(OpText, []byte(testPayload)), false)
	assert.True(t, errors.Is(err, ErrSessionIdleTimeout))
}

func TestSession_IdleTimeoutWritesBatch(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithIdleTimeout(200*time.Millisecond))

	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("important")), true))

	select {
	case <-session.Ctx().Done():
	case <-time.After(waitLimit):
		t.Fatal("idle session was not closed")
	}
	assert.True(t, errors.Is(session.Err(), ErrSessionIdleTimeout))

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("important"), frames[0].Payload)
}

func TestSession_BatchAppendIsActivity(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithIdleTimeout(150*time.Millisecond))
	defer session.CloseWithErr(ErrSessionClosed)

	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, sendFrame(session, NewFrame(OpBinary, []byte{byte(i)}), true))
	}
	assert.False(t, session.IsClose(), "appending to the batch postpones the idle timeout")
}

func TestSession_ParentCancelWritesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &recordConn{}
	session := NewSessionContext(ctx, conn)

	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("one")), true))
	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("two")), true))
	cancel()

	assert.Eventually(t, conn.isClosed, waitLimit, 10*time.Millisecond)
	assert.True(t, errors.Is(session.Err(), context.Canceled))

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("one"), frames[0].Payload)
	assert.Equal(t, []byte("two"), frames[1].Payload)
}

func TestSession_SetIdleTimeout(t *testing.T) {
	session := NewSession(&recordConn{})
	require.Equal(t, time.Duration(0), session.IdleTimeout())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, session.IsClose())

	session.SetIdleTimeout(50 * time.Millisecond)
	select {
	case <-session.Ctx().Done():
	case <-time.After(waitLimit):
		t.Fatal("idle timeout set at runtime was not applied")
	}
	assert.True(t, errors.Is(session.Err(), ErrSessionIdleTimeout))
}

func TestSession_WriteError(t *testing.T) {
	conn := &recordConn{err: io.ErrClosedPipe}
	session := NewSession(conn)

	err := sendFrame(session, NewFrame(OpBinary, []byte(testPayload)), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnWrite))
	assert.True(t, session.IsClose())
	assert.True(t, errors.Is(session.Err(), ErrConnWrite))
}

func TestSession_ClientMasksFrames(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithRole(RoleClient))
	defer session.CloseWithErr(ErrSessionClosed)

	payload := []byte(testPayload)
	require.NoError(t, sendFrame(session, NewFrame(OpBinary, payload), false))
	require.NoError(t, sendFrame(session, NewFrame(OpText, []byte("batched")), true))
	future := NewFutureCallback()
	session.Flush(future)
	require.NoError(t, future.Block(waitLimit))

	assert.Equal(t, []byte(testPayload), payload, "caller payload must stay unmasked")

	data, _ := conn.snapshot()
	assert.False(t, bytes.Contains(data, []byte(testPayload)))
	frames := readAllFrames(t, data)
	require.Len(t, frames, 2)
	for _, frame := range frames {
		assert.True(t, frame.masked)
	}
	assert.Equal(t, []byte(testPayload), frames[0].Payload)
	assert.Equal(t, []byte("batched"), frames[1].Payload)
}

func TestSession_InvalidControlFrame(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn)
	defer session.CloseWithErr(ErrSessionClosed)

	err := sendFrame(session, NewFrame(OpPing, make([]byte, maxControlPayload+1)), false)
	assert.Equal(t, ErrControlFrameTooLarge, err)

	err = sendFrame(session, &Frame{Opcode: OpPong}, false)
	assert.Equal(t, ErrControlFrameFragmented, err)

	assert.False(t, session.IsClose(), "a rejected frame leaves the session usable")
	_, writes := conn.snapshot()
	assert.Equal(t, 0, writes)
}

func TestSession_HeartBeat(t *testing.T) {
	conn := &recordConn{}
	session := NewSession(conn, WithHeartBeatInterval(20*time.Millisecond))
	defer session.CloseWithErr(ErrSessionClosed)

	require.Eventually(t, func() bool {
		data, _ := conn.snapshot()
		return len(data) >= 4
	}, waitLimit, 10*time.Millisecond)

	data, _ := conn.snapshot()
	frames := readAllFrames(t, data[:4])
	for _, frame := range frames {
		assert.Equal(t, OpPing, frame.Opcode)
		assert.Empty(t, frame.Payload)
	}
}

func TestSession_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &recordConn{}
	session := NewSessionContext(ctx, conn)

	cancel()
	require.Eventually(t, func() bool {
		return session.Err() != nil
	}, waitLimit, 10*time.Millisecond)

	assert.True(t, errors.Is(session.Err(), context.Canceled))
	assert.Eventually(t, conn.isClosed, waitLimit, 10*time.Millisecond)

	err := sendFrame(session, NewFrame(OpText, nil), false)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSession_RemoteAddr(t *testing.T) {
	session := NewSession(&recordConn{})
	defer session.CloseWithErr(ErrSessionClosed)
	assert.Equal(t, "10.0.0.1:443", session.RemoteAddr().String())
	assert.NotEmpty(t, session.ID())
}

func TestSession_OverTCP(t *testing.T) {
	logger := zaptest.NewLogger(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var received []*wireFrame
	var group errgroup.Group
	group.Go(func() error {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()

		for {
			frame, err := readWireFrame(conn)
			if err != nil {
				return err
			}
			received = append(received, frame)
			if frame.Opcode == OpClose {
				return nil
			}
		}
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	session := NewSession(conn, WithRole(RoleClient), WithBufferSize(bufferLength),
		WithIdleTimeout(5*time.Second), WithLogger(ZapLogger(logger)))
	endpoint := NewRemoteEndpoint(session, BatchOn, WithEndpointLogger(ZapLogger(logger)))
	assert.Equal(t, listener.Addr().String(), endpoint.RemoteAddr().String())

	require.NoError(t, endpoint.SendString(testPayload))
	require.NoError(t, endpoint.SendPartialBytes([]byte("P1"), false))
	require.NoError(t, endpoint.SendPartialBytes([]byte("P2"), true))
	require.NoError(t, endpoint.SendPing([]byte("hb")))
	require.NoError(t, endpoint.Flush())
	endpoint.CloseWithStatus(GoingAway, "done")

	require.NoError(t, group.Wait())
	require.Len(t, received, 5)

	expected := []Frame{
		{Opcode: OpText, Fin: true, Payload: []byte(testPayload)},
		{Opcode: OpBinary, Fin: false, Payload: []byte("P1")},
		{Opcode: OpContinuation, Fin: true, Payload: []byte("P2")},
		{Opcode: OpPing, Fin: true, Payload: []byte("hb")},
		{Opcode: OpClose, Fin: true, Payload: []byte{0x03, 0xE9, 'd', 'o', 'n', 'e'}},
	}
	for i, frame := range received {
		assert.True(t, frame.masked)
		assert.Equal(t, expected[i], frame.Frame)
	}
	assert.True(t, errors.Is(session.Err(), ErrSessionClosed))
}
