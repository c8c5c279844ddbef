package wsmux

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	dsaBuffer "github.com/Jack-Kingdom/go-dsa/buffer"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionIdleTimeout = errors.New("session idle timeout exceed")
	ErrConnWrite          = errors.New("conn write err")
)

type roleType uint8

const (
	RoleClient roleType = 1 + iota // clients mask every frame they send
	RoleServer
)

func (role roleType) String() string {
	switch role {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

type writeKind uint8

const (
	writeFrame writeKind = iota
	writeFlush
	writeClose
)

type writeRequest struct {
	kind     writeKind
	frame    *Frame
	batch    bool
	code     StatusCode
	reason   string
	callback Callback
}

// Session is a Transport writing frames to a single connection. All writes
// happen on one goroutine in the order they were submitted.
type Session struct {
	id   string
	conn io.WriteCloser

	queueMutex  sync.Mutex
	queue       *queue.Queue // *writeRequest
	queueSignal chan struct{}
	closed      bool
	err         error

	// batchMutex is held by the send loop while it handles a request
	batchMutex sync.Mutex
	batch      *batchBuffer

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// session config
	role        roleType
	idleTimeout atomic.Int64 // nanoseconds
	idleChanged chan struct{}
	lastActive  atomic.Int64 // unix nanoseconds

	// heartbeat config
	heartBeatInterval time.Duration

	// session buffer config
	bufferSize    int
	bufferAlloc   BufferAllocFunc
	bufferRecycle BufferRecycleFunc

	logger    Logger
	createdAt time.Time
}

type Option func(*Session)

func WithRole(role roleType) Option {
	return func(session *Session) {
		session.role = role
	}
}

// WithIdleTimeout closes the session after d without write activity; d <= 0 disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(session *Session) {
		session.idleTimeout.Store(int64(d))
	}
}

// WithHeartBeatInterval makes the session send an empty ping every interval.
func WithHeartBeatInterval(interval time.Duration) Option {
	return func(session *Session) {
		session.heartBeatInterval = interval
	}
}

// WithBufferSize sets the size of the batch buffer.
func WithBufferSize(sizeLimit int) Option {
	return func(session *Session) {
		session.bufferSize = sizeLimit
	}
}

func WithBufferManager(allocFunc BufferAllocFunc, recycleFunc BufferRecycleFunc) Option {
	return func(session *Session) {
		session.bufferAlloc = allocFunc
		session.bufferRecycle = recycleFunc
	}
}

func WithLogger(logger Logger) Option {
	return func(session *Session) {
		session.logger = logger
	}
}

func NewSessionContext(ctx context.Context, conn io.WriteCloser, options ...Option) *Session {
	currentCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		queue:       queue.New(),
		queueSignal: make(chan struct{}, 1),
		ctx:         currentCtx,
		cancel:      cancel,
		role:        RoleServer,
		idleChanged: make(chan struct{}, 1),
		bufferSize:  defaultBufferSize,
		logger:      NoopLogger,
		createdAt:   time.Now(),
	}

	for _, option := range options {
		option(session)
	}

	if session.bufferAlloc == nil || session.bufferRecycle == nil {
		session.bufferAlloc = dsaBuffer.Get
		session.bufferRecycle = dsaBuffer.Put
	}
	if session.bufferSize < maxHeaderSize {
		session.bufferSize = maxHeaderSize
	}
	session.batch = &batchBuffer{data: allocBuffer(session.bufferAlloc, session.bufferSize)}
	session.Touch()

	go session.sendLoop()
	go session.idleLoop()
	if session.heartBeatInterval > 0 {
		go session.heartBeatLoop()
	}

	session.logger.Debugf("session %s opened as %s", session.id, session.role)
	return session
}

func NewSession(conn io.WriteCloser, options ...Option) *Session {
	return NewSessionContext(context.Background(), conn, options...)
}

func (session *Session) ID() string {
	return session.id
}

func (session *Session) Ctx() context.Context {
	return session.ctx
}

// Lifetime returns how long the session has existed.
func (session *Session) Lifetime() time.Duration {
	return time.Since(session.createdAt)
}

func (session *Session) IsClose() bool {
	select {
	case <-session.ctx.Done():
		return true
	default:
		return false
	}
}

// Err returns the reason the session closed, nil while open.
func (session *Session) Err() error {
	session.queueMutex.Lock()
	defer session.queueMutex.Unlock()
	return session.err
}

func (session *Session) IdleTimeout() time.Duration {
	return time.Duration(session.idleTimeout.Load())
}

func (session *Session) SetIdleTimeout(d time.Duration) {
	session.idleTimeout.Store(int64(d))
	select {
	case session.idleChanged <- struct{}{}:
	default:
	}
}

// Touch records activity, postponing the idle timeout. Readers of the
// connection call it for inbound traffic.
func (session *Session) Touch() {
	session.lastActive.Store(time.Now().UnixNano())
}

func (session *Session) RemoteAddr() net.Addr {
	if conn, ok := session.conn.(interface{ RemoteAddr() net.Addr }); ok {
		return conn.RemoteAddr()
	}
	return nil
}

func (session *Session) SendFrame(frame *Frame, callback Callback, batch bool) {
	session.enqueue(&writeRequest{kind: writeFrame, frame: frame, batch: batch, callback: callbackOrNoop(callback)})
}

func (session *Session) Flush(callback Callback) {
	session.enqueue(&writeRequest{kind: writeFlush, callback: callbackOrNoop(callback)})
}

// Close writes any batched frames and a close frame, then closes the connection.
func (session *Session) Close(code StatusCode, reason string, callback Callback) {
	session.enqueue(&writeRequest{kind: writeClose, code: code, reason: reason, callback: callbackOrNoop(callback)})
}

// CloseWithErr closes the session immediately; queued requests fail with err.
func (session *Session) CloseWithErr(err error) {
	session.closeOnce.Do(func() {
		session.queueMutex.Lock()
		session.closed = true
		session.err = err
		session.queueMutex.Unlock()

		session.cancel()
		_ = session.conn.Close()

		sessionClosedTotal.WithLabelValues(closeReason(err)).Inc()
		session.logger.Debugf("session %s closed after %s: %v", session.id, session.Lifetime(), err)
	})
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return "normal"
	case errors.Is(err, ErrSessionIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrConnWrite):
		return "write_error"
	default:
		return "context"
	}
}

func (session *Session) enqueue(request *writeRequest) {
	session.queueMutex.Lock()
	if session.closed {
		err := session.err
		session.queueMutex.Unlock()
		request.callback.Failed(err)
		return
	}
	session.queue.Add(request)
	session.queueMutex.Unlock()

	select {
	case session.queueSignal <- struct{}{}:
	default:
	}
}

func (session *Session) dequeue() (*writeRequest, bool) {
	session.queueMutex.Lock()
	defer session.queueMutex.Unlock()

	if session.queue.Length() == 0 {
		return nil, false
	}
	return session.queue.Remove().(*writeRequest), true
}

func (session *Session) sendLoop() {
	defer func() {
		session.batchMutex.Lock()
		session.bufferRecycle(session.batch.data)
		session.batch.data = nil
		session.batch.reset()
		session.batchMutex.Unlock()
	}()

	for {
		request, ok := session.dequeue()
		if !ok {
			select {
			case <-session.ctx.Done():
				session.batchMutex.Lock()
				session.closeFromLoop()
				session.batchMutex.Unlock()
				session.failPending()
				return
			case <-session.queueSignal:
				continue
			}
		}

		session.batchMutex.Lock()
		session.handle(request)
		session.batchMutex.Unlock()
	}
}

// handle runs with batchMutex held.
func (session *Session) handle(request *writeRequest) {
	if session.IsClose() {
		session.closeFromLoop()
		request.callback.Failed(session.Err())
		return
	}

	switch request.kind {
	case writeFrame:
		session.handleFrame(session.batch, request)
	case writeFlush:
		if err := session.writePending(session.batch); err != nil {
			request.callback.Failed(err)
			return
		}
		request.callback.Succeeded()
	case writeClose:
		session.handleClose(session.batch, request)
	}
}

// closeFromLoop runs with batchMutex held once the session context is done.
// If the parent context ended the session the batch is still written.
func (session *Session) closeFromLoop() {
	if session.Err() == nil {
		_ = session.writePending(session.batch)
	}
	session.CloseWithErr(errors.WithStack(context.Cause(session.ctx)))
}

// shutdown writes the batch buffer and closes the session with err. The
// batch is dropped only when the send loop is stuck in a write.
func (session *Session) shutdown(err error) {
	if !session.batchMutex.TryLock() {
		session.CloseWithErr(err)
		return
	}
	defer session.batchMutex.Unlock()
	if !session.IsClose() {
		_ = session.writePending(session.batch)
	}
	session.CloseWithErr(err)
}

// failPending fails whatever is still queued once the session is closed.
// enqueue refuses new requests after close, so this drains the queue for good.
func (session *Session) failPending() {
	err := session.Err()
	for {
		request, ok := session.dequeue()
		if !ok {
			return
		}
		request.callback.Failed(err)
	}
}

func (session *Session) maskKey() ([]byte, error) {
	if session.role != RoleClient {
		return nil, nil
	}
	return newMaskKey()
}

func (session *Session) handleFrame(buffer *batchBuffer, request *writeRequest) {
	frame := request.frame
	if err := frame.check(); err != nil {
		request.callback.Failed(err)
		return
	}

	maskKey, err := session.maskKey()
	if err != nil {
		request.callback.Failed(err)
		return
	}

	size := frame.HeaderSize(maskKey != nil) + len(frame.Payload)
	if request.batch && buffer.fits(size) {
		if _, err := buffer.append(frame, maskKey); err != nil {
			request.callback.Failed(err)
			return
		}
		framesSentTotal.WithLabelValues(frame.Opcode.String()).Inc()
		session.Touch()
		request.callback.Succeeded()
		return
	}

	if err := session.writePending(buffer); err != nil {
		request.callback.Failed(err)
		return
	}
	if err := session.writeFrame(frame, maskKey); err != nil {
		request.callback.Failed(err)
		return
	}
	request.callback.Succeeded()
}

func (session *Session) handleClose(buffer *batchBuffer, request *writeRequest) {
	err := session.writePending(buffer)
	if err == nil {
		var maskKey []byte
		maskKey, err = session.maskKey()
		if err == nil {
			err = session.writeFrame(NewFrame(OpClose, closePayload(request.code, request.reason)), maskKey)
		}
	}
	if err != nil {
		request.callback.Failed(err)
		return
	}

	session.CloseWithErr(errors.WithStack(ErrSessionClosed))
	request.callback.Succeeded()
}

func (session *Session) writePending(buffer *batchBuffer) error {
	if buffer.isEmpty() {
		return nil
	}
	err := session.write(buffer.pending())
	buffer.reset()
	return err
}

func (session *Session) writeFrame(frame *Frame, maskKey []byte) error {
	framesSentTotal.WithLabelValues(frame.Opcode.String()).Inc()

	if maskKey != nil {
		// masking must not touch the caller's payload
		size := frame.HeaderSize(true) + len(frame.Payload)
		data := allocBuffer(session.bufferAlloc, size)
		defer session.bufferRecycle(data)

		n, err := frame.Marshal(data, maskKey)
		if err != nil {
			return err
		}
		return session.write(data[:n])
	}

	var header [maxHeaderSize]byte
	n, err := frame.MarshalHeader(header[:], nil)
	if err != nil {
		return err
	}
	if len(frame.Payload) == 0 {
		return session.write(header[:n])
	}
	buffers := net.Buffers{header[:n], frame.Payload}
	return session.write(buffers...)
}

func (session *Session) write(chunks ...[]byte) error {
	buffers := net.Buffers(chunks)
	n, err := buffers.WriteTo(session.conn)
	bytesWrittenTotal.Add(float64(n))
	if err != nil {
		err = errors.Wrapf(ErrConnWrite, "session.sendLoop write: %v", err)
		session.CloseWithErr(err)
		return err
	}
	session.Touch()
	return nil
}

func (session *Session) idleLoop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var expired <-chan time.Time
		if timeout := session.IdleTimeout(); timeout > 0 {
			idle := time.Since(time.Unix(0, session.lastActive.Load()))
			if idle >= timeout {
				session.shutdown(errors.WithStack(ErrSessionIdleTimeout))
				return
			}
			if timer == nil {
				timer = time.NewTimer(timeout - idle)
			} else {
				timer.Reset(timeout - idle)
			}
			expired = timer.C
		}

		select {
		case <-session.ctx.Done():
			return
		case <-session.idleChanged:
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-expired:
		}
	}
}

// heartBeatLoop keeps sending pings until the session closes.
func (session *Session) heartBeatLoop() {
	ticker := time.NewTicker(session.heartBeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.ctx.Done():
			return
		case <-ticker.C:
			session.SendFrame(NewFrame(OpPing, nil), NoopCallback, false)
		}
	}
}
