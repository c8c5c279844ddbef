package wsmux

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Transport is the session underneath a RemoteEndpoint. SendFrame, Close and
// Flush must not block and must complete their callback exactly once.
type Transport interface {
	SendFrame(frame *Frame, callback Callback, batch bool)
	Close(code StatusCode, reason string, callback Callback)
	Flush(callback Callback)
	IdleTimeout() time.Duration // <= 0 means disabled
	RemoteAddr() net.Addr
}

type BatchMode uint8

const (
	BatchAuto BatchMode = iota
	BatchOn
	BatchOff
)

func (mode BatchMode) String() string {
	switch mode {
	case BatchOn:
		return "on"
	case BatchOff:
		return "off"
	default:
		return "auto"
	}
}

func ParseBatchMode(s string) (BatchMode, error) {
	switch strings.ToLower(s) {
	case "on":
		return BatchOn, nil
	case "off":
		return BatchOff, nil
	case "auto", "":
		return BatchAuto, nil
	default:
		return BatchAuto, errors.Errorf("unknown batch mode %q", s)
	}
}

var (
	ErrProtocol    = errors.New("protocol violation")
	ErrInvalidUTF8 = errors.New("text message is not valid UTF-8")
)

// ProtocolError reports a partial send of one message type while another is in flight.
type ProtocolError struct {
	Attempted Opcode
	Active    Opcode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("attempt to send partial %s during active opcode %s", e.Attempted, e.Active)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// blockingGrace is added to the idle timeout to give the transport a chance
// to fail on its own before the blocking caller gives up.
const blockingGrace = time.Second

type messageState uint8

const (
	stateIdle messageState = iota
	stateSendingBinary
	stateSendingText
)

func (state messageState) opcode() Opcode {
	switch state {
	case stateSendingBinary:
		return OpBinary
	case stateSendingText:
		return OpText
	default:
		return OpContinuation
	}
}

type EndpointOption func(*RemoteEndpoint)

func WithEndpointLogger(logger Logger) EndpointOption {
	return func(endpoint *RemoteEndpoint) {
		endpoint.logger = logger
	}
}

// RemoteEndpoint is the outbound side of one WebSocket connection.
//
// Partial sends share one fragmentation state: interleaving fragments of
// different messages from several goroutines is a caller error even though
// the state itself stays consistent.
type RemoteEndpoint struct {
	transport Transport
	logger    Logger

	mutex     sync.Mutex
	state     messageState
	batchMode BatchMode
}

func NewRemoteEndpoint(transport Transport, mode BatchMode, options ...EndpointOption) *RemoteEndpoint {
	if transport == nil {
		panic("wsmux: nil transport")
	}
	endpoint := &RemoteEndpoint{
		transport: transport,
		logger:    NoopLogger,
		batchMode: mode,
	}
	for _, option := range options {
		option(endpoint)
	}
	return endpoint
}

// SendString blocks until the frame is written. Blocking whole-message sends
// are never batched: success means the frame reached the connection.
func (endpoint *RemoteEndpoint) SendString(text string) error {
	return endpoint.block(func(callback Callback) {
		endpoint.sendText(text, callback, false)
	})
}

func (endpoint *RemoteEndpoint) SendStringAsync(text string, callback Callback) {
	endpoint.sendText(text, callbackOrNoop(callback), endpoint.isBatch())
}

func (endpoint *RemoteEndpoint) SendBytes(data []byte) error {
	return endpoint.block(func(callback Callback) {
		endpoint.transport.SendFrame(NewFrame(OpBinary, data), callback, false)
	})
}

func (endpoint *RemoteEndpoint) SendBytesAsync(data []byte, callback Callback) {
	endpoint.transport.SendFrame(NewFrame(OpBinary, data), callbackOrNoop(callback), endpoint.isBatch())
}

func (endpoint *RemoteEndpoint) sendText(text string, callback Callback, batch bool) {
	if !utf8.ValidString(text) {
		callback.Failed(ErrInvalidUTF8)
		return
	}
	endpoint.transport.SendFrame(NewFrame(OpText, []byte(text)), callback, batch)
}

func (endpoint *RemoteEndpoint) SendPartialBytes(fragment []byte, isLast bool) error {
	return endpoint.block(func(callback Callback) {
		endpoint.SendPartialBytesAsync(fragment, isLast, callback)
	})
}

func (endpoint *RemoteEndpoint) SendPartialBytesAsync(fragment []byte, isLast bool, callback Callback) {
	endpoint.sendPartial(stateSendingBinary, fragment, isLast, callbackOrNoop(callback))
}

func (endpoint *RemoteEndpoint) SendPartialString(fragment string, isLast bool) error {
	return endpoint.block(func(callback Callback) {
		endpoint.SendPartialStringAsync(fragment, isLast, callback)
	})
}

func (endpoint *RemoteEndpoint) SendPartialStringAsync(fragment string, isLast bool, callback Callback) {
	endpoint.sendPartial(stateSendingText, []byte(fragment), isLast, callbackOrNoop(callback))
}

func (endpoint *RemoteEndpoint) SendPing(data []byte) error {
	return endpoint.block(func(callback Callback) {
		endpoint.SendPingAsync(data, callback)
	})
}

func (endpoint *RemoteEndpoint) SendPingAsync(data []byte, callback Callback) {
	endpoint.transport.SendFrame(NewFrame(OpPing, data), callbackOrNoop(callback), false)
}

func (endpoint *RemoteEndpoint) SendPong(data []byte) error {
	return endpoint.block(func(callback Callback) {
		endpoint.SendPongAsync(data, callback)
	})
}

func (endpoint *RemoteEndpoint) SendPongAsync(data []byte, callback Callback) {
	endpoint.transport.SendFrame(NewFrame(OpPong, data), callbackOrNoop(callback), false)
}

// sendPartial advances the fragmentation state and hands the frame to the
// transport outside the lock, so a transport completing inline may re-enter.
func (endpoint *RemoteEndpoint) sendPartial(kind messageState, fragment []byte, isLast bool, callback Callback) {
	endpoint.mutex.Lock()
	var frame *Frame
	switch endpoint.state {
	case stateIdle:
		frame = &Frame{Opcode: kind.opcode(), Fin: isLast, Payload: fragment}
		if !isLast {
			endpoint.state = kind
		}
	case kind:
		frame = &Frame{Opcode: OpContinuation, Fin: isLast, Payload: fragment}
		if isLast {
			endpoint.state = stateIdle
		}
	default:
		active := endpoint.state.opcode()
		endpoint.mutex.Unlock()
		callback.Failed(&ProtocolError{Attempted: kind.opcode(), Active: active})
		return
	}
	batch := endpoint.batchMode == BatchOn
	endpoint.mutex.Unlock()

	endpoint.transport.SendFrame(frame, callback, batch)
}

// Close starts a close handshake without a status code.
func (endpoint *RemoteEndpoint) Close() {
	endpoint.CloseWithStatus(NoCode, "")
}

// CloseWithStatus requests a transport close and waits for it up to the
// blocking timeout. Failures are dropped: the connection is going away anyway.
func (endpoint *RemoteEndpoint) CloseWithStatus(code StatusCode, reason string) {
	err := endpoint.block(func(callback Callback) {
		endpoint.transport.Close(code, reason, callback)
	})
	if err != nil {
		endpoint.logger.Debugf("endpoint close %d to %v ignored: %v", code, endpoint.RemoteAddr(), err)
	}
}

// Flush waits until the transport has written all batched frames.
func (endpoint *RemoteEndpoint) Flush() error {
	return endpoint.block(endpoint.transport.Flush)
}

func (endpoint *RemoteEndpoint) BatchMode() BatchMode {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	return endpoint.batchMode
}

func (endpoint *RemoteEndpoint) SetBatchMode(mode BatchMode) {
	endpoint.mutex.Lock()
	endpoint.batchMode = mode
	endpoint.mutex.Unlock()
}

func (endpoint *RemoteEndpoint) RemoteAddr() net.Addr {
	return endpoint.transport.RemoteAddr()
}

func (endpoint *RemoteEndpoint) isBatch() bool {
	return endpoint.BatchMode() == BatchOn
}

// blockingTimeout is the idle timeout plus a grace period, or 0 (forever)
// when the transport has no idle timeout.
func (endpoint *RemoteEndpoint) blockingTimeout() time.Duration {
	idleTimeout := endpoint.transport.IdleTimeout()
	if idleTimeout > 0 {
		return idleTimeout + blockingGrace
	}
	return 0
}

func (endpoint *RemoteEndpoint) block(send func(Callback)) error {
	future := NewFutureCallback()
	send(future)
	return future.Block(endpoint.blockingTimeout())
}
