package wsmux

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return fmt.Sprintf("OPCODE(0x%X)", byte(op))
	}
}

// IsControl reports whether op is a control opcode (0x8-0xF).
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

const (
	finBit  = 0x80
	maskBit = 0x80

	maxControlPayload = 125
	maxHeaderSize     = 2 + 8 + 4 // base + 64bit length + mask key
)

var (
	ErrUnknownOpcode          = errors.New("opcode unknown err")
	ErrControlFrameTooLarge   = errors.New("control frame payload exceeds 125 bytes")
	ErrControlFrameFragmented = errors.New("control frame must not be fragmented")
	ErrBufferSizeLimit        = errors.New("buffer size limit err")
)

// Frame is a single outbound WebSocket frame. Payload is borrowed, not copied.
type Frame struct {
	Opcode  Opcode
	Fin     bool
	Payload []byte
}

func NewFrame(opcode Opcode, payload []byte) *Frame {
	return &Frame{
		Opcode:  opcode,
		Fin:     true,
		Payload: payload,
	}
}

func (frame *Frame) String() string {
	return fmt.Sprintf("Frame{%s fin=%t len=%d}", frame.Opcode, frame.Fin, len(frame.Payload))
}

func (frame *Frame) check() error {
	switch frame.Opcode {
	case OpContinuation, OpText, OpBinary:
		return nil
	case OpClose, OpPing, OpPong:
		if len(frame.Payload) > maxControlPayload {
			return ErrControlFrameTooLarge
		}
		if !frame.Fin {
			return ErrControlFrameFragmented
		}
		return nil
	default:
		return ErrUnknownOpcode
	}
}

// HeaderSize returns the encoded header length of the frame.
func (frame *Frame) HeaderSize(masked bool) int {
	size := 2
	switch n := len(frame.Payload); {
	case n > 0xFFFF:
		size += 8
	case n > 125:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// MarshalHeader writes the frame header into buffer and returns its length.
// A non-nil maskKey sets the mask bit and appends the key.
func (frame *Frame) MarshalHeader(buffer []byte, maskKey []byte) (int, error) {
	if err := frame.check(); err != nil {
		return 0, err
	}

	masked := maskKey != nil
	headerSize := frame.HeaderSize(masked)
	if len(buffer) < headerSize {
		return 0, ErrBufferSizeLimit
	}

	buffer[0] = byte(frame.Opcode) & 0x0F
	if frame.Fin {
		buffer[0] |= finBit
	}

	var mask byte
	if masked {
		mask = maskBit
	}

	offset := 2
	switch n := len(frame.Payload); {
	case n > 0xFFFF:
		buffer[1] = 127 | mask
		binary.BigEndian.PutUint64(buffer[offset:], uint64(n))
		offset += 8
	case n > 125:
		buffer[1] = 126 | mask
		binary.BigEndian.PutUint16(buffer[offset:], uint16(n))
		offset += 2
	default:
		buffer[1] = byte(n) | mask
	}

	if masked {
		copy(buffer[offset:offset+4], maskKey)
		offset += 4
	}
	return offset, nil
}

// Marshal writes the whole frame into buffer, masking the payload copy when
// maskKey is set. The frame payload itself is left untouched.
func (frame *Frame) Marshal(buffer []byte, maskKey []byte) (int, error) {
	n, err := frame.MarshalHeader(buffer, maskKey)
	if err != nil {
		return 0, err
	}
	totalSize := n + len(frame.Payload)
	if len(buffer) < totalSize {
		return 0, ErrBufferSizeLimit
	}
	copy(buffer[n:], frame.Payload)
	if maskKey != nil {
		maskBytes(buffer[n:totalSize], maskKey)
	}
	return totalSize, nil
}

func maskBytes(data []byte, key []byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

func newMaskKey() ([]byte, error) {
	key := make([]byte, 4)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate mask key")
	}
	return key, nil
}

type StatusCode int

const (
	NormalClosure      StatusCode = 1000
	GoingAway          StatusCode = 1001
	ProtocolViolation  StatusCode = 1002
	UnsupportedData    StatusCode = 1003
	NoCode             StatusCode = 1005 // never on the wire: close frame without payload
	AbnormalClosure    StatusCode = 1006 // never on the wire
	InvalidPayload     StatusCode = 1007
	PolicyViolation    StatusCode = 1008
	MessageTooBig      StatusCode = 1009
	MandatoryExtension StatusCode = 1010
	ServerError        StatusCode = 1011
)

const maxCloseReason = maxControlPayload - 2

// closePayload builds the close frame body. NoCode and AbnormalClosure produce an empty body.
func closePayload(code StatusCode, reason string) []byte {
	if code == NoCode || code == AbnormalClosure {
		return nil
	}
	if len(reason) > maxCloseReason {
		reason = truncateUTF8(reason, maxCloseReason)
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
