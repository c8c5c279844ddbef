package wsmux

const (
	defaultBufferSize = 64 * 1024
)

type BufferAllocFunc func(size int) []byte
type BufferRecycleFunc func([]byte)

func allocBuffer(alloc BufferAllocFunc, size int) []byte {
	buffer := alloc(size)
	if cap(buffer) < size {
		return make([]byte, size)
	}
	return buffer[:size]
}

// batchBuffer aggregates encoded frames until the send loop flushes them.
type batchBuffer struct {
	data []byte
	used int
}

func (buffer *batchBuffer) fits(size int) bool {
	return len(buffer.data)-buffer.used >= size
}

// append encodes frame at the tail. The caller checks fits first.
func (buffer *batchBuffer) append(frame *Frame, maskKey []byte) (int, error) {
	n, err := frame.Marshal(buffer.data[buffer.used:], maskKey)
	if err != nil {
		return 0, err
	}
	buffer.used += n
	return n, nil
}

func (buffer *batchBuffer) pending() []byte {
	return buffer.data[:buffer.used]
}

func (buffer *batchBuffer) isEmpty() bool {
	return buffer.used == 0
}

func (buffer *batchBuffer) reset() {
	buffer.used = 0
}
