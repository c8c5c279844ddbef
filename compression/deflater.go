package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNoOutput = errors.New("deflater has no output")

type deflateWriter interface {
	io.WriteCloser
	Flush() error
	Reset(w io.Writer)
}

// Deflater is a reusable compressor with a fixed level. With nowrap it writes
// raw DEFLATE, otherwise zlib.
type Deflater struct {
	nowrap    bool
	level     int
	writer    deflateWriter
	hasOutput bool
	ended     bool
}

func NewDeflater(level int, nowrap bool) *Deflater {
	return &Deflater{level: level, nowrap: nowrap}
}

func (deflater *Deflater) Nowrap() bool {
	return deflater.nowrap
}

func (deflater *Deflater) Level() int {
	return deflater.level
}

// Reset binds the output the compressed stream is written to.
func (deflater *Deflater) Reset(w io.Writer) error {
	if deflater.ended {
		return ErrCodecEnded
	}
	if deflater.writer == nil {
		writer, err := deflater.newWriter(w)
		if err != nil {
			return err
		}
		deflater.writer = writer
	} else {
		deflater.writer.Reset(w)
	}
	deflater.hasOutput = true
	return nil
}

func (deflater *Deflater) newWriter(w io.Writer) (deflateWriter, error) {
	if deflater.nowrap {
		writer, err := flate.NewWriter(w, deflater.level)
		return writer, errors.Wrap(err, "new flate writer")
	}
	writer, err := zlib.NewWriterLevel(w, deflater.level)
	return writer, errors.Wrap(err, "new zlib writer")
}

func (deflater *Deflater) Write(p []byte) (int, error) {
	if err := deflater.ready(); err != nil {
		return 0, err
	}
	return deflater.writer.Write(p)
}

// Flush emits a sync flush block so everything written so far can be decoded.
func (deflater *Deflater) Flush() error {
	if err := deflater.ready(); err != nil {
		return err
	}
	return deflater.writer.Flush()
}

// Close finishes the current stream; Reset starts a new one.
func (deflater *Deflater) Close() error {
	if err := deflater.ready(); err != nil {
		return err
	}
	deflater.hasOutput = false
	return deflater.writer.Close()
}

func (deflater *Deflater) ready() error {
	if deflater.ended {
		return ErrCodecEnded
	}
	if !deflater.hasOutput {
		return ErrNoOutput
	}
	return nil
}

// Deflate compresses data as one complete stream.
func (deflater *Deflater) Deflate(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	if err := deflater.Reset(&buffer); err != nil {
		return nil, err
	}
	if _, err := deflater.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	if err := deflater.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	return buffer.Bytes(), nil
}

func (deflater *Deflater) detach() {
	if deflater.writer != nil {
		deflater.writer.Reset(io.Discard)
	}
	deflater.hasOutput = false
}

// End releases the encoder. The deflater must not be used afterwards.
func (deflater *Deflater) End() {
	deflater.writer = nil
	deflater.hasOutput = false
	deflater.ended = true
}

type deflaterLifecycle struct {
	level  int
	nowrap bool
}

func (lifecycle deflaterLifecycle) New() *Deflater {
	return NewDeflater(lifecycle.level, lifecycle.nowrap)
}

func (deflaterLifecycle) Reset(deflater *Deflater) {
	deflater.detach()
}

func (deflaterLifecycle) End(deflater *Deflater) {
	deflater.End()
}

// DeflaterPool pools deflaters sharing one level and nowrap setting.
type DeflaterPool struct {
	*Pool[*Deflater]
	level  int
	nowrap bool
}

func NewDeflaterPool(capacity, level int, nowrap bool, opts ...PoolOption) *DeflaterPool {
	opts = append([]PoolOption{WithName("deflater")}, opts...)
	pool := &DeflaterPool{
		Pool:   NewPool[*Deflater](capacity, deflaterLifecycle{level: level, nowrap: nowrap}, opts...),
		level:  level,
		nowrap: nowrap,
	}
	pool.logger.Debug("deflater pool created",
		zap.Int("capacity", capacity), zap.Int("level", level), zap.Bool("nowrap", nowrap))
	return pool
}

func (pool *DeflaterPool) Level() int {
	return pool.level
}

func (pool *DeflaterPool) Nowrap() bool {
	return pool.nowrap
}

// EnsureDeflaterPool is EnsureInflaterPool for deflaters at the default level.
func EnsureDeflaterPool(container *Container) *DeflaterPool {
	return ensureBean(container, func(capacity int) *DeflaterPool {
		return NewDeflaterPool(capacity, flate.DefaultCompression, true)
	})
}
