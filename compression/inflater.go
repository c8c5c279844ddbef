package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNoInput    = errors.New("inflater has no input")
	ErrCodecEnded = errors.New("codec already ended")
)

// resetter is satisfied by both flate and zlib readers.
type resetter interface {
	Reset(r io.Reader, dict []byte) error
}

// Inflater is a reusable decompressor. With nowrap it reads raw DEFLATE
// (RFC 1951, as used by permessage-deflate), otherwise zlib (RFC 1950).
type Inflater struct {
	nowrap   bool
	reader   io.ReadCloser
	hasInput bool
	ended    bool
}

func NewInflater(nowrap bool) *Inflater {
	return &Inflater{nowrap: nowrap}
}

func (inflater *Inflater) Nowrap() bool {
	return inflater.nowrap
}

// Reset binds the compressed input, reusing the decoder state when possible.
func (inflater *Inflater) Reset(r io.Reader) error {
	if inflater.ended {
		return ErrCodecEnded
	}
	inflater.hasInput = false
	if inflater.reader == nil {
		reader, err := inflater.newReader(r)
		if err != nil {
			return err
		}
		inflater.reader = reader
	} else if err := inflater.reader.(resetter).Reset(r, nil); err != nil {
		return errors.Wrap(err, "reset inflater")
	}
	inflater.hasInput = true
	return nil
}

func (inflater *Inflater) newReader(r io.Reader) (io.ReadCloser, error) {
	if inflater.nowrap {
		return flate.NewReader(r), nil
	}
	reader, err := zlib.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "new zlib reader")
	}
	return reader, nil
}

func (inflater *Inflater) Read(p []byte) (int, error) {
	if inflater.ended {
		return 0, ErrCodecEnded
	}
	if !inflater.hasInput {
		return 0, ErrNoInput
	}
	return inflater.reader.Read(p)
}

// Inflate decompresses a complete stream.
func (inflater *Inflater) Inflate(compressed []byte) ([]byte, error) {
	if err := inflater.Reset(bytes.NewReader(compressed)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(inflater)
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	return data, nil
}

// detach drops the current input so a pooled inflater holds no caller data.
func (inflater *Inflater) detach() {
	if inflater.reader != nil && inflater.hasInput && inflater.nowrap {
		_ = inflater.reader.(resetter).Reset(bytes.NewReader(nil), nil)
	} else if inflater.reader != nil && inflater.hasInput {
		// a zlib reader parses the header on reset, so it is rebuilt on next use
		_ = inflater.reader.Close()
		inflater.reader = nil
	}
	inflater.hasInput = false
}

// End releases the decoder. The inflater must not be used afterwards.
func (inflater *Inflater) End() {
	if inflater.reader != nil {
		_ = inflater.reader.Close()
	}
	inflater.reader = nil
	inflater.hasInput = false
	inflater.ended = true
}

type inflaterLifecycle struct {
	nowrap bool
}

func (lifecycle inflaterLifecycle) New() *Inflater {
	return NewInflater(lifecycle.nowrap)
}

func (inflaterLifecycle) Reset(inflater *Inflater) {
	inflater.detach()
}

func (inflaterLifecycle) End(inflater *Inflater) {
	inflater.End()
}

// InflaterPool pools inflaters sharing one nowrap setting.
type InflaterPool struct {
	*Pool[*Inflater]
	nowrap bool
}

// NewInflaterPool creates a pool of inflaters. A capacity of zero disables
// pooling, a negative capacity removes the limit.
func NewInflaterPool(capacity int, nowrap bool, opts ...PoolOption) *InflaterPool {
	opts = append([]PoolOption{WithName("inflater")}, opts...)
	pool := &InflaterPool{
		Pool:   NewPool[*Inflater](capacity, inflaterLifecycle{nowrap: nowrap}, opts...),
		nowrap: nowrap,
	}
	pool.logger.Debug("inflater pool created", zap.Int("capacity", capacity), zap.Bool("nowrap", nowrap))
	return pool
}

func (pool *InflaterPool) Nowrap() bool {
	return pool.nowrap
}

// EnsureInflaterPool returns the container's inflater pool, installing a raw
// DEFLATE one sized after the container's worker pool if there is none.
func EnsureInflaterPool(container *Container) *InflaterPool {
	return ensureBean(container, func(capacity int) *InflaterPool {
		return NewInflaterPool(capacity, true)
	})
}
