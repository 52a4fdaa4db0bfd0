// Package compress decompresses Kafka record batches and message sets.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a compression codec as encoded in the low three bits of batch or
// message attributes.
type Codec int8

const (
	None Codec = iota
	Gzip
	Snappy
	LZ4
	Zstd
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ErrUnknownCodec is returned for codecs other than those above.
var ErrUnknownCodec = errors.New("unknown compression codec")

// Decompressor decompresses with pooled readers. It is safe for concurrent
// use.
type Decompressor struct {
	zstdOnce  sync.Once
	zstdDec   *zstd.Decoder
	zstdErr   error
	ungzPool  sync.Pool
	unlz4Pool sync.Pool
}

// NewDecompressor returns a new Decompressor.
func NewDecompressor() *Decompressor {
	return &Decompressor{
		ungzPool: sync.Pool{
			New: func() any { return new(gzip.Reader) },
		},
		unlz4Pool: sync.Pool{
			New: func() any { return lz4.NewReader(nil) },
		},
	}
}

// Decompress decompresses src that was compressed with codec.
func (d *Decompressor) Decompress(src []byte, codec Codec) ([]byte, error) {
	switch codec {
	case None:
		return src, nil
	case Gzip:
		ungz := d.ungzPool.Get().(*gzip.Reader)
		defer d.ungzPool.Put(ungz)
		if err := ungz.Reset(bytes.NewReader(src)); err != nil {
			return nil, err
		}
		return io.ReadAll(ungz)
	case Snappy:
		if len(src) > 16 && bytes.HasPrefix(src, xerialPfx) {
			return xerialDecode(src)
		}
		return snappy.Decode(nil, src)
	case LZ4:
		unlz4 := d.unlz4Pool.Get().(*lz4.Reader)
		defer d.unlz4Pool.Put(unlz4)
		unlz4.Reset(bytes.NewReader(src))
		return io.ReadAll(unlz4)
	case Zstd:
		d.zstdOnce.Do(d.initZstd)
		if d.zstdErr != nil {
			return nil, d.zstdErr
		}
		return d.zstdDec.DecodeAll(src, nil)
	default:
		return nil, ErrUnknownCodec
	}
}

func (d *Decompressor) initZstd() {
	d.zstdDec, d.zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// ErrClosed is returned when decompressing zstd after Close.
var ErrClosed = errors.New("decompressor is closed")

// Close releases the zstd decoder, if one was created. Zstd decompression
// fails after Close.
func (d *Decompressor) Close() {
	if d == nil {
		return
	}
	d.zstdOnce.Do(func() { d.zstdErr = ErrClosed })
	if d.zstdDec != nil {
		d.zstdDec.Close()
	}
}

var xerialPfx = []byte{130, 83, 78, 65, 80, 80, 89, 0}

var errMalformedXerial = errors.New("malformed xerial framing")

func xerialDecode(src []byte) ([]byte, error) {
	// bytes 0-8: xerial header
	// bytes 8-16: xerial version
	// everything after: uint32 chunk size, snappy chunk
	src = src[16:]
	var dst, chunk []byte
	var err error
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, errMalformedXerial
		}
		size := int32(binary.BigEndian.Uint32(src))
		src = src[4:]
		if size < 0 || len(src) < int(size) {
			return nil, errMalformedXerial
		}
		if chunk, err = snappy.Decode(chunk[:cap(chunk)], src[:size]); err != nil {
			return nil, err
		}
		src = src[size:]
		dst = append(dst, chunk...)
	}
	return dst, nil
}
