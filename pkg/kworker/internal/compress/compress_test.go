package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func TestDecompress(t *testing.T) {
	in := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	gz := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		w.Write(in)
		w.Close()
		return buf.Bytes()
	}
	lz := func() []byte {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		w.Write(in)
		w.Close()
		return buf.Bytes()
	}
	zs := func() []byte {
		enc, _ := zstd.NewWriter(nil)
		defer enc.Close()
		return enc.EncodeAll(in, nil)
	}
	xerial := func() []byte {
		out := append([]byte(nil), xerialPfx...)
		out = append(out, 0, 0, 0, 1, 0, 0, 0, 1) // version, compat
		half := len(in) / 2
		for _, chunk := range [][]byte{in[:half], in[half:]} {
			enc := snappy.Encode(nil, chunk)
			out = binary.BigEndian.AppendUint32(out, uint32(len(enc)))
			out = append(out, enc...)
		}
		return out
	}

	d := NewDecompressor()
	defer d.Close()

	for _, test := range []struct {
		codec Codec
		src   []byte
	}{
		{None, in},
		{Gzip, gz()},
		{Snappy, snappy.Encode(nil, in)},
		{Snappy, xerial()},
		{LZ4, lz()},
		{Zstd, zs()},
	} {
		t.Run(test.codec.String(), func(t *testing.T) {
			got, err := d.Decompress(test.src, test.codec)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if diff := cmp.Diff(in, got); diff != "" {
				t.Errorf("decompressed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	d := NewDecompressor()
	defer d.Close()

	if _, err := d.Decompress([]byte("data"), Codec(5)); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("got err %v, want ErrUnknownCodec", err)
	}

	truncated := append(append([]byte(nil), xerialPfx...), 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 1)
	if _, err := d.Decompress(truncated, Snappy); !errors.Is(err, errMalformedXerial) {
		t.Errorf("got err %v, want errMalformedXerial", err)
	}
}

func TestDecompressorClose(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	src := enc.EncodeAll([]byte("payload"), nil)
	enc.Close()

	// Closing before any zstd use creates no decoder.
	unused := NewDecompressor()
	unused.Close()
	if unused.zstdDec != nil {
		t.Error("close created a zstd decoder")
	}
	if _, err := unused.Decompress(src, Zstd); !errors.Is(err, ErrClosed) {
		t.Errorf("got err %v after close, want %v", err, ErrClosed)
	}

	used := NewDecompressor()
	got, err := used.Decompress(src, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("got %q, want %q", got, "payload")
	}
	used.Close()
	if _, err := used.Decompress(src, Zstd); err == nil {
		t.Error("decompressed with a closed zstd decoder")
	}
}
