package kworker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kwire/kworker/pkg/kworker/internal/compress"
)

// Header is a record header.
type Header struct {
	Key   string
	Value []byte
}

// Message is a single record fetched from or produced to a partition.
type Message struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// batchDecoder decodes the record batches in one fetched partition,
// tracking the offset to fetch next.
type batchDecoder struct {
	decompressor *compress.Decompressor

	// offset is the fetch offset; messages before it are dropped.
	offset int64
	// next is the offset following the last batch decoded.
	next int64

	msgs []Message
}

func newBatchDecoder(d *compress.Decompressor, offset int64) *batchDecoder {
	return &batchDecoder{decompressor: d, offset: offset, next: offset}
}

// errTruncatedFrame is returned when a message or batch is cut short.
var errTruncatedFrame = errors.New("truncated message or batch")

// Minimum encoded sizes, including the 12 byte offset and length prefix.
const (
	minMessageV0Size   = 26
	minMessageV1Size   = 34
	minRecordBatchSize = 61
)

// frameSize returns the size of the message or batch at the front of in.
// The length is checked against the minimum for the frame's magic before
// anything past the prefix is read.
func frameSize(in []byte) (int, error) {
	if len(in) < 17 { // magic at byte 16
		return 0, errTruncatedFrame
	}
	length := int32(binary.BigEndian.Uint32(in[8:]))
	if length < 0 {
		return 0, fmt.Errorf("invalid negative batch length %d", length)
	}
	size := 12 + int(length)
	minSize := 17
	switch in[16] {
	case 0:
		minSize = minMessageV0Size
	case 1:
		minSize = minMessageV1Size
	case 2:
		minSize = minRecordBatchSize
	}
	if size < minSize {
		return 0, fmt.Errorf("length %d is too small for magic %d", length, in[16])
	}
	if len(in) < size {
		return 0, errTruncatedFrame
	}
	return size, nil
}

// decode processes every complete batch in in. Brokers may return a partial
// trailing batch; it is ignored and fetched again on the next request.
func (d *batchDecoder) decode(in []byte) error {
	for len(in) > 0 {
		size, err := frameSize(in)
		if errors.Is(err, errTruncatedFrame) {
			return nil
		}
		if err != nil {
			return err
		}
		raw := in[:size]
		in = in[size:]

		switch magic := raw[16]; magic {
		case 0:
			var m kmsg.MessageV0
			if err = m.ReadFrom(raw); err == nil {
				err = d.decodeV0Outer(&m, raw)
			}
		case 1:
			var m kmsg.MessageV1
			if err = m.ReadFrom(raw); err == nil {
				err = d.decodeV1Outer(&m, raw)
			}
		case 2:
			var b kmsg.RecordBatch
			if err = b.ReadFrom(raw); err == nil {
				err = d.decodeBatch(&b, raw)
			}
		default:
			err = fmt.Errorf("unknown batch magic %d", magic)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *batchDecoder) advance(next int64) {
	if next > d.next {
		d.next = next
	}
}

func (d *batchDecoder) keep(m Message) {
	if m.Offset >= d.offset {
		d.msgs = append(d.msgs, m)
	}
}

func (d *batchDecoder) decodeBatch(b *kmsg.RecordBatch, raw []byte) error {
	if crc := int32(crc32.Checksum(raw[21:], crc32c)); crc != b.CRC {
		return fmt.Errorf("encoded crc %x does not match calculated crc %x", b.CRC, crc)
	}
	lastOffset := b.FirstOffset + int64(b.LastOffsetDelta)
	if lastOffset < d.offset {
		return nil
	}
	// Compacted batches keep their last offset even if the last record
	// was removed, so the batch, not its records, says where to go next.
	defer d.advance(lastOffset + 1)

	if b.Attributes&0b0010_0000 != 0 { // control batch
		return nil
	}

	records := b.Records
	if codec := compress.Codec(b.Attributes & 0b0111); codec != compress.None {
		var err error
		if records, err = d.decompressor.Decompress(records, codec); err != nil {
			return fmt.Errorf("unable to decompress %s batch: %w", codec, err)
		}
	}

	r := kbin.Reader{Src: records}
	base := time.UnixMilli(b.FirstTimestamp)
	for i := int32(0); i < b.NumRecords; i++ {
		length := r.Varint()
		rec := kbin.Reader{Src: r.Span(int(length))}
		rec.Int8() // attributes, unused
		tsDelta := rec.Varlong()
		offsetDelta := rec.Varint()
		m := Message{
			Offset:    b.FirstOffset + int64(offsetDelta),
			Key:       rec.VarintBytes(),
			Value:     rec.VarintBytes(),
			Timestamp: base.Add(time.Duration(tsDelta) * time.Millisecond),
		}
		for n := rec.Varint(); n > 0; n-- {
			m.Headers = append(m.Headers, Header{
				Key:   rec.VarintString(),
				Value: rec.VarintBytes(),
			})
		}
		if !rec.Ok() || !r.Ok() {
			return fmt.Errorf("invalid record %d in batch at offset %d: %w", i, b.FirstOffset, kbin.ErrNotEnoughData)
		}
		d.keep(m)
	}
	return nil
}

func (d *batchDecoder) decodeV0Outer(m *kmsg.MessageV0, raw []byte) error {
	if crc := int32(crc32.ChecksumIEEE(raw[16:])); crc != m.CRC {
		return fmt.Errorf("encoded crc %x does not match calculated crc %x", m.CRC, crc)
	}
	defer d.advance(m.Offset + 1)
	codec := compress.Codec(m.Attributes & 0b0011)
	if codec == compress.None {
		d.keep(Message{Offset: m.Offset, Key: m.Key, Value: m.Value})
		return nil
	}
	return d.decodeInner(m.Offset, m.Value, codec, time.Time{})
}

func (d *batchDecoder) decodeV1Outer(m *kmsg.MessageV1, raw []byte) error {
	if crc := int32(crc32.ChecksumIEEE(raw[16:])); crc != m.CRC {
		return fmt.Errorf("encoded crc %x does not match calculated crc %x", m.CRC, crc)
	}
	defer d.advance(m.Offset + 1)
	ts := time.UnixMilli(m.Timestamp)
	codec := compress.Codec(m.Attributes & 0b0011)
	if codec == compress.None {
		d.keep(Message{Offset: m.Offset, Key: m.Key, Value: m.Value, Timestamp: ts})
		return nil
	}
	return d.decodeInner(m.Offset, m.Value, codec, ts)
}

// decodeInner decodes the messages wrapped in a compressed legacy message.
// The outer message carries the offset of the last inner message; inner
// offsets are relative to it.
func (d *batchDecoder) decodeInner(outerOffset int64, value []byte, codec compress.Codec, ts time.Time) error {
	raw, err := d.decompressor.Decompress(value, codec)
	if err != nil {
		return fmt.Errorf("unable to decompress %s message set: %w", codec, err)
	}

	var inner []Message
	for len(raw) > 0 {
		size, err := frameSize(raw)
		if err != nil {
			return fmt.Errorf("invalid inner message in %s message set at offset %d: %w", codec, outerOffset, err)
		}
		msg := raw[:size]
		raw = raw[size:]
		switch msg[16] {
		case 0:
			var m kmsg.MessageV0
			if err := m.ReadFrom(msg); err != nil {
				return err
			}
			inner = append(inner, Message{Key: m.Key, Value: m.Value, Timestamp: ts})
		case 1:
			var m kmsg.MessageV1
			if err := m.ReadFrom(msg); err != nil {
				return err
			}
			inner = append(inner, Message{Key: m.Key, Value: m.Value, Timestamp: time.UnixMilli(m.Timestamp)})
		default:
			return fmt.Errorf("message set has inner message with invalid magic %d", msg[16])
		}
	}

	first := outerOffset - int64(len(inner)) + 1
	for i := range inner {
		inner[i].Offset = first + int64(i)
		d.keep(inner[i])
	}
	return nil
}

// appendBatch appends an uncompressed magic 2 record batch holding msgs to
// dst. Offsets in the batch are relative; the broker assigns the base.
func appendBatch(dst []byte, msgs []Message, now time.Time) []byte {
	var records []byte
	firstTs := now.UnixMilli()
	maxTs := firstTs
	for i, m := range msgs {
		ts := firstTs
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.UnixMilli()
		}
		if i == 0 {
			firstTs, maxTs = ts, ts
		} else if ts > maxTs {
			maxTs = ts
		}

		var rec []byte
		rec = kbin.AppendInt8(rec, 0)
		rec = kbin.AppendVarlong(rec, ts-firstTs)
		rec = kbin.AppendVarint(rec, int32(i))
		rec = kbin.AppendVarintBytes(rec, m.Key)
		rec = kbin.AppendVarintBytes(rec, m.Value)
		rec = kbin.AppendVarint(rec, int32(len(m.Headers)))
		for _, h := range m.Headers {
			rec = kbin.AppendVarintString(rec, h.Key)
			rec = kbin.AppendVarintBytes(rec, h.Value)
		}
		records = kbin.AppendVarint(records, int32(len(rec)))
		records = append(records, rec...)
	}

	b := kmsg.RecordBatch{
		FirstOffset:          0,
		PartitionLeaderEpoch: -1,
		Magic:                2,
		LastOffsetDelta:      int32(len(msgs) - 1),
		FirstTimestamp:       firstTs,
		MaxTimestamp:         maxTs,
		ProducerID:           -1,
		ProducerEpoch:        -1,
		FirstSequence:        -1,
		NumRecords:           int32(len(msgs)),
		Records:              records,
	}
	start := len(dst)
	dst = b.AppendTo(dst)
	batch := dst[start:]
	binary.BigEndian.PutUint32(batch[8:], uint32(len(batch)-12))
	binary.BigEndian.PutUint32(batch[17:], crc32.Checksum(batch[21:], crc32c))
	return dst
}
