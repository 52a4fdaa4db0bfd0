package kworker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestReadResponse(t *testing.T) {
	for _, test := range []struct {
		name    string
		in      []byte
		corrID  int32
		want    []byte
		wantErr error
	}{
		{
			"ok",
			append(binary.BigEndian.AppendUint32(nil, 8), 0, 0, 0, 7, 'b', 'o', 'd', 'y'),
			7,
			[]byte("body"),
			nil,
		},
		{
			"mismatch",
			append(binary.BigEndian.AppendUint32(nil, 4), 0, 0, 0, 8),
			7,
			nil,
			ErrCorrelationIDMismatch,
		},
		{
			"negative size",
			[]byte{0xff, 0xff, 0xff, 0xff},
			0,
			nil,
			ErrInvalidRespSize,
		},
		{
			"over max read bytes",
			append(binary.BigEndian.AppendUint32(nil, 1<<20+1), 0, 0, 0, 0),
			0,
			nil,
			ErrInvalidRespSize,
		},
		{
			"short header",
			append(binary.BigEndian.AppendUint32(nil, 2), 0, 0),
			0,
			nil,
			kbin.ErrNotEnoughData,
		},
		{
			"truncated",
			append(binary.BigEndian.AppendUint32(nil, 10), 0, 0, 0, 0),
			0,
			nil,
			ErrConnDead,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, _, err := readResponse(bytes.NewReader(test.in), test.corrID, 1<<20)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("got err %v, want %v", err, test.wantErr)
			}
			if !bytes.Equal(got, test.want) {
				t.Errorf("got body %q, want %q", got, test.want)
			}
		})
	}
}

// TestRoundTripClosesOnMismatch checks that a reply with the wrong
// correlation ID kills the connection so the next request redials.
func TestRoundTripClosesOnMismatch(t *testing.T) {
	cfg := defaultCfg()
	b := newBroker(&cfg, BrokerMetadata{NodeID: 1, Host: "pipe", Port: 1})
	local, remote := net.Pipe()
	defer remote.Close()
	b.cxn = &brokerCxn{b: b, conn: local, fmt: kmsg.NewRequestFormatter()}

	go func() {
		size := make([]byte, 4)
		if _, err := remote.Read(size); err != nil {
			return
		}
		req := make([]byte, binary.BigEndian.Uint32(size))
		for read := 0; read < len(req); {
			n, err := remote.Read(req[read:])
			if err != nil {
				return
			}
			read += n
		}
		remote.Write(append(binary.BigEndian.AppendUint32(nil, 4), 0, 0, 0, 99))
	}()

	req := kmsg.NewPtrMetadataRequest()
	req.SetVersion(1)
	_, err := b.roundTrip(req, 5)
	if !errors.Is(err, ErrCorrelationIDMismatch) {
		t.Fatalf("got err %v, want %v", err, ErrCorrelationIDMismatch)
	}
	if b.cxn != nil {
		t.Error("connection kept after a correlation ID mismatch")
	}
}
