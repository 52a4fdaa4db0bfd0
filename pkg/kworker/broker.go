package kworker

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// unknownSeedID returns the node ID used for seed brokers before the first
// metadata load tells us their real IDs.
func unknownSeedID(seedNum int) int32 {
	return int32(-1 - seedNum)
}

// broker is a single Kafka broker known to a worker. The broker owns at most
// one connection, dialed lazily and redialed after it dies.
type broker struct {
	cfg  *cfg
	meta BrokerMetadata
	cxn  *brokerCxn
}

func newBroker(cfg *cfg, meta BrokerMetadata) *broker {
	return &broker{cfg: cfg, meta: meta}
}

func (b *broker) hostport() hostport {
	return hostport{b.meta.Host, b.meta.Port}
}

func (b *broker) addr() string {
	return b.hostport().String()
}

// roundTrip writes req with the given correlation ID and, unless the request
// expects no reply, reads and decodes the response. Any transport failure
// kills the connection; the next request redials.
func (b *broker) roundTrip(req kmsg.Request, corrID int32) (kmsg.Response, error) {
	cxn, err := b.loadConnection()
	if err != nil {
		return nil, err
	}

	timeout := b.cfg.requestTimeout
	if fetch, ok := req.(*kmsg.FetchRequest); ok {
		timeout += time.Duration(fetch.MaxWaitMillis) * time.Millisecond
	}

	if err := cxn.writeRequest(req, corrID, timeout); err != nil {
		b.closeCxn()
		return nil, err
	}

	resp := req.ResponseKind()
	if produce, ok := req.(*kmsg.ProduceRequest); ok && produce.Acks == 0 {
		return resp, nil
	}

	raw, err := cxn.readResponse(req.Key(), corrID, timeout)
	if err != nil {
		b.closeCxn()
		return nil, err
	}
	if err := resp.ReadFrom(raw); err != nil {
		b.closeCxn()
		return nil, fmt.Errorf("unable to decode %s response: %w", kmsg.NameForKey(req.Key()), err)
	}
	return resp, nil
}

// loadConnection returns the broker's connection, dialing if necessary.
func (b *broker) loadConnection() (*brokerCxn, error) {
	if b.cxn != nil {
		return b.cxn, nil
	}

	conn, err := b.connect()
	if err != nil {
		return nil, err
	}
	b.cxn = &brokerCxn{
		b:    b,
		conn: conn,
		fmt:  kmsg.NewRequestFormatter(kmsg.FormatterClientID(*b.cfg.id)),
	}
	return b.cxn, nil
}

// connect dials the broker, wrapping the connection in TLS if configured.
func (b *broker) connect() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.requestTimeout)
	defer cancel()

	start := time.Now()
	conn, err := b.cfg.dialFn(ctx, "tcp", b.addr())
	if err == nil && b.cfg.tls != nil {
		tlscfg := b.cfg.tls.Clone()
		if tlscfg.ServerName == "" {
			tlscfg.ServerName = b.meta.Host
		}
		tconn := tls.Client(conn, tlscfg)
		if err = tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			conn = nil
		} else {
			conn = tconn
		}
	}
	since := time.Since(start)

	b.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookBrokerConnect); ok {
			h.OnBrokerConnect(b.meta, since, conn, err)
		}
	})

	if err != nil {
		b.cfg.logger.Log(LogLevelWarn, "unable to open connection to broker", "addr", b.addr(), "broker", b.meta.NodeID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrConnDead, err)
	}
	b.cfg.logger.Log(LogLevelDebug, "connection opened to broker", "addr", b.addr(), "broker", b.meta.NodeID)
	return conn, nil
}

// closeCxn closes the broker's connection if one is open.
func (b *broker) closeCxn() {
	if b.cxn == nil {
		return
	}
	cxn := b.cxn
	b.cxn = nil
	cxn.conn.Close()
	b.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookBrokerDisconnect); ok {
			h.OnBrokerDisconnect(b.meta, cxn.conn)
		}
	})
	b.cfg.logger.Log(LogLevelDebug, "connection to broker closed", "addr", b.addr(), "broker", b.meta.NodeID)
}

// brokerCxn manages an actual connection to a Kafka broker. This is separate
// from the broker struct to allow lazy connection (re)creation.
type brokerCxn struct {
	b    *broker
	conn net.Conn
	fmt  *kmsg.RequestFormatter

	reqBuf []byte
}

// writeRequest writes a request to the broker connection with the given
// correlation ID.
func (cx *brokerCxn) writeRequest(req kmsg.Request, corrID int32, timeout time.Duration) error {
	cx.reqBuf = cx.fmt.AppendRequest(cx.reqBuf[:0], req, corrID)

	start := time.Now()
	cx.conn.SetWriteDeadline(start.Add(timeout))
	n, err := cx.conn.Write(cx.reqBuf)
	cx.conn.SetWriteDeadline(time.Time{})
	since := time.Since(start)

	cx.b.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookBrokerWrite); ok {
			h.OnBrokerWrite(cx.b.meta, req.Key(), n, since, err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnDead, err)
	}
	return nil
}

// readResponse reads a response from the connection, ensures the correlation
// ID is correct, and returns the response body following the header.
func (cx *brokerCxn) readResponse(key int16, corrID int32, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	cx.conn.SetReadDeadline(start.Add(timeout))
	buf, n, err := readResponse(cx.conn, corrID, cx.b.cfg.maxBrokerReadBytes)
	cx.conn.SetReadDeadline(time.Time{})
	since := time.Since(start)

	cx.b.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookBrokerRead); ok {
			h.OnBrokerRead(cx.b.meta, key, n, since, err)
		}
	})
	return buf, err
}

func readResponse(r io.Reader, corrID, maxSize int32) ([]byte, int, error) {
	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrConnDead, err)
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf))
	if size < 0 {
		return nil, 4, ErrInvalidRespSize
	}
	if size > maxSize {
		return nil, 4, fmt.Errorf("%w: %d is larger than the max read bytes %d", ErrInvalidRespSize, size, maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 4, fmt.Errorf("%w: %v", ErrConnDead, err)
	}
	n := 4 + len(buf)

	if len(buf) < 4 {
		return nil, n, kbin.ErrNotEnoughData
	}
	gotID := int32(binary.BigEndian.Uint32(buf))
	if gotID != corrID {
		return nil, n, fmt.Errorf("%w: wrote %d, read %d", ErrCorrelationIDMismatch, corrID, gotID)
	}
	return buf[4:], n, nil
}
