package kworker

import (
	"net"
	"time"
)

// Hook is a hook to be called when something happens in a worker.
//
// The base Hook interface is useless, but wherever a hook can occur, the
// worker checks if your hook implements an appropriate interface. If so, your
// hook is called.
//
// All hooks are called from the worker's actor goroutine. Hooks must be fast;
// a slow hook delays every request the worker serves.
type Hook any

type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}

// HookBrokerConnect is called after a connection to a broker is opened.
type HookBrokerConnect interface {
	// OnBrokerConnect is passed the broker metadata, how long it took to
	// dial, and either the dial's resulting net.Conn or error.
	OnBrokerConnect(meta BrokerMetadata, dialDur time.Duration, conn net.Conn, err error)
}

// HookBrokerDisconnect is called when a connection to a broker is closed.
type HookBrokerDisconnect interface {
	// OnBrokerDisconnect is passed the broker metadata and the connection
	// that is closing.
	OnBrokerDisconnect(meta BrokerMetadata, conn net.Conn)
}

// HookBrokerWrite is called after a write to a broker.
type HookBrokerWrite interface {
	// OnBrokerWrite is passed the broker metadata, the key for the request
	// that was written, the number of bytes written, how long the write
	// took, and any error.
	OnBrokerWrite(meta BrokerMetadata, key int16, bytesWritten int, timeToWrite time.Duration, err error)
}

// HookBrokerRead is called after a read from a broker.
type HookBrokerRead interface {
	// OnBrokerRead is passed the broker metadata, the key for the response
	// that was read, the number of bytes read, how long the read took
	// (including waiting for the broker), and any error.
	OnBrokerRead(meta BrokerMetadata, key int16, bytesRead int, timeToRead time.Duration, err error)
}

// HookMetadataRefresh is called after every metadata refresh attempt, be it
// from startup, the refresh ticker, or an inline refresh for an unknown
// partition leader.
type HookMetadataRefresh interface {
	// OnMetadataRefresh is passed how long the refresh took, the number of
	// brokers in the new metadata, and any error. On error, the previous
	// metadata stays in place.
	OnMetadataRefresh(dur time.Duration, nbrokers int, err error)
}

// HookProduceBatchWritten is called after a batch is produced. With acks
// enabled, this is after the broker replied, whatever the reply's error code.
type HookProduceBatchWritten interface {
	// OnProduceBatchWritten is passed the leader's metadata, the topic
	// and partition produced to, the number of messages in the batch,
	// and the batch's encoded size.
	OnProduceBatchWritten(meta BrokerMetadata, topic string, partition int32, messages, bytes int)
}

// HookFetchBatchRead is called after a fetched partition is decoded.
type HookFetchBatchRead interface {
	// OnFetchBatchRead is passed the leader's metadata, the topic and
	// partition fetched, the number of messages returned, and the size
	// of the record batches as they came over the wire.
	OnFetchBatchRead(meta BrokerMetadata, topic string, partition int32, messages, bytes int)
}
