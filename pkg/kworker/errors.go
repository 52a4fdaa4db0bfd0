package kworker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConsumerGroup is returned from NewWorker when the consumer
	// group is neither a non-empty name nor disabled.
	ErrInvalidConsumerGroup = errors.New("invalid consumer group: must be a non-empty name or disabled")

	// ErrConsumerGroupDisabled is returned, before any network I/O, when a
	// request requires the worker's consumer group but the worker was
	// created with DisableConsumerGroup or with a capability profile that
	// lacks group membership. This is a misuse of the worker, not a runtime
	// condition, and retrying will never succeed.
	ErrConsumerGroupDisabled = errors.New("consumer group is disabled for this worker")

	// ErrWorkerClosed is returned for calls issued after Close.
	ErrWorkerClosed = errors.New("worker is closed")

	// ErrNoBrokers is returned when the worker has no broker to send a
	// request to.
	ErrNoBrokers = errors.New("no brokers available")

	// ErrNoCoordinator is returned from group membership requests when the
	// coordinator for the consumer group could not be resolved to a live
	// broker.
	ErrNoCoordinator = errors.New("unable to resolve consumer group coordinator")

	// ErrConnDead is returned when any dial, read or write to a broker
	// connection errors. The underlying error is wrapped alongside this
	// one.
	//
	// If this error happens, the worker closes the broker connection and
	// dials a new one on the next request to that broker.
	ErrConnDead = errors.New("connection is dead")

	// ErrInvalidRespSize is returned when the worker reads a response size
	// from a broker that is negative or larger than BrokerMaxReadBytes.
	ErrInvalidRespSize = errors.New("invalid response size")

	// ErrCorrelationIDMismatch is returned when a broker replies with a
	// different correlation ID than the one the worker wrote.
	//
	// If this error happens, the worker closes the broker connection.
	ErrCorrelationIDMismatch = errors.New("correlation ID mismatch")

	// ErrUnknownCompression is returned when a fetched batch uses a
	// compression codec this package does not know.
	ErrUnknownCompression = errors.New("unknown compression codec")
)

type errUnknownCoordinatorBroker struct {
	group string
	host  string
	port  int32
}

func (e *errUnknownCoordinatorBroker) Error() string {
	return fmt.Sprintf("Kafka replied that group %s has coordinator %s:%d,"+
		" but that broker is not in the broker list", e.group, e.host, e.port)
}

type errMetadataExhausted struct {
	attempts int
	last     error
}

func (e *errMetadataExhausted) Error() string {
	return fmt.Sprintf("unable to load metadata after %d attempts: %v", e.attempts, e.last)
}

func (e *errMetadataExhausted) Unwrap() error { return e.last }
