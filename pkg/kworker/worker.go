package kworker

import (
	"context"
	"sync"
	"time"
)

// Worker is a long lived Kafka client that owns its broker connections and
// serializes every request through a single goroutine.
//
// Each worker keeps one correlation ID counter, one broker directory and one
// cached coordinator for its consumer group. Requests from any number of
// goroutines are queued and run one at a time, interleaved with the periodic
// metadata and consumer group refreshes. A request that is running always
// runs to completion; contexts only bound how long a caller waits.
type Worker struct {
	cfg cfg

	inbox chan func(*workerState)
	die   chan struct{}
	dead  chan struct{}

	closeOnce sync.Once
}

// NewWorker returns a new worker, blocking until cluster metadata is loaded.
//
// Metadata is requested from the seed brokers with the MetadataRetries
// policy; if every attempt fails, NewWorker returns the last error. An empty
// consumer group returns ErrInvalidConsumerGroup.
func NewWorker(opts ...Opt) (*Worker, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:   cfg,
		inbox: make(chan func(*workerState)),
		die:   make(chan struct{}),
		dead:  make(chan struct{}),
	}

	s, err := newWorkerState(&w.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.loadInitialMetadata(); err != nil {
		s.close()
		return nil, err
	}

	go w.loop(s)
	return w, nil
}

// loop is the worker's actor. It is the only goroutine that touches s.
func (w *Worker) loop(s *workerState) {
	defer close(w.dead)
	defer s.close()

	metaTicker := time.NewTicker(w.cfg.metadataInterval)
	defer metaTicker.Stop()

	// A nil channel never fires, leaving the group tick unscheduled.
	var groupTick <-chan time.Time
	if s.groupEnabled {
		groupTicker := time.NewTicker(w.cfg.groupInterval)
		defer groupTicker.Stop()
		groupTick = groupTicker.C
	}

	for {
		select {
		case fn := <-w.inbox:
			fn(s)
		case <-metaTicker.C:
			s.onMetadataTick()
		case <-groupTick:
			s.onConsumerGroupTick()
		case <-w.die:
			return
		}
	}
}

// do runs fn on the worker's actor and waits for it to finish.
func (w *Worker) do(ctx context.Context, fn func(*workerState)) error {
	done := make(chan struct{})
	wrapped := func(s *workerState) {
		defer close(done)
		fn(s)
	}
	select {
	case <-w.die:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.inbox <- wrapped:
	case <-w.die:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on w's actor and returns its results.
func call[T any](ctx context.Context, w *Worker, fn func(*workerState) (T, error)) (T, error) {
	var (
		r   T
		err error
	)
	if doErr := w.do(ctx, func(s *workerState) { r, err = fn(s) }); doErr != nil {
		var zero T
		return zero, doErr
	}
	return r, err
}

// Close stops the worker's refresh tickers, waits for any running request to
// finish, and closes every broker connection. Calls after Close return
// ErrWorkerClosed.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.die) })
	<-w.dead
}

// Fetch fetches messages from the leader of a topic partition.
//
// Protocol errors are returned in the response's ErrorCode; only transport
// failures return an error. If the partition leader is unknown even after an
// inline metadata refresh, the response carries UNKNOWN_TOPIC_OR_PARTITION.
func (w *Worker) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	return call(ctx, w, func(s *workerState) (*FetchResponse, error) { return s.fetch(req) })
}

// Produce writes messages to the leader of a topic partition.
func (w *Worker) Produce(ctx context.Context, req ProduceRequest) (*ProduceResponse, error) {
	return call(ctx, w, func(s *workerState) (*ProduceResponse, error) { return s.produce(req) })
}

// OffsetCommit commits an offset to the group's coordinator, falling back to
// the first known broker if the coordinator cannot be resolved.
func (w *Worker) OffsetCommit(ctx context.Context, req OffsetCommitRequest) (*OffsetCommitResponse, error) {
	return call(ctx, w, func(s *workerState) (*OffsetCommitResponse, error) { return s.offsetCommit(req) })
}

// OffsetFetch fetches a committed offset from the group's coordinator,
// falling back to the first known broker if the coordinator cannot be
// resolved.
func (w *Worker) OffsetFetch(ctx context.Context, req OffsetFetchRequest) (*OffsetFetchResponse, error) {
	return call(ctx, w, func(s *workerState) (*OffsetFetchResponse, error) { return s.offsetFetch(req) })
}

// JoinGroup joins the worker's consumer group. This returns
// ErrConsumerGroupDisabled, without any network I/O, if the worker has no
// consumer group.
func (w *Worker) JoinGroup(ctx context.Context, req JoinGroupRequest) (*JoinGroupResponse, error) {
	return call(ctx, w, func(s *workerState) (*JoinGroupResponse, error) { return s.joinGroup(req) })
}

// SyncGroup syncs a joined member. This returns ErrConsumerGroupDisabled,
// without any network I/O, if the worker has no consumer group.
func (w *Worker) SyncGroup(ctx context.Context, req SyncGroupRequest) (*SyncGroupResponse, error) {
	return call(ctx, w, func(s *workerState) (*SyncGroupResponse, error) { return s.syncGroup(req) })
}

// Heartbeat heartbeats a joined member. This returns
// ErrConsumerGroupDisabled, without any network I/O, if the worker has no
// consumer group.
func (w *Worker) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	return call(ctx, w, func(s *workerState) (*HeartbeatResponse, error) { return s.heartbeat(req) })
}

// LeaveGroup removes a member from a group. This returns
// ErrConsumerGroupDisabled, without any network I/O, if the worker has no
// consumer group.
func (w *Worker) LeaveGroup(ctx context.Context, req LeaveGroupRequest) (*LeaveGroupResponse, error) {
	return call(ctx, w, func(s *workerState) (*LeaveGroupResponse, error) { return s.leaveGroup(req) })
}

// ListOffsets returns the offset for timestamp in a topic partition. Use
// ListEarliest or ListLatest for the log start or end.
func (w *Worker) ListOffsets(ctx context.Context, topic string, partition int32, timestamp int64) (*ListOffsetsResponse, error) {
	return call(ctx, w, func(s *workerState) (*ListOffsetsResponse, error) { return s.listOffsets(topic, partition, timestamp) })
}

// EarliestOffset returns the log start offset of a topic partition.
func (w *Worker) EarliestOffset(ctx context.Context, topic string, partition int32) (*ListOffsetsResponse, error) {
	return w.ListOffsets(ctx, topic, partition, ListEarliest)
}

// LatestOffset returns the offset of the next message produced to a topic
// partition.
func (w *Worker) LatestOffset(ctx context.Context, topic string, partition int32) (*ListOffsetsResponse, error) {
	return w.ListOffsets(ctx, topic, partition, ListLatest)
}

// ConsumerGroupMetadata returns the coordinator for the worker's consumer
// group, looking it up first if the cached coordinator is missing or no
// longer a live broker.
func (w *Worker) ConsumerGroupMetadata(ctx context.Context) (ConsumerGroupMetadata, error) {
	return call(ctx, w, func(s *workerState) (ConsumerGroupMetadata, error) {
		if s.group == "" {
			return ConsumerGroupMetadata{}, ErrConsumerGroupDisabled
		}
		s.resolveCoordinator(s.group, false)
		return s.groupMeta, nil
	})
}

// Metadata returns the current metadata snapshot. The snapshot is shared and
// must not be modified.
func (w *Worker) Metadata(ctx context.Context) (*Metadata, error) {
	return call(ctx, w, func(s *workerState) (*Metadata, error) { return s.meta, nil })
}

// RefreshMetadata refreshes metadata immediately rather than waiting for the
// next MetadataUpdateInterval tick.
func (w *Worker) RefreshMetadata(ctx context.Context) (*Metadata, error) {
	return call(ctx, w, func(s *workerState) (*Metadata, error) {
		if err := s.refreshMetadata(); err != nil {
			return nil, err
		}
		return s.meta, nil
	})
}

// CorrelationID returns the correlation ID the worker will use for its next
// request.
func (w *Worker) CorrelationID(ctx context.Context) (int32, error) {
	return call(ctx, w, func(s *workerState) (int32, error) { return s.correlationID, nil })
}

// ConsumerGroup returns the worker's consumer group, or an empty string if
// the consumer group is disabled.
func (w *Worker) ConsumerGroup() string {
	return w.cfg.group
}

// ConsumerGroupEnabled returns whether the worker may issue group membership
// requests.
func (w *Worker) ConsumerGroupEnabled() bool {
	return w.cfg.groupEnabled()
}
