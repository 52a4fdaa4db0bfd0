package kworker

import (
	"context"
	"iter"
)

// StreamRequest configures a stream over one topic partition.
type StreamRequest struct {
	Topic     string
	Partition int32

	// Offset is the first offset to fetch.
	Offset int64

	// AutoCommit commits the stream's position before every fetch.
	AutoCommit bool

	// ConsumerGroup is the group auto commits are for; empty means the
	// worker's group.
	ConsumerGroup string
}

// Stream is a lazy, pull driven sequence of message batches from one topic
// partition. Each call to Next blocks on at most one commit and one fetch.
//
// A stream halts the first time a fetch returns an error or returns no new
// messages, and it stays halted: reaching the end of a partition and a
// failing fetch both stop the sequence. To resume, create a new stream,
// usually from the last committed offset.
//
// With AutoCommit, a pull commits the offset it is about to fetch, before
// fetching it. The commit marks everything prior as consumed even though the
// batch it precedes has not been delivered yet: a consumer that crashes while
// processing a batch will not see that batch again from the committed offset
// one pull later. This is at-most-once delivery for the batch in flight.
//
// A stream is not safe for concurrent use.
type Stream struct {
	w   *Worker
	req StreamRequest

	offset int64
	halted bool
	err    error
}

// NewStream returns a stream starting at req.Offset. This returns
// ErrConsumerGroupDisabled if req asks for auto commits but there is no
// group to commit for.
func (w *Worker) NewStream(req StreamRequest) (*Stream, error) {
	if req.AutoCommit && req.ConsumerGroup == "" && w.cfg.group == "" {
		return nil, ErrConsumerGroupDisabled
	}
	return &Stream{
		w:      w,
		req:    req,
		offset: req.Offset,
	}, nil
}

// Next returns the next batch of messages, or false once the stream has
// halted. A returned batch may be empty if the partition advanced past
// records that are never delivered, such as transaction markers.
func (st *Stream) Next(ctx context.Context) ([]Message, bool) {
	if st.halted {
		return nil, false
	}
	logger := st.w.cfg.logger

	if st.req.AutoCommit {
		resp, err := st.w.OffsetCommit(ctx, OffsetCommitRequest{
			Group:     st.req.ConsumerGroup,
			Topic:     st.req.Topic,
			Partition: st.req.Partition,
			Offset:    st.offset,
		})
		switch {
		case err != nil:
			logger.Log(LogLevelWarn, "stream auto commit failed", "topic", st.req.Topic, "partition", st.req.Partition, "offset", st.offset, "err", err)
		case resp.ErrorCode != 0:
			logger.Log(LogLevelWarn, "stream auto commit returned error", "topic", st.req.Topic, "partition", st.req.Partition, "offset", st.offset, "err", resp.Err())
		}
	}

	resp, err := st.w.Fetch(ctx, FetchRequest{
		Topic:     st.req.Topic,
		Partition: st.req.Partition,
		Offset:    st.offset,
	})
	if err != nil {
		st.halt(err)
		return nil, false
	}
	if resp.ErrorCode != 0 || resp.LastOffset == nil || *resp.LastOffset == st.offset {
		st.halt(resp.Err())
		return nil, false
	}

	st.offset = *resp.LastOffset
	return resp.Messages, true
}

func (st *Stream) halt(err error) {
	st.halted = true
	st.err = err
	st.w.cfg.logger.Log(LogLevelDebug, "stream halted", "topic", st.req.Topic, "partition", st.req.Partition, "offset", st.offset, "err", err)
}

// All returns an iterator over the stream's remaining batches. Iteration
// stops when the stream halts or the loop breaks; breaking does not halt the
// stream.
func (st *Stream) All(ctx context.Context) iter.Seq[[]Message] {
	return func(yield func([]Message) bool) {
		for {
			msgs, ok := st.Next(ctx)
			if !ok || !yield(msgs) {
				return
			}
		}
	}
}

// Offset returns the offset the stream fetches next.
func (st *Stream) Offset() int64 { return st.offset }

// Halted returns whether the stream has stopped for good.
func (st *Stream) Halted() bool { return st.halted }

// Err returns the error that halted the stream. This is nil if the stream
// is running or halted because there were no new messages.
func (st *Stream) Err() error { return st.err }
