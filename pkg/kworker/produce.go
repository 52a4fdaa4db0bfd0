package kworker

import (
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Acks is how many acknowledgements a produce waits for.
type Acks int8

const (
	// LeaderAck, the default, waits for the partition leader to write
	// the messages.
	LeaderAck Acks = iota
	// AllISRAcks waits for every in-sync replica to write the messages.
	AllISRAcks
	// NoAck does not wait for any acknowledgement; the broker sends no
	// response.
	NoAck
)

func (a Acks) wire() int16 {
	switch a {
	case AllISRAcks:
		return -1
	case NoAck:
		return 0
	default:
		return 1
	}
}

// ProduceRequest writes messages to one topic partition as a single
// uncompressed batch.
type ProduceRequest struct {
	Topic     string
	Partition int32
	Acks      Acks

	// Timeout is how long the broker may wait for acks. Zero uses the
	// worker's RequestTimeout.
	Timeout time.Duration

	Messages []Message
}

// ProduceResponse is the result of a produce. BaseOffset is the offset of the
// first message written, or -1 if unknown.
type ProduceResponse struct {
	Topic      string
	Partition  int32
	ErrorCode  int16
	BaseOffset int64
}

// Err returns the error for the response's error code, if any.
func (r *ProduceResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

func (s *workerState) produce(r ProduceRequest) (*ProduceResponse, error) {
	pr := &ProduceResponse{
		Topic:      r.Topic,
		Partition:  r.Partition,
		BaseOffset: -1,
	}
	if len(r.Messages) == 0 {
		return pr, nil
	}
	b, code := s.leaderFor(r.Topic, r.Partition)
	if b == nil {
		pr.ErrorCode = code
		return pr, nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = s.cfg.requestTimeout
	}

	req := kmsg.NewPtrProduceRequest()
	req.Acks = r.Acks.wire()
	req.TimeoutMillis = int32(timeout.Milliseconds())
	p := kmsg.NewProduceRequestTopicPartition()
	p.Partition = r.Partition
	p.Records = appendBatch(nil, r.Messages, time.Now())
	t := kmsg.NewProduceRequestTopic()
	t.Topic = r.Topic
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	nbytes := len(p.Records)
	s.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookProduceBatchWritten); ok {
			h.OnProduceBatchWritten(b.meta, r.Topic, r.Partition, len(r.Messages), nbytes)
		}
	})
	if r.Acks == NoAck {
		return pr, nil
	}
	resp := kresp.(*kmsg.ProduceResponse)

	pr.ErrorCode = kerr.UnknownTopicOrPartition.Code
	for _, t := range resp.Topics {
		if t.Topic != r.Topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == r.Partition {
				pr.ErrorCode = p.ErrorCode
				pr.BaseOffset = p.BaseOffset
			}
		}
	}
	if isLeaderErr(pr.ErrorCode) {
		s.cfg.logger.Log(LogLevelInfo, "produce hit stale leadership, refreshing metadata", "topic", r.Topic, "partition", r.Partition, "err", pr.Err())
		_ = s.refreshMetadata() // logged on failure
	}
	return pr, nil
}
