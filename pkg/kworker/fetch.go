package kworker

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// FetchRequest fetches messages from one topic partition.
type FetchRequest struct {
	Topic     string
	Partition int32
	Offset    int64

	// AutoCommit commits the response's LastOffset for the worker's
	// consumer group after a fetch that returned new messages.
	AutoCommit bool

	// MaxWait, MinBytes and MaxBytes override the worker's fetch options
	// when non-zero.
	MaxWait  time.Duration
	MinBytes int32
	MaxBytes int32
}

// FetchResponse is the result of a fetch.
type FetchResponse struct {
	Topic         string
	Partition     int32
	ErrorCode     int16
	HighWatermark int64

	// LastOffset is the offset to fetch next: one past the last message
	// returned, or the requested offset if nothing was returned. It is
	// nil if the partition returned an error.
	LastOffset *int64

	Messages []Message
}

// Err returns the error for the response's error code, if any.
func (r *FetchResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// isLeaderErr returns whether code means our view of partition leadership is
// stale.
func isLeaderErr(code int16) bool {
	switch code {
	case kerr.NotLeaderForPartition.Code,
		kerr.LeaderNotAvailable.Code,
		kerr.UnknownTopicOrPartition.Code,
		kerr.FencedLeaderEpoch.Code,
		kerr.UnknownLeaderEpoch.Code:
		return true
	}
	return false
}

func (s *workerState) fetch(r FetchRequest) (*FetchResponse, error) {
	if r.AutoCommit && s.group == "" {
		return nil, ErrConsumerGroupDisabled
	}

	fr := &FetchResponse{
		Topic:         r.Topic,
		Partition:     r.Partition,
		HighWatermark: -1,
	}
	b, code := s.leaderFor(r.Topic, r.Partition)
	if b == nil {
		fr.ErrorCode = code
		return fr, nil
	}

	maxWait, minBytes, maxBytes := r.MaxWait, r.MinBytes, r.MaxBytes
	if maxWait <= 0 {
		maxWait = s.cfg.fetchMaxWait
	}
	if minBytes <= 0 {
		minBytes = s.cfg.fetchMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = s.cfg.fetchMaxBytes
	}

	req := kmsg.NewPtrFetchRequest()
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(maxWait.Milliseconds())
	req.MinBytes = minBytes
	req.MaxBytes = maxBytes
	p := kmsg.NewFetchRequestTopicPartition()
	p.Partition = r.Partition
	p.FetchOffset = r.Offset
	p.PartitionMaxBytes = maxBytes
	t := kmsg.NewFetchRequestTopic()
	t.Topic = r.Topic
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.FetchResponse)

	var rp *kmsg.FetchResponseTopicPartition
	for i := range resp.Topics {
		t := &resp.Topics[i]
		if t.Topic != r.Topic {
			continue
		}
		for j := range t.Partitions {
			if t.Partitions[j].Partition == r.Partition {
				rp = &t.Partitions[j]
			}
		}
	}
	if rp == nil {
		fr.ErrorCode = kerr.UnknownTopicOrPartition.Code
		return fr, nil
	}

	fr.ErrorCode = rp.ErrorCode
	fr.HighWatermark = rp.HighWatermark
	if fr.ErrorCode != 0 {
		if isLeaderErr(fr.ErrorCode) {
			s.cfg.logger.Log(LogLevelInfo, "fetch hit stale leadership, refreshing metadata", "topic", r.Topic, "partition", r.Partition, "err", fr.Err())
			_ = s.refreshMetadata() // logged on failure
		}
		return fr, nil
	}

	dec := newBatchDecoder(s.decompressor, r.Offset)
	if err := dec.decode(rp.RecordBatches); err != nil {
		return nil, fmt.Errorf("unable to decode fetch response for %s[%d]: %w", r.Topic, r.Partition, err)
	}
	fr.Messages = dec.msgs
	nbytes := len(rp.RecordBatches)
	s.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookFetchBatchRead); ok {
			h.OnFetchBatchRead(b.meta, r.Topic, r.Partition, len(dec.msgs), nbytes)
		}
	})
	last := dec.next
	fr.LastOffset = &last

	if r.AutoCommit && last != r.Offset {
		cr, err := s.offsetCommit(OffsetCommitRequest{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    last,
		})
		switch {
		case err != nil:
			s.cfg.logger.Log(LogLevelWarn, "auto commit after fetch failed", "topic", r.Topic, "partition", r.Partition, "offset", last, "err", err)
		case cr.ErrorCode != 0:
			s.cfg.logger.Log(LogLevelWarn, "auto commit after fetch returned error", "topic", r.Topic, "partition", r.Partition, "offset", last, "err", cr.Err())
		}
	}
	return fr, nil
}
