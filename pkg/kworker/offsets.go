package kworker

import (
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// OffsetCommitRequest commits an offset for a topic partition on behalf of a
// consumer group.
type OffsetCommitRequest struct {
	// Group is the group to commit for; empty means the worker's group.
	Group     string
	Topic     string
	Partition int32
	Offset    int64
	Metadata  string

	// MemberID and Generation identify a group member committing within
	// a generation. If MemberID is empty, the commit is a simple commit
	// outside of group membership.
	MemberID   string
	Generation int32
}

// OffsetCommitResponse is the result of an offset commit.
type OffsetCommitResponse struct {
	Topic     string
	Partition int32
	ErrorCode int16
}

// Err returns the error for the response's error code, if any.
func (r *OffsetCommitResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// OffsetFetchRequest fetches the committed offset for a topic partition.
type OffsetFetchRequest struct {
	// Group is the group to fetch for; empty means the worker's group.
	Group     string
	Topic     string
	Partition int32
}

// OffsetFetchResponse is the committed offset for a topic partition. Offset
// is -1 if nothing is committed.
type OffsetFetchResponse struct {
	Topic     string
	Partition int32
	Offset    int64
	Metadata  string
	ErrorCode int16
}

// Err returns the error for the response's error code, if any.
func (r *OffsetFetchResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// ListOffsetsResponse is the offset for a timestamp in a topic partition.
type ListOffsetsResponse struct {
	Topic     string
	Partition int32
	Timestamp int64
	Offset    int64
	ErrorCode int16
}

// Err returns the error for the response's error code, if any.
func (r *ListOffsetsResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

const (
	// ListLatest lists the offset of the next message to be produced.
	ListLatest int64 = -1
	// ListEarliest lists the log start offset.
	ListEarliest int64 = -2
)

// offsetGroup returns the group an offset request is for.
func (s *workerState) offsetGroup(group string) (string, error) {
	if group != "" {
		return group, nil
	}
	if s.group == "" {
		return "", ErrConsumerGroupDisabled
	}
	return s.group, nil
}

// offsetBroker returns the broker offset requests for group go to: the
// coordinator when brokers store offsets, falling back to the first broker.
func (s *workerState) offsetBroker(group string) *broker {
	if !s.cfg.caps.CoordinatorOffsets {
		return s.firstBroker()
	}
	return s.resolveCoordinator(group, true)
}

func (s *workerState) offsetCommit(r OffsetCommitRequest) (*OffsetCommitResponse, error) {
	group, err := s.offsetGroup(r.Group)
	if err != nil {
		return nil, err
	}
	b := s.offsetBroker(group)
	if b == nil {
		return nil, ErrNoBrokers
	}

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = group
	req.Generation = -1
	if r.MemberID != "" {
		req.MemberID = r.MemberID
		req.Generation = r.Generation
	}
	req.RetentionTimeMillis = -1
	p := kmsg.NewOffsetCommitRequestTopicPartition()
	p.Partition = r.Partition
	p.Offset = r.Offset
	p.Metadata = kmsg.StringPtr(r.Metadata)
	t := kmsg.NewOffsetCommitRequestTopic()
	t.Topic = r.Topic
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.OffsetCommitResponse)

	cr := &OffsetCommitResponse{
		Topic:     r.Topic,
		Partition: r.Partition,
		ErrorCode: kerr.UnknownTopicOrPartition.Code,
	}
	for _, t := range resp.Topics {
		if t.Topic != r.Topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == r.Partition {
				cr.ErrorCode = p.ErrorCode
			}
		}
	}
	if isCoordinatorErr(cr.ErrorCode) {
		s.invalidateCoordinator(group)
	}
	if cr.ErrorCode != 0 {
		s.cfg.logger.Log(LogLevelDebug, "offset commit returned error", "group", group, "topic", r.Topic, "partition", r.Partition, "err", cr.Err())
	}
	return cr, nil
}

func (s *workerState) offsetFetch(r OffsetFetchRequest) (*OffsetFetchResponse, error) {
	group, err := s.offsetGroup(r.Group)
	if err != nil {
		return nil, err
	}
	b := s.offsetBroker(group)
	if b == nil {
		return nil, ErrNoBrokers
	}

	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = group
	t := kmsg.NewOffsetFetchRequestTopic()
	t.Topic = r.Topic
	t.Partitions = []int32{r.Partition}
	req.Topics = append(req.Topics, t)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.OffsetFetchResponse)

	fr := &OffsetFetchResponse{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    -1,
		ErrorCode: resp.ErrorCode,
	}
	if fr.ErrorCode == 0 {
		fr.ErrorCode = kerr.UnknownTopicOrPartition.Code
		for _, t := range resp.Topics {
			if t.Topic != r.Topic {
				continue
			}
			for _, p := range t.Partitions {
				if p.Partition != r.Partition {
					continue
				}
				fr.Offset = p.Offset
				fr.ErrorCode = p.ErrorCode
				if p.Metadata != nil {
					fr.Metadata = *p.Metadata
				}
			}
		}
	}
	if isCoordinatorErr(fr.ErrorCode) {
		s.invalidateCoordinator(group)
	}
	return fr, nil
}

func (s *workerState) listOffsets(topic string, partition int32, timestamp int64) (*ListOffsetsResponse, error) {
	lr := &ListOffsetsResponse{
		Topic:     topic,
		Partition: partition,
		Timestamp: timestamp,
		Offset:    -1,
	}
	b, code := s.leaderFor(topic, partition)
	if b == nil {
		lr.ErrorCode = code
		return lr, nil
	}

	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	p := kmsg.NewListOffsetsRequestTopicPartition()
	p.Partition = partition
	p.Timestamp = timestamp
	t := kmsg.NewListOffsetsRequestTopic()
	t.Topic = topic
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.ListOffsetsResponse)

	lr.ErrorCode = kerr.UnknownTopicOrPartition.Code
	for _, t := range resp.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == partition {
				lr.ErrorCode = p.ErrorCode
				lr.Offset = p.Offset
				lr.Timestamp = p.Timestamp
			}
		}
	}
	return lr, nil
}
