package kworker

import (
	"errors"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// BrokerMetadata is metadata for a broker.
type BrokerMetadata struct {
	// NodeID is the broker node ID. Seed brokers have negative node IDs
	// until the first metadata load replaces them.
	NodeID int32

	// Host and Port are the address the worker dials. Two brokers with the
	// same host and port are the same broker.
	Host string
	Port int32
}

// PartitionMetadata is the leadership state of a single partition.
type PartitionMetadata struct {
	Partition int32
	Leader    int32
	ErrorCode int16
}

// Metadata is an immutable snapshot of the cluster as returned by a single
// metadata response. Every refresh replaces the snapshot wholesale.
type Metadata struct {
	Brokers []BrokerMetadata
	Topics  map[string][]PartitionMetadata

	// TopicErrors holds the error code for topics that failed to load.
	TopicErrors map[string]int16
}

// Leader returns the leader node ID for a topic partition, and whether the
// partition is known with a leader.
func (m *Metadata) Leader(topic string, partition int32) (int32, bool) {
	if m == nil {
		return -1, false
	}
	for _, p := range m.Topics[topic] {
		if p.Partition == partition {
			return p.Leader, p.Leader >= 0 && p.ErrorCode == 0
		}
	}
	return -1, false
}

// partitionErr returns the error code stored for a topic partition, if any.
func (m *Metadata) partitionErr(topic string, partition int32) int16 {
	if m == nil {
		return kerr.UnknownTopicOrPartition.Code
	}
	if code, ok := m.TopicErrors[topic]; ok {
		return code
	}
	for _, p := range m.Topics[topic] {
		if p.Partition == partition {
			if p.ErrorCode != 0 {
				return p.ErrorCode
			}
			if p.Leader < 0 {
				return kerr.LeaderNotAvailable.Code
			}
			return 0
		}
	}
	return kerr.UnknownTopicOrPartition.Code
}

func metadataFromResponse(resp *kmsg.MetadataResponse) *Metadata {
	m := &Metadata{
		Topics:      make(map[string][]PartitionMetadata, len(resp.Topics)),
		TopicErrors: make(map[string]int16),
	}
	for _, b := range resp.Brokers {
		m.Brokers = append(m.Brokers, BrokerMetadata{
			NodeID: b.NodeID,
			Host:   b.Host,
			Port:   b.Port,
		})
	}
	sort.Slice(m.Brokers, func(i, j int) bool { return m.Brokers[i].NodeID < m.Brokers[j].NodeID })

	for _, t := range resp.Topics {
		if t.Topic == nil {
			continue
		}
		topic := *t.Topic
		if t.ErrorCode != 0 {
			m.TopicErrors[topic] = t.ErrorCode
			continue
		}
		parts := make([]PartitionMetadata, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			parts = append(parts, PartitionMetadata{
				Partition: p.Partition,
				Leader:    p.Leader,
				ErrorCode: p.ErrorCode,
			})
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].Partition < parts[j].Partition })
		m.Topics[topic] = parts
	}
	return m
}

var errNoMetadataBrokers = errors.New("metadata response contained no brokers")

// refreshMetadata requests metadata for all topics from the first broker that
// answers, starting from a rotating index, and replaces the directory. On
// failure the previous directory stays in place.
func (s *workerState) refreshMetadata() error {
	start := time.Now()
	meta, err := s.requestMetadata()
	nbrokers := 0
	if err == nil {
		nbrokers = len(meta.Brokers)
		s.updateBrokers(meta)
	}
	since := time.Since(start)

	s.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookMetadataRefresh); ok {
			h.OnMetadataRefresh(since, nbrokers, err)
		}
	})
	if err != nil {
		s.cfg.logger.Log(LogLevelWarn, "metadata refresh failed", "err", err)
		return err
	}
	s.cfg.logger.Log(LogLevelInfo, "metadata refreshed",
		"brokers", nbrokers,
		"topics", len(meta.Topics),
		"time_since", since,
	)
	return nil
}

func (s *workerState) requestMetadata() (*Metadata, error) {
	if len(s.brokers) == 0 {
		return nil, ErrNoBrokers
	}
	var lastErr error
	for i := range s.brokers {
		b := s.brokers[(s.metaIdx+i)%len(s.brokers)]
		resp, err := s.request(b, kmsg.NewPtrMetadataRequest())
		if err != nil {
			lastErr = err
			continue
		}
		meta := metadataFromResponse(resp.(*kmsg.MetadataResponse))
		if len(meta.Brokers) == 0 {
			lastErr = errNoMetadataBrokers
			continue
		}
		s.metaIdx = (s.metaIdx + i + 1) % len(s.brokers)
		return meta, nil
	}
	return nil, lastErr
}

// updateBrokers installs a new metadata snapshot and the broker set it
// describes. Brokers whose host and port survive keep their connection; the
// rest are closed.
func (s *workerState) updateBrokers(meta *Metadata) {
	existing := make(map[hostport]*broker, len(s.brokers))
	for _, b := range s.brokers {
		existing[b.hostport()] = b
	}

	brokers := make([]*broker, 0, len(meta.Brokers))
	for _, bm := range meta.Brokers {
		hp := hostport{bm.Host, bm.Port}
		b, exists := existing[hp]
		if exists {
			delete(existing, hp)
			b.meta = bm
		} else {
			b = newBroker(s.cfg, bm)
		}
		brokers = append(brokers, b)
	}
	for _, b := range existing {
		b.closeCxn()
	}

	s.brokers = brokers
	s.meta = meta
	if s.metaIdx >= len(brokers) {
		s.metaIdx = 0
	}
}

// brokerByID returns the live broker with the given node ID.
func (s *workerState) brokerByID(id int32) *broker {
	for _, b := range s.brokers {
		if b.meta.NodeID == id {
			return b
		}
	}
	return nil
}

// brokerByHostPort returns the live broker at the given address.
func (s *workerState) brokerByHostPort(host string, port int32) *broker {
	hp := hostport{host, port}
	for _, b := range s.brokers {
		if b.hostport() == hp {
			return b
		}
	}
	return nil
}

// firstBroker returns the first known broker.
func (s *workerState) firstBroker() *broker {
	if len(s.brokers) == 0 {
		return nil
	}
	return s.brokers[0]
}

// anyBroker returns brokers in rotation for requests any broker can answer.
func (s *workerState) anyBroker() *broker {
	if len(s.brokers) == 0 {
		return nil
	}
	b := s.brokers[s.anyIdx%len(s.brokers)]
	s.anyIdx = (s.anyIdx + 1) % len(s.brokers)
	return b
}

// leaderFor returns the leader for a topic partition, refreshing metadata
// once inline if the leader is unknown. If the leader is still unknown, the
// returned error code explains why.
func (s *workerState) leaderFor(topic string, partition int32) (*broker, int16) {
	if id, ok := s.meta.Leader(topic, partition); ok {
		if b := s.brokerByID(id); b != nil {
			return b, 0
		}
	}

	s.cfg.logger.Log(LogLevelInfo, "partition leader unknown, refreshing metadata", "topic", topic, "partition", partition)
	if err := s.refreshMetadata(); err != nil {
		s.cfg.logger.Log(LogLevelWarn, "inline metadata refresh failed", "topic", topic, "partition", partition, "err", err)
	}

	if id, ok := s.meta.Leader(topic, partition); ok {
		if b := s.brokerByID(id); b != nil {
			return b, 0
		}
	}
	code := s.meta.partitionErr(topic, partition)
	if code == 0 {
		code = kerr.UnknownTopicOrPartition.Code
	}
	return nil, code
}

// loadInitialMetadata performs the blocking startup metadata load with the
// configured retry policy.
func (s *workerState) loadInitialMetadata() error {
	var attempts int
	err := s.cfg.metadataRetry.do(s.cfg.logger, "initial metadata load", func() error {
		attempts++
		return s.refreshMetadata()
	})
	if err != nil {
		return &errMetadataExhausted{attempts, err}
	}
	return nil
}
