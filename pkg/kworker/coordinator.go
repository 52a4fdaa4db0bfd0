package kworker

import (
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ConsumerGroupMetadata is the coordinator for a consumer group as last
// reported by a broker.
type ConsumerGroupMetadata struct {
	CoordinatorID   int32
	CoordinatorHost string
	CoordinatorPort int32

	// ErrorCode is the error code from the coordinator lookup. If the
	// lookup exhausted its retries, this is the last code seen.
	ErrorCode int16
}

// Err returns the error for the metadata's error code, if any.
func (m ConsumerGroupMetadata) Err() error {
	return kerr.ErrorForCode(m.ErrorCode)
}

// resolveCoordinator returns the live broker coordinating group.
//
// For the worker's own group, cached metadata that still points at a live
// broker is returned without any request. Otherwise the coordinator is looked
// up with the coordinator retry policy and, for the worker's own group, the
// result is cached. If the result does not match a live broker and
// useFirstBrokerAsFallback is set, the first known broker is returned;
// otherwise nil.
func (s *workerState) resolveCoordinator(group string, useFirstBrokerAsFallback bool) *broker {
	own := s.group != "" && group == s.group

	if own && s.groupMeta.ErrorCode == 0 && s.groupMeta.CoordinatorHost != "" {
		if b := s.brokerByHostPort(s.groupMeta.CoordinatorHost, s.groupMeta.CoordinatorPort); b != nil {
			return b
		}
	}

	meta := s.findCoordinator(group)
	if own {
		s.groupMeta = meta
	}

	var b *broker
	if meta.ErrorCode == 0 {
		b = s.brokerByHostPort(meta.CoordinatorHost, meta.CoordinatorPort)
		if b == nil {
			s.cfg.logger.Log(LogLevelWarn, "coordinator is not a known broker",
				"err", &errUnknownCoordinatorBroker{group, meta.CoordinatorHost, meta.CoordinatorPort},
			)
		}
	}
	if b == nil && useFirstBrokerAsFallback {
		b = s.firstBroker()
		if b != nil {
			s.cfg.logger.Log(LogLevelInfo, "falling back to first broker for unresolved coordinator", "group", group, "broker", b.meta.NodeID)
		}
	}
	return b
}

// findCoordinator issues FindCoordinator requests for group with the
// coordinator retry policy. Every attempt uses a fresh correlation ID and the
// next broker in rotation. On exhaustion the returned metadata carries the
// last error code seen; if every attempt failed in transport, the code is
// COORDINATOR_NOT_AVAILABLE.
func (s *workerState) findCoordinator(group string) ConsumerGroupMetadata {
	meta := ConsumerGroupMetadata{
		CoordinatorID: -1,
		ErrorCode:     kerr.CoordinatorNotAvailable.Code,
	}
	s.cfg.coordinatorRetry.do(s.cfg.logger, "find coordinator "+group, func() error {
		b := s.anyBroker()
		if b == nil {
			return ErrNoBrokers
		}
		req := kmsg.NewPtrFindCoordinatorRequest()
		req.CoordinatorKey = group
		req.CoordinatorType = 0
		kresp, err := s.request(b, req)
		if err != nil {
			return err
		}
		resp := kresp.(*kmsg.FindCoordinatorResponse)
		meta = ConsumerGroupMetadata{
			CoordinatorID:   resp.NodeID,
			CoordinatorHost: resp.Host,
			CoordinatorPort: resp.Port,
			ErrorCode:       resp.ErrorCode,
		}
		return kerr.ErrorForCode(resp.ErrorCode)
	})
	return meta
}
