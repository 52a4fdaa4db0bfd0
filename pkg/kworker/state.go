package kworker

import (
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kwire/kworker/pkg/kworker/internal/compress"
)

// workerState is everything a worker mutates. It is only ever touched from
// the worker's actor goroutine, so nothing here is locked.
type workerState struct {
	cfg *cfg

	meta    *Metadata
	brokers []*broker
	metaIdx int
	anyIdx  int

	// correlationID is the ID for the next request. It increments once
	// per request attempt, including failed ones.
	correlationID int32

	group        string
	groupEnabled bool
	groupMeta    ConsumerGroupMetadata

	decompressor *compress.Decompressor
}

func newWorkerState(cfg *cfg) (*workerState, error) {
	s := &workerState{
		cfg:          cfg,
		group:        cfg.group,
		groupEnabled: cfg.groupEnabled(),
		groupMeta:    ConsumerGroupMetadata{CoordinatorID: -1},
		decompressor: compress.NewDecompressor(),
	}
	for i, seed := range cfg.seedBrokers {
		hp, err := parseBrokerAddr(seed)
		if err != nil {
			return nil, err
		}
		s.brokers = append(s.brokers, newBroker(cfg, BrokerMetadata{
			NodeID: unknownSeedID(i),
			Host:   hp.host,
			Port:   hp.port,
		}))
	}
	return s, nil
}

// request stamps req with the pinned version for its key and the next
// correlation ID, then round trips it to b.
func (s *workerState) request(b *broker, req kmsg.Request) (kmsg.Response, error) {
	req.SetVersion(s.cfg.caps.requestVersion(kmsg.Key(req.Key())))
	corrID := s.correlationID
	s.correlationID++
	return b.roundTrip(req, corrID)
}

// close closes every broker connection.
func (s *workerState) close() {
	for _, b := range s.brokers {
		b.closeCxn()
	}
	s.decompressor.Close()
}

// onMetadataTick refreshes metadata, keeping the previous snapshot on
// failure.
func (s *workerState) onMetadataTick() {
	_ = s.refreshMetadata() // logged on failure
}

// onConsumerGroupTick re-resolves the worker's group coordinator.
func (s *workerState) onConsumerGroupTick() {
	if !s.groupEnabled {
		return
	}
	s.groupMeta = s.findCoordinator(s.group)
}
