package kworker

import "github.com/twmb/franz-go/pkg/kmsg"

// Capabilities describes which broker features a worker relies on. Different
// broker generations share all coordination logic in this package; only the
// capabilities and the pinned request versions differ.
type Capabilities struct {
	// ConsumerGroups enables group membership requests (join, sync,
	// heartbeat, leave) and the periodic coordinator refresh.
	ConsumerGroups bool

	// CoordinatorOffsets stores offsets with the group coordinator (Kafka
	// storage). If false, offsets are committed with version 0 requests
	// to the first known broker, which is how brokers before 0.8.2 stored
	// offsets.
	CoordinatorOffsets bool
}

// GroupCapabilities, the default, supports the full consumer group protocol.
func GroupCapabilities() Capabilities {
	return Capabilities{ConsumerGroups: true, CoordinatorOffsets: true}
}

// OffsetCapabilities supports coordinator offset storage but no group
// membership, matching 0.8.2 brokers.
func OffsetCapabilities() Capabilities {
	return Capabilities{CoordinatorOffsets: true}
}

// LegacyCapabilities supports neither group membership nor coordinator offset
// storage.
func LegacyCapabilities() Capabilities {
	return Capabilities{}
}

// requestVersion returns the pinned version used for a request key. Versions
// are pinned rather than negotiated so that every worker speaks one stable,
// non-flexible dialect of each request.
func (c Capabilities) requestVersion(key kmsg.Key) int16 {
	switch key {
	case kmsg.Produce:
		return 3
	case kmsg.Fetch:
		return 4
	case kmsg.ListOffsets:
		return 1
	case kmsg.Metadata:
		return 1
	case kmsg.OffsetCommit:
		if c.CoordinatorOffsets {
			return 2
		}
		return 0
	case kmsg.OffsetFetch:
		if c.CoordinatorOffsets {
			return 3
		}
		return 0
	case kmsg.FindCoordinator:
		return 1
	case kmsg.JoinGroup:
		return 2
	case kmsg.SyncGroup, kmsg.Heartbeat, kmsg.LeaveGroup:
		return 1
	default:
		return 0
	}
}
