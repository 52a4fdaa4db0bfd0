package kworker

import (
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	groupProtocolType = "consumer"
	groupProtocolName = "assign"
)

// JoinGroupRequest joins the worker's consumer group.
type JoinGroupRequest struct {
	// Topics are the topics this member wants to consume; they are sent
	// as consumer protocol member metadata.
	Topics []string

	// SessionTimeout is how long the coordinator waits for a heartbeat
	// before evicting the member. Zero uses the worker's SessionTimeout.
	SessionTimeout time.Duration

	// RebalanceTimeout is how long the coordinator waits for all members
	// to rejoin during a rebalance. Zero uses the session timeout.
	RebalanceTimeout time.Duration

	// MemberID is empty on the first join and the coordinator-assigned ID
	// on a rejoin.
	MemberID string
}

// GroupMember is a member of a joined group, as seen by the leader.
type GroupMember struct {
	MemberID string
	Topics   []string
}

// JoinGroupResponse is the result of a join.
type JoinGroupResponse struct {
	ErrorCode  int16
	Generation int32
	Protocol   string
	LeaderID   string
	MemberID   string

	// Members is only non-empty for the group leader.
	Members []GroupMember
}

// Err returns the error for the response's error code, if any.
func (r *JoinGroupResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// IsLeader returns whether this member was elected group leader and must
// compute assignments in the following sync.
func (r *JoinGroupResponse) IsLeader() bool { return r.LeaderID != "" && r.LeaderID == r.MemberID }

// MemberAssignment is the set of partitions a member is assigned.
type MemberAssignment struct {
	MemberID string
	Topics   map[string][]int32
}

// SyncGroupRequest completes a join. The leader passes every member's
// assignment; followers pass none.
type SyncGroupRequest struct {
	// Group is the group to sync; empty means the worker's group.
	Group       string
	Generation  int32
	MemberID    string
	Assignments []MemberAssignment
}

// SyncGroupResponse carries this member's assignment.
type SyncGroupResponse struct {
	ErrorCode  int16
	Assignment map[string][]int32
}

// Err returns the error for the response's error code, if any.
func (r *SyncGroupResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// HeartbeatRequest keeps a member alive in a group generation.
type HeartbeatRequest struct {
	// Group is the group to heartbeat; empty means the worker's group.
	Group      string
	Generation int32
	MemberID   string
}

// HeartbeatResponse is the result of a heartbeat. REBALANCE_IN_PROGRESS
// means the member must rejoin.
type HeartbeatResponse struct {
	ErrorCode int16
}

// Err returns the error for the response's error code, if any.
func (r *HeartbeatResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// LeaveGroupRequest removes a member from a group.
type LeaveGroupRequest struct {
	// Group is the group to leave; empty means the worker's group.
	Group    string
	MemberID string
}

// LeaveGroupResponse is the result of a leave.
type LeaveGroupResponse struct {
	ErrorCode int16
}

// Err returns the error for the response's error code, if any.
func (r *LeaveGroupResponse) Err() error { return kerr.ErrorForCode(r.ErrorCode) }

// groupCoordinator checks that the worker may issue group requests and
// resolves the coordinator for group, which defaults to the worker's group.
// Group requests never fall back to an arbitrary broker.
func (s *workerState) groupCoordinator(group string) (string, *broker, error) {
	if !s.groupEnabled {
		return "", nil, ErrConsumerGroupDisabled
	}
	if group == "" {
		group = s.group
	}
	b := s.resolveCoordinator(group, false)
	if b == nil {
		if group == s.group {
			if err := s.groupMeta.Err(); err != nil {
				return group, nil, fmt.Errorf("%w for group %q: %w", ErrNoCoordinator, group, err)
			}
		}
		return group, nil, fmt.Errorf("%w for group %q", ErrNoCoordinator, group)
	}
	return group, b, nil
}

func (s *workerState) joinGroup(r JoinGroupRequest) (*JoinGroupResponse, error) {
	group, b, err := s.groupCoordinator("")
	if err != nil {
		return nil, err
	}

	session := r.SessionTimeout
	if session <= 0 {
		session = s.cfg.sessionTimeout
	}
	rebalance := r.RebalanceTimeout
	if rebalance <= 0 {
		rebalance = session
	}

	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = r.Topics
	proto := kmsg.NewJoinGroupRequestProtocol()
	proto.Name = groupProtocolName
	proto.Metadata = meta.AppendTo(nil)

	req := kmsg.NewPtrJoinGroupRequest()
	req.Group = group
	req.SessionTimeoutMillis = int32(session.Milliseconds())
	req.RebalanceTimeoutMillis = int32(rebalance.Milliseconds())
	req.MemberID = r.MemberID
	req.ProtocolType = groupProtocolType
	req.Protocols = append(req.Protocols, proto)

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.JoinGroupResponse)
	if isCoordinatorErr(resp.ErrorCode) {
		s.invalidateCoordinator(group)
	}

	jr := &JoinGroupResponse{
		ErrorCode:  resp.ErrorCode,
		Generation: resp.Generation,
		LeaderID:   resp.LeaderID,
		MemberID:   resp.MemberID,
	}
	if resp.Protocol != nil {
		jr.Protocol = *resp.Protocol
	}
	for _, m := range resp.Members {
		var mm kmsg.ConsumerMemberMetadata
		if err := mm.ReadFrom(m.ProtocolMetadata); err != nil {
			s.cfg.logger.Log(LogLevelWarn, "unable to decode group member metadata", "group", group, "member", m.MemberID, "err", err)
		}
		jr.Members = append(jr.Members, GroupMember{MemberID: m.MemberID, Topics: mm.Topics})
	}
	return jr, nil
}

func (s *workerState) syncGroup(r SyncGroupRequest) (*SyncGroupResponse, error) {
	group, b, err := s.groupCoordinator(r.Group)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = group
	req.Generation = r.Generation
	req.MemberID = r.MemberID
	for _, a := range r.Assignments {
		ga := kmsg.NewSyncGroupRequestGroupAssignment()
		ga.MemberID = a.MemberID
		ga.MemberAssignment = encodeAssignment(a.Topics)
		req.GroupAssignment = append(req.GroupAssignment, ga)
	}

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.SyncGroupResponse)
	if isCoordinatorErr(resp.ErrorCode) {
		s.invalidateCoordinator(group)
	}

	sr := &SyncGroupResponse{ErrorCode: resp.ErrorCode}
	if len(resp.MemberAssignment) > 0 {
		var assn kmsg.ConsumerMemberAssignment
		if err := assn.ReadFrom(resp.MemberAssignment); err != nil {
			return nil, fmt.Errorf("unable to decode member assignment: %w", err)
		}
		sr.Assignment = make(map[string][]int32, len(assn.Topics))
		for _, t := range assn.Topics {
			sr.Assignment[t.Topic] = t.Partitions
		}
	}
	return sr, nil
}

func (s *workerState) heartbeat(r HeartbeatRequest) (*HeartbeatResponse, error) {
	group, b, err := s.groupCoordinator(r.Group)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = group
	req.Generation = r.Generation
	req.MemberID = r.MemberID

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.HeartbeatResponse)
	if isCoordinatorErr(resp.ErrorCode) {
		s.invalidateCoordinator(group)
	}
	return &HeartbeatResponse{ErrorCode: resp.ErrorCode}, nil
}

func (s *workerState) leaveGroup(r LeaveGroupRequest) (*LeaveGroupResponse, error) {
	group, b, err := s.groupCoordinator(r.Group)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = group
	req.MemberID = r.MemberID

	kresp, err := s.request(b, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.LeaveGroupResponse)
	if isCoordinatorErr(resp.ErrorCode) {
		s.invalidateCoordinator(group)
	}
	return &LeaveGroupResponse{ErrorCode: resp.ErrorCode}, nil
}

// encodeAssignment encodes topic partitions as a consumer protocol member
// assignment, with topics sorted for a stable encoding.
func encodeAssignment(topics map[string][]int32) []byte {
	assn := kmsg.NewConsumerMemberAssignment()
	for topic, partitions := range topics {
		t := kmsg.NewConsumerMemberAssignmentTopic()
		t.Topic = topic
		t.Partitions = partitions
		assn.Topics = append(assn.Topics, t)
	}
	sort.Slice(assn.Topics, func(i, j int) bool { return assn.Topics[i].Topic < assn.Topics[j].Topic })
	return assn.AppendTo(nil)
}

// isCoordinatorErr returns whether code means the broker we sent to is no
// longer the coordinator.
func isCoordinatorErr(code int16) bool {
	switch code {
	case kerr.NotCoordinator.Code, kerr.CoordinatorNotAvailable.Code:
		return true
	}
	return false
}

// invalidateCoordinator drops the cached coordinator for the worker's group so
// that the next group or offset request looks it up again.
func (s *workerState) invalidateCoordinator(group string) {
	if s.group == "" || group != s.group {
		return
	}
	s.cfg.logger.Log(LogLevelInfo, "invalidating cached coordinator", "group", group, "coordinator", s.groupMeta.CoordinatorID)
	s.groupMeta = ConsumerGroupMetadata{CoordinatorID: -1}
}
