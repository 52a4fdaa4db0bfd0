package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kwire/kworker/pkg/kworker"
)

var (
	groupName    string
	groupTopics  []string
	groupSession time.Duration
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Consumer group membership",
}

var groupJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a group, print the assignment, and leave",
	Long: `Join runs one membership round: join, sync (assigning every partition of
every topic to this member if it leads), one heartbeat, and leave.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if groupName == "" {
			groupName = "kworker-" + uuid.NewString()
		}
		w, err := newWorker(kworker.ConsumerGroup(groupName), kworker.SessionTimeout(groupSession))
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout+groupSession)
		defer cancel()

		join, err := w.JoinGroup(ctx, kworker.JoinGroupRequest{Topics: groupTopics})
		if err != nil {
			return err
		}
		if err := join.Err(); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}
		log.WithFields(logrus.Fields{
			"group":      groupName,
			"member":     join.MemberID,
			"generation": join.Generation,
			"leader":     join.IsLeader(),
		}).Info("joined group")

		var assignments []kworker.MemberAssignment
		if join.IsLeader() {
			if assignments, err = assignAll(ctx, w, join.Members); err != nil {
				return err
			}
		}
		sync, err := w.SyncGroup(ctx, kworker.SyncGroupRequest{
			Generation:  join.Generation,
			MemberID:    join.MemberID,
			Assignments: assignments,
		})
		if err != nil {
			return err
		}
		if err := sync.Err(); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		for topic, partitions := range sync.Assignment {
			fmt.Printf("%s\t%s\t%v\n", join.MemberID, topic, partitions)
		}

		hb, err := w.Heartbeat(ctx, kworker.HeartbeatRequest{Generation: join.Generation, MemberID: join.MemberID})
		if err != nil {
			return err
		}
		if err := hb.Err(); err != nil {
			log.WithError(err).Warn("heartbeat failed")
		}

		leave, err := w.LeaveGroup(ctx, kworker.LeaveGroupRequest{MemberID: join.MemberID})
		if err != nil {
			return err
		}
		return leave.Err()
	},
}

// assignAll round robins every partition of every member's topics across the
// members that asked for them.
func assignAll(ctx context.Context, w *kworker.Worker, members []kworker.GroupMember) ([]kworker.MemberAssignment, error) {
	meta, err := w.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	assignments := make([]kworker.MemberAssignment, len(members))
	interested := make(map[string][]int)
	for i, m := range members {
		assignments[i] = kworker.MemberAssignment{MemberID: m.MemberID, Topics: make(map[string][]int32)}
		for _, t := range m.Topics {
			interested[t] = append(interested[t], i)
		}
	}
	for topic, idxs := range interested {
		for n, p := range meta.Topics[topic] {
			a := assignments[idxs[n%len(idxs)]]
			a.Topics[topic] = append(a.Topics[topic], p.Partition)
		}
	}
	return assignments, nil
}

func init() {
	groupJoinCmd.Flags().StringVarP(&groupName, "group", "g", "", "group to join (generated if empty)")
	groupJoinCmd.Flags().StringSliceVarP(&groupTopics, "topic", "t", nil, "topics to subscribe to")
	groupJoinCmd.Flags().DurationVar(&groupSession, "session-timeout", 10*time.Second, "group session timeout")
	groupJoinCmd.MarkFlagRequired("topic")

	groupCmd.AddCommand(groupJoinCmd)
}
