package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kwire/kworker/pkg/kworker"
)

var (
	offsetsTopic     string
	offsetsPartition int32
	offsetsGroup     string
	offsetsLegacy    bool
)

var offsetsCmd = &cobra.Command{
	Use:   "offsets",
	Short: "Fetch, commit, or list partition offsets",
}

// offsetsWorker returns a worker for offset requests on behalf of --group,
// without group membership.
func offsetsWorker() (*kworker.Worker, error) {
	caps := kworker.OffsetCapabilities()
	if offsetsLegacy {
		caps = kworker.LegacyCapabilities()
	}
	return newWorker(kworker.ConsumerGroup(offsetsGroup), kworker.WithCapabilities(caps))
}

var offsetsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Print a group's committed offset for a partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, err := offsetsWorker()
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		resp, err := w.OffsetFetch(ctx, kworker.OffsetFetchRequest{Topic: offsetsTopic, Partition: offsetsPartition})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("offset fetch failed: %w", err)
		}
		fmt.Printf("%s\t%s[%d]\t%d\t%s\n", offsetsGroup, offsetsTopic, offsetsPartition, resp.Offset, resp.Metadata)
		return nil
	},
}

var offsetsCommitMetadata string

var offsetsCommitCmd = &cobra.Command{
	Use:   "commit OFFSET",
	Short: "Commit an offset for a partition on behalf of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var offset int64
		if _, err := fmt.Sscan(args[0], &offset); err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[0], err)
		}

		w, err := offsetsWorker()
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		resp, err := w.OffsetCommit(ctx, kworker.OffsetCommitRequest{
			Topic:     offsetsTopic,
			Partition: offsetsPartition,
			Offset:    offset,
			Metadata:  offsetsCommitMetadata,
		})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("offset commit failed: %w", err)
		}
		return nil
	},
}

var offsetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print a partition's earliest and latest offsets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, err := newWorker(kworker.DisableConsumerGroup())
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		earliest, err := w.EarliestOffset(ctx, offsetsTopic, offsetsPartition)
		if err != nil {
			return err
		}
		latest, err := w.LatestOffset(ctx, offsetsTopic, offsetsPartition)
		if err != nil {
			return err
		}
		for _, r := range []*kworker.ListOffsetsResponse{earliest, latest} {
			if err := r.Err(); err != nil {
				return fmt.Errorf("list offsets failed: %w", err)
			}
		}
		fmt.Printf("%s[%d]\tearliest %d\tlatest %d\n", offsetsTopic, offsetsPartition, earliest.Offset, latest.Offset)
		return nil
	},
}

func init() {
	offsetsCmd.PersistentFlags().StringVarP(&offsetsTopic, "topic", "t", "", "topic")
	offsetsCmd.PersistentFlags().Int32VarP(&offsetsPartition, "partition", "p", 0, "partition")
	offsetsCmd.MarkPersistentFlagRequired("topic")

	for _, c := range []*cobra.Command{offsetsFetchCmd, offsetsCommitCmd} {
		c.Flags().StringVarP(&offsetsGroup, "group", "g", "", "consumer group")
		c.Flags().BoolVar(&offsetsLegacy, "legacy", false, "use version 0 offset requests to the first broker")
		c.MarkFlagRequired("group")
	}
	offsetsCommitCmd.Flags().StringVar(&offsetsCommitMetadata, "metadata", "", "metadata to commit with the offset")

	offsetsCmd.AddCommand(offsetsFetchCmd)
	offsetsCmd.AddCommand(offsetsCommitCmd)
	offsetsCmd.AddCommand(offsetsListCmd)
}
