package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kwire/kworker/pkg/kworker"
	"github.com/kwire/kworker/plugin/kprom"
)

var (
	consumeTopic       string
	consumePartition   int32
	consumeOffset      int64
	consumeGroup       string
	consumeAutoCommit  bool
	consumeFromCommit  bool
	consumeFollow      bool
	consumePoll        time.Duration
	consumeMetricsAddr string
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Stream messages from a partition until it has nothing new",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		group := consumeGroup
		if group == "" && (consumeAutoCommit || consumeFromCommit) {
			group = "kworker-" + uuid.NewString()
			log.WithField("group", group).Info("using generated consumer group")
		}
		opts := []kworker.Opt{groupOpt(group)}

		if consumeMetricsAddr != "" {
			m := kprom.NewMetrics("kworker")
			opts = append(opts, kworker.WithHooks(m))
			srv := &http.Server{Addr: consumeMetricsAddr, Handler: m.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		w, err := newWorker(opts...)
		if err != nil {
			return err
		}
		defer w.Close()

		offset := consumeOffset
		if consumeFromCommit {
			if offset, err = committedOffset(ctx, w); err != nil {
				return err
			}
		}

		for {
			st, err := w.NewStream(kworker.StreamRequest{
				Topic:      consumeTopic,
				Partition:  consumePartition,
				Offset:     offset,
				AutoCommit: consumeAutoCommit,
			})
			if err != nil {
				return err
			}
			for batch := range st.All(ctx) {
				for _, m := range batch {
					fmt.Printf("%d\t%s\t%s\n", m.Offset, m.Key, m.Value)
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := st.Err(); err != nil {
				return fmt.Errorf("stream over %s[%d] halted at offset %d: %w", consumeTopic, consumePartition, st.Offset(), err)
			}
			if !consumeFollow {
				return nil
			}

			// A halted stream stays halted; following resumes with a
			// new stream from where the last one stopped.
			offset = st.Offset()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumePoll):
			}
		}
	},
}

// committedOffset returns the group's committed offset for the partition, or
// the partition's earliest offset if nothing is committed.
func committedOffset(ctx context.Context, w *kworker.Worker) (int64, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetched, err := w.OffsetFetch(rctx, kworker.OffsetFetchRequest{Topic: consumeTopic, Partition: consumePartition})
	if err != nil {
		return 0, err
	}
	if fetched.ErrorCode == 0 && fetched.Offset >= 0 {
		return fetched.Offset, nil
	}
	earliest, err := w.EarliestOffset(rctx, consumeTopic, consumePartition)
	if err != nil {
		return 0, err
	}
	if err := earliest.Err(); err != nil {
		return 0, fmt.Errorf("unable to list earliest offset: %w", err)
	}
	return earliest.Offset, nil
}

func init() {
	consumeCmd.Flags().StringVarP(&consumeTopic, "topic", "t", "", "topic to consume")
	consumeCmd.Flags().Int32VarP(&consumePartition, "partition", "p", 0, "partition to consume")
	consumeCmd.Flags().Int64VarP(&consumeOffset, "offset", "o", 0, "offset to start at")
	consumeCmd.Flags().StringVarP(&consumeGroup, "group", "g", "", "consumer group to commit for (generated if needed and empty)")
	consumeCmd.Flags().BoolVar(&consumeAutoCommit, "auto-commit", false, "commit the stream position before every fetch")
	consumeCmd.Flags().BoolVar(&consumeFromCommit, "from-committed", false, "start at the group's committed offset instead of --offset")
	consumeCmd.Flags().BoolVarP(&consumeFollow, "follow", "f", false, "keep polling for new messages after reaching the end")
	consumeCmd.Flags().DurationVar(&consumePoll, "poll-interval", time.Second, "how long to wait between streams with --follow")
	consumeCmd.Flags().StringVar(&consumeMetricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, if any")
	consumeCmd.MarkFlagRequired("topic")
}
