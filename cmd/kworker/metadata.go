package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/kwire/kworker/pkg/kworker"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Print brokers and topic partition leaders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, err := newWorker(kworker.DisableConsumerGroup())
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		meta, err := w.Metadata(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "BROKER\tHOST\tPORT")
		for _, b := range meta.Brokers {
			fmt.Fprintf(tw, "%d\t%s\t%d\n", b.NodeID, b.Host, b.Port)
		}
		fmt.Fprintln(tw)

		topics := make([]string, 0, len(meta.Topics))
		for t := range meta.Topics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		fmt.Fprintln(tw, "TOPIC\tPARTITION\tLEADER\tERROR")
		for _, t := range topics {
			for _, p := range meta.Topics[t] {
				errStr := ""
				if p.ErrorCode != 0 {
					errStr = kerr.ErrorForCode(p.ErrorCode).Error()
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", t, p.Partition, p.Leader, errStr)
			}
		}
		return nil
	},
}
