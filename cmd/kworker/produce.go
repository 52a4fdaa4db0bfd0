package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kwire/kworker/pkg/kworker"
)

var (
	produceTopic     string
	producePartition int32
	produceKey       string
	produceAcks      string
)

var produceCmd = &cobra.Command{
	Use:   "produce [value...]",
	Short: "Produce values as one batch, reading lines from stdin if none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		acks, err := parseAcks(produceAcks)
		if err != nil {
			return err
		}

		values := args
		if len(values) == 0 {
			s := bufio.NewScanner(os.Stdin)
			for s.Scan() {
				values = append(values, s.Text())
			}
			if err := s.Err(); err != nil {
				return fmt.Errorf("unable to read stdin: %w", err)
			}
		}
		if len(values) == 0 {
			return nil
		}

		var key []byte
		if produceKey != "" {
			key = []byte(produceKey)
		}
		msgs := make([]kworker.Message, 0, len(values))
		for _, v := range values {
			msgs = append(msgs, kworker.Message{Key: key, Value: []byte(v)})
		}

		w, err := newWorker(kworker.DisableConsumerGroup())
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		resp, err := w.Produce(ctx, kworker.ProduceRequest{
			Topic:     produceTopic,
			Partition: producePartition,
			Acks:      acks,
			Messages:  msgs,
		})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("produce to %s[%d] failed: %w", produceTopic, producePartition, err)
		}
		if acks != kworker.NoAck {
			fmt.Printf("produced %d messages to %s[%d] at offset %d\n", len(msgs), produceTopic, producePartition, resp.BaseOffset)
		}
		return nil
	},
}

func parseAcks(s string) (kworker.Acks, error) {
	switch s {
	case "leader", "1":
		return kworker.LeaderAck, nil
	case "all", "-1":
		return kworker.AllISRAcks, nil
	case "none", "0":
		return kworker.NoAck, nil
	}
	return 0, fmt.Errorf("unknown acks %q: use leader, all, or none", s)
}

func init() {
	produceCmd.Flags().StringVarP(&produceTopic, "topic", "t", "", "topic to produce to")
	produceCmd.Flags().Int32VarP(&producePartition, "partition", "p", 0, "partition to produce to")
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "", "key for every message")
	produceCmd.Flags().StringVar(&produceAcks, "acks", "leader", "acks to wait for (leader, all, none)")
	produceCmd.MarkFlagRequired("topic")
}
