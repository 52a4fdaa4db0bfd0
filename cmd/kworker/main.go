// Command kworker is a small command line client built on a kworker Worker.
//
//	kworker metadata
//	kworker produce -t foo hello world
//	kworker consume -t foo --auto-commit --metrics-addr :9100
//	kworker offsets fetch -t foo -g my-group
//	kworker group join -t foo
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kwire/kworker/pkg/kworker"
	"github.com/kwire/kworker/plugin/klogrus"
)

var (
	seedBrokers string
	clientID    string
	logLevel    string
	timeout     time.Duration

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "kworker",
	Short:         "Talk to a Kafka cluster through a serialized worker",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&seedBrokers, "brokers", "b", "localhost:9092", "comma delimited list of seed brokers")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "kworker", "client ID to send with every request")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (error, warn, info, debug)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per request timeout")

	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(offsetsCmd)
	rootCmd.AddCommand(groupCmd)
}

// newWorker returns a worker for the global flags plus opts.
func newWorker(opts ...kworker.Opt) (*kworker.Worker, error) {
	base := []kworker.Opt{
		kworker.SeedBrokers(strings.Split(seedBrokers, ",")...),
		kworker.ClientID(clientID),
		kworker.RequestTimeout(timeout),
		kworker.WithLogger(klogrus.New(log)),
	}
	w, err := kworker.NewWorker(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("unable to create worker: %w", err)
	}
	return w, nil
}

// groupOpt returns the option for a --group flag; an empty group disables
// group features.
func groupOpt(group string) kworker.Opt {
	if group == "" {
		return kworker.DisableConsumerGroup()
	}
	return kworker.ConsumerGroup(group)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
