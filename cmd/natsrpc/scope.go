package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nats-rpc/bustransport"
)

var (
	scopePrefix string
	scopeQueue  string
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <message>",
	Short: "Publish a message to a scoped topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := connect()
		if err != nil {
			return err
		}
		defer b.Close()
		pub := bustransport.NewPublisher(b, scopePrefix, bustransport.WithLogger(logger.Named("publisher")))
		return pub.Publish(args[0], []byte(args[1]))
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <topic>",
	Short: "Print messages published to a scoped topic until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := connect()
		if err != nil {
			return err
		}
		defer b.Close()
		sub := bustransport.NewSubscriber(b, scopePrefix,
			bustransport.WithQueue(scopeQueue),
			bustransport.WithLogger(logger.Named("subscriber")))
		defer sub.Close()

		out := cmd.OutOrStdout()
		if err := sub.Subscribe(args[0], func(payload []byte) error {
			_, err := fmt.Fprintf(out, "%s\n", payload)
			return err
		}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{publishCmd, subscribeCmd} {
		c.Flags().StringVar(&scopePrefix, "prefix", "scope.", "subject prefix of the scope")
		rootCmd.AddCommand(c)
	}
	subscribeCmd.Flags().StringVar(&scopeQueue, "queue", "", "compete with other subscribers in this queue group")
}
