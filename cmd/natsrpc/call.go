package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/bustransport"
	"nats-rpc/client"
	"nats-rpc/config"
	"nats-rpc/loadbalance"
	"nats-rpc/metrics"
	"nats-rpc/middleware"
	"nats-rpc/transport"
)

var (
	callMode    string
	callSubject string
	callTimeout time.Duration
	callCID     string
	callRetries int
)

var callCmd = &cobra.Command{
	Use:   "call <Arith.Method> <a> <b>",
	Short: "Call an Arith method and print the result",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Wrap(err, "a")
		}
		bv, err := strconv.Atoi(args[2])
		if err != nil {
			return errors.Wrap(err, "b")
		}
		if cmd.Flags().Changed("mode") {
			cfg.Transport.Mode = callMode
		}
		if callSubject != "" {
			cfg.Transport.Subject = callSubject
		}
		if callTimeout > 0 {
			cfg.Transport.Timeout = callTimeout
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		b, err := connect()
		if err != nil {
			return err
		}
		defer b.Close()

		c, closeFn, err := newClient(cmd.Context(), b)
		if err != nil {
			return err
		}
		defer closeFn()

		tc := transport.NewContextWithCorrelationID(callCID)
		tc.SetTimeout(cfg.Transport.Timeout)
		var result Reply
		if err := c.CallContext(cmd.Context(), tc, args[0], &Args{A: a, B: bv}, &result); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", result.Result)
		logger.Debug("call done", zap.String("cid", tc.CorrelationID()), zap.Any("response_headers", tc.ResponseHeaders()))
		return nil
	},
}

// newClient builds the client described by the configuration: over discovery
// when etcd endpoints are set, otherwise over one transport to the subject.
func newClient(ctx context.Context, b bus.Bus) (*client.Client, func(), error) {
	env, err := cfg.EnvelopeCodec()
	if err != nil {
		return nil, nil, err
	}
	m := metrics.New(nil)
	topts := cfg.TransportOptions(logger.Named("transport"), m)
	copts := []client.Option{
		client.WithEnvelopeCodec(env),
		client.WithLogger(logger.Named("client")),
		client.WithTimeout(cfg.Transport.Timeout),
		client.WithMiddleware(middleware.Retry(callRetries, 100*time.Millisecond, nil)),
	}

	etcd, err := cfg.Registry(logger.Named("discovery"))
	if err != nil {
		return nil, nil, err
	}
	if etcd != nil {
		bal, err := loadbalance.ByName(cfg.Discovery.Balancer)
		if err != nil {
			etcd.Close()
			return nil, nil, err
		}
		c := client.NewWithDiscovery(etcd, bal, client.StatelessDialer(b, topts...), copts...)
		return c, func() {
			c.Close()
			etcd.Close()
		}, nil
	}

	var tr client.Transport
	if cfg.Transport.Mode == config.ModeStateful {
		tr = bustransport.NewStateful(b, cfg.Transport.Subject, topts...)
	} else {
		tr = bustransport.NewStateless(b, cfg.Transport.Subject, topts...)
	}
	if err := tr.Open(ctx); err != nil {
		return nil, nil, err
	}
	return client.New(tr, copts...), func() { tr.Close() }, nil
}

func init() {
	callCmd.Flags().StringVar(&callMode, "mode", config.ModeStateless, "stateless or stateful")
	callCmd.Flags().StringVar(&callSubject, "subject", "", "service subject (stateful: the connect subject)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "request timeout")
	callCmd.Flags().StringVar(&callCID, "cid", "", "correlation id, random if empty")
	callCmd.Flags().IntVar(&callRetries, "retries", 0, "retries of timed out calls")
	rootCmd.AddCommand(callCmd)
}
