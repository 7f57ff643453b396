package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nats-rpc/config"
	"nats-rpc/discovery"
	"nats-rpc/metrics"
	"nats-rpc/middleware"
	"nats-rpc/server"
)

var (
	serveMode    string
	serveSubject string
	serveQueue   string
	serveWorkers int
	metricsAddr  string
	rateLimit    float64
)

type servable interface {
	Serve(ctx context.Context) error
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Arith service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("mode") {
			cfg.Transport.Mode = serveMode
		}
		if serveSubject != "" {
			cfg.Server.Subject = serveSubject
		}
		if serveQueue != "" {
			cfg.Server.Queue = serveQueue
		}
		if serveWorkers > 0 {
			cfg.Server.Workers = serveWorkers
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := connect()
		if err != nil {
			return err
		}
		defer b.Close()

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		if metricsAddr != "" {
			go serveMetrics(reg)
		}

		env, err := cfg.EnvelopeCodec()
		if err != nil {
			return err
		}
		p := server.NewServiceProcessor(
			server.WithEnvelopeCodec(env),
			server.WithProcessorLogger(logger.Named("processor")),
		)
		p.Use(middleware.Logging(logger.Named("rpc")))
		if rateLimit > 0 {
			p.Use(middleware.RateLimit(rateLimit, int(rateLimit)+1))
		}
		if err := p.Register(&Arith{}); err != nil {
			return err
		}

		opts := cfg.ServerOptions(logger.Named("server"), m)
		etcd, err := cfg.Registry(logger.Named("discovery"))
		if err != nil {
			return err
		}
		if etcd != nil {
			defer etcd.Close()
			opts = append(opts, server.WithDiscovery(etcd, "Arith",
				discovery.Instance{Weight: 1, Version: "1"}, cfg.Discovery.LeaseTTL))
		}

		var svr servable
		if cfg.Transport.Mode == config.ModeStateful {
			svr = server.NewStatefulServer(b, cfg.Server.Subject, p, opts...)
		} else {
			svr = server.NewServer(b, cfg.Server.Subject, p, opts...)
		}
		logger.Info("starting",
			zap.String("mode", cfg.Transport.Mode),
			zap.String("subject", cfg.Server.Subject),
			zap.String("nats", cfg.NATS.URL))
		return svr.Serve(ctx)
	},
}

func serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", zap.String("addr", metricsAddr))
	if err := http.ListenAndServe(metricsAddr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveMode, "mode", config.ModeStateless, "stateless or stateful")
	serveCmd.Flags().StringVar(&serveSubject, "subject", "", "subject to serve (stateful: the connect subject)")
	serveCmd.Flags().StringVar(&serveQueue, "queue", "", "queue group shared with other servers")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "concurrent requests")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	serveCmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "maximum requests per second, 0 for none")
	rootCmd.AddCommand(serveCmd)
}
