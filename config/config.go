// Package config loads the YAML configuration shared by the natsrpc commands and
// turns it into constructor options for the bus, transports, server and logger.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"nats-rpc/bustransport"
	"nats-rpc/codec"
	"nats-rpc/discovery"
	"nats-rpc/heartbeat"
	"nats-rpc/loadbalance"
	"nats-rpc/metrics"
	"nats-rpc/server"
	"nats-rpc/transport"
)

const (
	ModeStateless = "stateless"
	ModeStateful  = "stateful"
)

// Config holds the natsrpc configuration. Durations are Go duration strings
// ("5s", "250ms").
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type TransportConfig struct {
	Mode           string        `yaml:"mode"` // stateless or stateful
	Subject        string        `yaml:"subject"`
	Codec          string        `yaml:"codec"` // envelope codec: json or binary
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxMissed      int           `yaml:"max_missed"`
	Reconnect      BackoffConfig `yaml:"reconnect"`
}

type BackoffConfig struct {
	Enabled     bool          `yaml:"enabled"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ServerConfig struct {
	Subject       string        `yaml:"subject"`
	Queue         string        `yaml:"queue"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	HighWatermark time.Duration `yaml:"high_watermark"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	MaxMissed     int           `yaml:"max_missed"`
}

type DiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"` // etcd; empty disables discovery
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // seconds
	Balancer    string        `yaml:"balancer"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222"},
		Transport: TransportConfig{
			Mode:           ModeStateless,
			Subject:        "arith",
			Codec:          "json",
			Timeout:        transport.DefaultTimeout,
			ConnectTimeout: bustransport.DefaultConnectTimeout,
			MaxMissed:      heartbeat.DefaultMaxMissed,
			Reconnect: BackoffConfig{
				Enabled:     true,
				InitialWait: 2 * time.Second,
				MaxWait:     4 * time.Second,
				MaxAttempts: 60,
			},
		},
		Server: ServerConfig{
			Subject:       "arith",
			Workers:       server.DefaultWorkers,
			QueueSize:     server.DefaultQueueSize,
			HighWatermark: server.DefaultHighWatermark,
			StopTimeout:   server.DefaultStopTimeout,
			Heartbeat:     server.DefaultHeartbeat,
			MaxMissed:     heartbeat.DefaultMaxMissed,
		},
		Discovery: DiscoveryConfig{
			DialTimeout: 5 * time.Second,
			LeaseTTL:    server.DefaultLeaseTTL,
			Balancer:    "round_robin",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case ModeStateless, ModeStateful:
	default:
		return errors.Errorf("transport.mode %q: want %s or %s", c.Transport.Mode, ModeStateless, ModeStateful)
	}
	if _, err := c.EnvelopeCodec(); err != nil {
		return err
	}
	if _, err := loadbalance.ByName(c.Discovery.Balancer); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Server.Workers < 1 {
		return errors.Errorf("server.workers must be at least 1, got %d", c.Server.Workers)
	}
	if c.Transport.MaxMissed < 1 || c.Server.MaxMissed < 1 {
		return errors.New("max_missed must be at least 1")
	}
	return nil
}

// EnvelopeCodec returns the codec named by transport.codec.
func (c *Config) EnvelopeCodec() (codec.Codec, error) {
	t, err := codec.ParseCodecType(c.Transport.Codec)
	if err != nil {
		return nil, err
	}
	if t == codec.CodecTypeProto {
		return nil, errors.New("transport.codec: proto cannot encode the RPC envelope, use json or binary")
	}
	return codec.GetCodec(t), nil
}

// NewLogger builds the zap logger described by log.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Monitor returns the reconnect monitor for client transports, nil if reconnect
// is disabled.
func (c *Config) Monitor(logger *zap.Logger, m *metrics.Metrics) *transport.Monitor {
	r := c.Transport.Reconnect
	if !r.Enabled {
		return nil
	}
	policy := &transport.BackoffPolicy{
		InitialWait: r.InitialWait,
		MaxWait:     r.MaxWait,
		MaxAttempts: r.MaxAttempts,
		Logger:      logger,
	}
	return transport.NewMonitor(policy, transport.WithMonitorMetrics(m))
}

// Registry connects to the etcd cluster in discovery.endpoints. It returns nil
// when no endpoints are configured.
func (c *Config) Registry(logger *zap.Logger) (*discovery.EtcdRegistry, error) {
	if len(c.Discovery.Endpoints) == 0 {
		return nil, nil
	}
	return discovery.NewEtcdRegistry(c.Discovery.Endpoints, c.Discovery.DialTimeout, logger)
}

func (c *Config) TransportOptions(logger *zap.Logger, m *metrics.Metrics) []bustransport.Option {
	opts := []bustransport.Option{
		bustransport.WithLogger(logger),
		bustransport.WithMetrics(m),
		bustransport.WithConnectTimeout(c.Transport.ConnectTimeout),
		bustransport.WithMaxMissed(c.Transport.MaxMissed),
	}
	if mon := c.Monitor(logger, m); mon != nil {
		opts = append(opts, bustransport.WithMonitor(mon))
	}
	return opts
}

func (c *Config) ServerOptions(logger *zap.Logger, m *metrics.Metrics) []server.Option {
	s := c.Server
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithWorkers(s.Workers),
		server.WithQueueSize(s.QueueSize),
		server.WithHighWatermark(s.HighWatermark),
		server.WithStopTimeout(s.StopTimeout),
		server.WithHeartbeat(s.Heartbeat),
		server.WithMaxMissed(s.MaxMissed),
	}
	if s.Queue != "" {
		opts = append(opts, server.WithQueue(s.Queue))
	}
	return opts
}
