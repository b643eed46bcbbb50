// Package config holds runtime configuration for the reactor platform:
// NIC selection, per-listener pool sizing, and per-socket buffer sizes.
package config

import "fmt"

// Default tunables. New copies the MTU, port, queue-count, backlog,
// buffer-size, batch-size and local-IP defaults into Config fields that
// callers can override; DefaultFrameSize and DefaultEthHeaderSize have
// no Config field, and MaxEgressRounds and YieldIterationCeil are fixed
// reactor loop constants.
const (
	DefaultMTU          = 1500
	DefaultFrameSize    = 2048
	DefaultEthHeaderSize = 14
	DefaultPort         = 8080
	DefaultMaxQueues    = 4
	DefaultBacklog      = 16
	DefaultRxBufSize    = 16384
	DefaultTxBufSize    = 16384
	DefaultBatchSize    = 32
	MaxEgressRounds     = 4
	YieldIterationCeil  = 16
	DefaultLocalIP      = "10.0.0.1"
)

// Config is the Server Runner's resolved configuration.
type Config struct {
	Interface  string
	Port       uint16
	MaxQueues  int
	Backlog    int
	RxBufSize  int
	TxBufSize  int
	BatchSize  int
	MTU        int
	XDPObjPath string
	LocalIP    string
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithPort overrides the listen port used by every reactor.
func WithPort(port uint16) Option {
	return func(c *Config) { c.Port = port }
}

// WithMaxQueues bounds the number of RX/TX queues requested; the NIC's
// actual queue count clamps this at configure time.
func WithMaxQueues(n int) Option {
	return func(c *Config) { c.MaxQueues = n }
}

// WithBacklog sets the per-listener pre-listening pool size.
func WithBacklog(n int) Option {
	return func(c *Config) { c.Backlog = n }
}

// WithBuffers sets the per-socket rx/tx buffer sizes.
func WithBuffers(rx, tx int) Option {
	return func(c *Config) { c.RxBufSize, c.TxBufSize = rx, tx }
}

// WithBatchSize bounds ingress packets processed per reactor iteration.
func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

// WithXDPObject points at the compiled XDP redirect program object file.
func WithXDPObject(path string) Option {
	return func(c *Config) { c.XDPObjPath = path }
}

// WithLocalIP overrides the IPv4 address every reactor's stack binds
// to its NIC (all reactors share one address; the NIC's RSS fans
// inbound traffic for that address across queues).
func WithLocalIP(ip string) Option {
	return func(c *Config) { c.LocalIP = ip }
}

// New builds a Config for the given interface with defaults applied,
// then layers opts on top.
func New(iface string, opts ...Option) Config {
	c := Config{
		Interface: iface,
		Port:      DefaultPort,
		MaxQueues: DefaultMaxQueues,
		Backlog:   DefaultBacklog,
		RxBufSize: DefaultRxBufSize,
		TxBufSize: DefaultTxBufSize,
		BatchSize: DefaultBatchSize,
		MTU:       DefaultMTU,
		LocalIP:   DefaultLocalIP,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate rejects configurations the runner cannot act on. Errors are
// reported, never silently clamped, except for max_queues which the
// runner is allowed to clamp against NIC capability at configure time.
func (c Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface name is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("config: port must be nonzero")
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("config: backlog must be positive")
	}
	if c.MaxQueues <= 0 {
		return fmt.Errorf("config: max_queues must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	return nil
}
