// Package config provides configuration management for nebulardma.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEBULARDMA_* prefix)
//  3. Configuration file (nebulardma.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/nebulardma/nebulardma.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/bench"
	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// Roles a process can take.
const (
	RoleAccepting  = "accepting"
	RoleInitiating = "initiating"
)

// Verbs backends.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// Config holds all configuration for nebulardma
type Config struct {
	// Role is "accepting" or "initiating"
	Role string `mapstructure:"role" yaml:"role"`

	// SessionID names the session; a uuid is generated when empty
	SessionID string `mapstructure:"session_id" yaml:"session_id"`

	// MasterIP is the address the initiating side dials and the accepting
	// side listens on
	MasterIP string `mapstructure:"master_ip" yaml:"master_ip"`

	// TCPPort is the out-of-band handshake port
	TCPPort int `mapstructure:"tcp_port" yaml:"tcp_port"`

	// Peers is the number of links an accepting session waits for
	Peers int `mapstructure:"peers" yaml:"peers"`

	// Backend selects the verbs implementation
	Backend string `mapstructure:"backend" yaml:"backend"`

	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	Adapter AdapterConfig `mapstructure:"adapter" yaml:"adapter"`
	Link    LinkConfig    `mapstructure:"link" yaml:"link"`
	Poll    PollConfig    `mapstructure:"poll" yaml:"poll"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Bench   BenchConfig   `mapstructure:"bench" yaml:"bench"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DeviceConfig selects the RDMA device and port
type DeviceConfig struct {
	// Name is the RDMA device name (e.g., "mlx5_0")
	Name string `mapstructure:"name" yaml:"name"`

	// IBPort is the physical port number, starting at 1
	IBPort int `mapstructure:"ib_port" yaml:"ib_port"`

	// GIDIndex is the GID index for RoCE
	GIDIndex int `mapstructure:"gid_index" yaml:"gid_index"`

	// TrafficClass is the GRH traffic class for RoCE
	TrafficClass int `mapstructure:"traffic_class" yaml:"traffic_class"`

	// UseEventChannel attaches a completion event channel to private queues
	UseEventChannel bool `mapstructure:"use_event_channel" yaml:"use_event_channel"`
}

// AdapterConfig holds queue pair sizing
type AdapterConfig struct {
	CQSize        int  `mapstructure:"cq_size" yaml:"cq_size"`
	MaxSendWR     int  `mapstructure:"max_send_wr" yaml:"max_send_wr"`
	MaxRecvWR     int  `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`
	MaxSendSGE    int  `mapstructure:"max_send_sge" yaml:"max_send_sge"`
	MaxRecvSGE    int  `mapstructure:"max_recv_sge" yaml:"max_recv_sge"`
	MaxInlineData int  `mapstructure:"max_inline_data" yaml:"max_inline_data"`
	MTU           int  `mapstructure:"mtu" yaml:"mtu"`
	SignalAll     bool `mapstructure:"signal_all" yaml:"signal_all"`
}

// LinkConfig controls the out-of-band TCP link
type LinkConfig struct {
	DialAttempts int           `mapstructure:"dial_attempts" yaml:"dial_attempts"`
	DialInterval time.Duration `mapstructure:"dial_interval" yaml:"dial_interval"`
	TOS          int           `mapstructure:"tos" yaml:"tos"`
}

// PollConfig controls completion queue polling
type PollConfig struct {
	// Idle is "spin", "yield" or "backoff"
	Idle string `mapstructure:"idle" yaml:"idle"`

	// Batch is the number of completions fetched per poll
	Batch int `mapstructure:"batch" yaml:"batch"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// BenchConfig holds benchmark parameters
type BenchConfig struct {
	MaxMessageSize int  `mapstructure:"max_message_size" yaml:"max_message_size"`
	Iterations     int  `mapstructure:"iterations" yaml:"iterations"`
	SingleBlock    bool `mapstructure:"single_block" yaml:"single_block"`
}

// Options are command line overrides
type Options struct {
	Role      string
	SessionID string
	MasterIP  string
	TCPPort   int
	Peers     int
	Backend   string
	Device    string
	LogLevel  string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("nebulardma")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nebulardma")
		v.AddConfigPath("$HOME/.nebulardma")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("NEBULARDMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	overrides := map[string]any{
		"role":        opts.Role,
		"session_id":  opts.SessionID,
		"master_ip":   opts.MasterIP,
		"backend":     opts.Backend,
		"device.name": opts.Device,
		"log_level":   opts.LogLevel,
	}
	for key, val := range overrides {
		if val != "" {
			v.Set(key, val)
		}
	}

	if opts.TCPPort != 0 {
		v.Set("tcp_port", opts.TCPPort)
	}
	if opts.Peers != 0 {
		v.Set("peers", opts.Peers)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := adapter.DefaultConfig()

	v.SetDefault("role", RoleAccepting)
	v.SetDefault("session_id", "")
	v.SetDefault("master_ip", "127.0.0.1")
	v.SetDefault("tcp_port", 2020)
	v.SetDefault("peers", 1)
	v.SetDefault("backend", BackendSimulated)

	// Device
	v.SetDefault("device.name", def.DeviceName)
	v.SetDefault("device.ib_port", def.IBPort)
	v.SetDefault("device.gid_index", def.GIDIndex)
	v.SetDefault("device.traffic_class", int(def.TrafficClass))
	v.SetDefault("device.use_event_channel", def.UseEventChannel)

	// Queue pair sizing
	v.SetDefault("adapter.cq_size", def.CQSize)
	v.SetDefault("adapter.max_send_wr", def.MaxSendWR)
	v.SetDefault("adapter.max_recv_wr", def.MaxRecvWR)
	v.SetDefault("adapter.max_send_sge", def.MaxSendSGE)
	v.SetDefault("adapter.max_recv_sge", def.MaxRecvSGE)
	v.SetDefault("adapter.max_inline_data", def.MaxInlineData)
	v.SetDefault("adapter.mtu", def.MTU)
	v.SetDefault("adapter.signal_all", def.SignalAll)

	// Handshake link
	v.SetDefault("link.dial_attempts", link.DefaultDialAttempts)
	v.SetDefault("link.dial_interval", link.DefaultDialInterval)
	v.SetDefault("link.tos", link.DefaultTOS)

	// Polling
	v.SetDefault("poll.idle", session.IdleSpin.String())
	v.SetDefault("poll.batch", session.DefaultPollBatch)

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")

	// Benchmark
	benchDefaults := bench.DefaultOptions()
	v.SetDefault("bench.max_message_size", benchDefaults.MaxMessageSize)
	v.SetDefault("bench.iterations", benchDefaults.Iterations)
	v.SetDefault("bench.single_block", benchDefaults.SingleBlock)

	// Logging
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	c.Role = strings.ToLower(c.Role)
	switch c.Role {
	case RoleAccepting, RoleInitiating:
	default:
		return fmt.Errorf("invalid role %q, want %q or %q", c.Role, RoleAccepting, RoleInitiating) // nolint:err113 // dynamic error with context
	}

	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case BackendSimulated, BackendHardware:
	default:
		return fmt.Errorf("invalid backend %q, want %q or %q", c.Backend, BackendSimulated, BackendHardware) // nolint:err113 // dynamic error with context
	}

	// Generate session ID if not set
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}

	if net.ParseIP(c.MasterIP) == nil {
		return fmt.Errorf("invalid master ip %q", c.MasterIP) // nolint:err113 // dynamic error with context
	}

	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp port %d", c.TCPPort) // nolint:err113 // dynamic error with context
	}

	if c.Peers < 1 {
		return fmt.Errorf("peers must be at least 1, got %d", c.Peers) // nolint:err113 // dynamic error with context
	}

	if c.Device.TrafficClass < 0 || c.Device.TrafficClass > 255 {
		return fmt.Errorf("traffic class must fit in a byte, got %d", c.Device.TrafficClass) // nolint:err113 // dynamic error with context
	}

	if c.Link.TOS < 0 || c.Link.TOS > 255 {
		return fmt.Errorf("link tos must fit in a byte, got %d", c.Link.TOS) // nolint:err113 // dynamic error with context
	}

	if c.Link.DialAttempts < 1 {
		return fmt.Errorf("dial attempts must be at least 1, got %d", c.Link.DialAttempts) // nolint:err113 // dynamic error with context
	}

	if _, err := verbs.MTUFromBytes(c.Adapter.MTU); err != nil {
		return fmt.Errorf("invalid adapter mtu: %w", err)
	}

	if _, err := session.ParseIdlePolicy(c.Poll.Idle); err != nil {
		return fmt.Errorf("invalid poll configuration: %w", err)
	}

	if c.Poll.Batch < 1 {
		return fmt.Errorf("poll batch must be at least 1, got %d", c.Poll.Batch) // nolint:err113 // dynamic error with context
	}

	cfg := c.AdapterConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid adapter configuration: %w", err)
	}

	return nil
}

// Address returns the handshake address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.MasterIP, strconv.Itoa(c.TCPPort))
}

// AdapterConfig returns the adapter parameters every endpoint starts from.
// The role decides the completion queue mode, so the shared key is filled
// in with the session id as a placeholder.
func (c *Config) AdapterConfig() adapter.Config {
	cfg := adapter.DefaultConfig()

	cfg.DeviceName = c.Device.Name
	cfg.IBPort = c.Device.IBPort
	cfg.GIDIndex = c.Device.GIDIndex
	cfg.TrafficClass = uint8(c.Device.TrafficClass) //nolint:gosec // G115: validated to fit a byte
	cfg.UseEventChannel = c.Device.UseEventChannel
	cfg.CQSize = c.Adapter.CQSize
	cfg.MaxSendWR = c.Adapter.MaxSendWR
	cfg.MaxRecvWR = c.Adapter.MaxRecvWR
	cfg.MaxSendSGE = c.Adapter.MaxSendSGE
	cfg.MaxRecvSGE = c.Adapter.MaxRecvSGE
	cfg.MaxInlineData = c.Adapter.MaxInlineData
	cfg.MTU = c.Adapter.MTU
	cfg.SignalAll = c.Adapter.SignalAll
	cfg.CQKey = "SharedCQ@" + c.SessionID

	return cfg
}

// DialOptions returns the link dial policy.
func (c *Config) DialOptions() link.DialOptions {
	return link.DialOptions{
		Attempts: c.Link.DialAttempts,
		Interval: c.Link.DialInterval,
		TOS:      c.Link.TOS,
	}
}

// SessionOptions returns the poll loop options.
func (c *Config) SessionOptions() []session.Option {
	idle, _ := session.ParseIdlePolicy(c.Poll.Idle)

	return []session.Option{
		session.WithIdlePolicy(idle),
		session.WithPollBatch(c.Poll.Batch),
	}
}

// BenchOptions returns the benchmark parameters.
func (c *Config) BenchOptions() bench.Options {
	return bench.Options{
		MaxMessageSize: c.Bench.MaxMessageSize,
		Iterations:     c.Bench.Iterations,
		SingleBlock:    c.Bench.SingleBlock,
	}
}
