package adapter

import (
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// Config holds the parameters of one connection. It may be changed until
// the adapter allocates its resources.
type Config struct {
	DeviceName      string
	TrafficClass    uint8
	CQSize          int
	IBPort          int
	GIDIndex        int
	MTU             int
	CQKey           string
	SignalAll       bool
	UseSharedCQ     bool
	UseEventChannel bool
	MaxSendWR       int
	MaxRecvWR       int
	MaxSendSGE      int
	MaxRecvSGE      int
	MaxInlineData   int
}

// DefaultConfig returns the stock connection parameters.
func DefaultConfig() Config {
	return Config{
		DeviceName:    "mlx5_0",
		CQSize:        1024,
		IBPort:        1,
		GIDIndex:      3,
		MTU:           4096,
		UseSharedCQ:   true,
		MaxSendWR:     128,
		MaxRecvWR:     128,
		MaxSendSGE:    1,
		MaxRecvSGE:    1,
		MaxInlineData: 1,
	}
}

// Validate checks the parameters that can be verified without hardware.
func (c *Config) Validate() error {
	if _, err := verbs.MTUFromBytes(c.MTU); err != nil {
		return rdmaerr.Configuration("%v", err)
	}

	if c.CQSize <= 0 {
		return rdmaerr.Configuration("cq size must be positive, got %d", c.CQSize)
	}

	if c.IBPort < 1 {
		return rdmaerr.Configuration("ib port must be at least 1, got %d", c.IBPort)
	}

	if c.MaxSendWR <= 0 || c.MaxRecvWR <= 0 {
		return rdmaerr.Configuration("queue depths must be positive, got send=%d recv=%d", c.MaxSendWR, c.MaxRecvWR)
	}

	if c.MaxSendSGE <= 0 || c.MaxRecvSGE <= 0 {
		return rdmaerr.Configuration("sge limits must be positive, got send=%d recv=%d", c.MaxSendSGE, c.MaxRecvSGE)
	}

	if c.MaxInlineData < 0 {
		return rdmaerr.Configuration("max inline data must not be negative, got %d", c.MaxInlineData)
	}

	if c.UseSharedCQ && c.CQKey == "" {
		return rdmaerr.Configuration("shared completion queue requested but cq key is empty")
	}

	return nil
}
