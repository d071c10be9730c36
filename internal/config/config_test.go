package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nebulardma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, RoleAccepting, cfg.Role)
	assert.Equal(t, BackendSimulated, cfg.Backend)
	assert.Equal(t, "127.0.0.1", cfg.MasterIP)
	assert.Equal(t, 2020, cfg.TCPPort)
	assert.Equal(t, 1, cfg.Peers)
	assert.Equal(t, "mlx5_0", cfg.Device.Name)
	assert.Equal(t, 1024, cfg.Adapter.CQSize)
	assert.Equal(t, 4096, cfg.Adapter.MTU)
	assert.Equal(t, link.DefaultDialAttempts, cfg.Link.DialAttempts)
	assert.Equal(t, link.DefaultDialInterval, cfg.Link.DialInterval)
	assert.Equal(t, "spin", cfg.Poll.Idle)
	assert.Equal(t, session.DefaultPollBatch, cfg.Poll.Batch)
	assert.Equal(t, 1000, cfg.Bench.Iterations)
	assert.Equal(t, "info", cfg.LogLevel)

	_, err = uuid.Parse(cfg.SessionID)
	assert.NoError(t, err, "session id is generated")
	assert.Equal(t, "127.0.0.1:2020", cfg.Address())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
role: initiating
session_id: lab
master_ip: 10.0.0.7
tcp_port: 3030
device:
  name: rxe0
  gid_index: 1
  traffic_class: 106
adapter:
  mtu: 1024
  max_send_wr: 256
link:
  dial_interval: 250ms
poll:
  idle: backoff
bench:
  max_message_size: 4096
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, RoleInitiating, cfg.Role)
	assert.Equal(t, "lab", cfg.SessionID)
	assert.Equal(t, "10.0.0.7:3030", cfg.Address())
	assert.Equal(t, 250*time.Millisecond, cfg.DialOptions().Interval)
	assert.Equal(t, 4096, cfg.BenchOptions().MaxMessageSize)

	ac := cfg.AdapterConfig()
	assert.Equal(t, 1, ac.MaxInlineData)
	assert.Equal(t, "rxe0", ac.DeviceName)
	assert.Equal(t, 1, ac.GIDIndex)
	assert.Equal(t, uint8(106), ac.TrafficClass)
	assert.Equal(t, 1024, ac.MTU)
	assert.Equal(t, 256, ac.MaxSendWR)
	assert.Equal(t, "SharedCQ@lab", ac.CQKey)
	require.NoError(t, ac.Validate())

	assert.Len(t, cfg.SessionOptions(), 2)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, "tcp_port: 3030\npeers: 2\nlog_level: warn\n")

	t.Setenv("NEBULARDMA_PEERS", "3")
	t.Setenv("NEBULARDMA_DEVICE_NAME", "mlx5_1")

	cfg, err := Load(path, Options{TCPPort: 4040, LogLevel: "debug"})
	require.NoError(t, err)

	assert.Equal(t, 4040, cfg.TCPPort, "flag beats file")
	assert.Equal(t, 3, cfg.Peers, "env beats file")
	assert.Equal(t, "mlx5_1", cfg.Device.Name, "nested env key")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad role", "role: observer\n", "invalid role"},
		{"bad backend", "backend: dpdk\n", "invalid backend"},
		{"bad ip", "master_ip: nowhere\n", "invalid master ip"},
		{"bad port", "tcp_port: 70000\n", "invalid tcp port"},
		{"no peers", "peers: 0\n", "peers must be at least 1"},
		{"wide traffic class", "device:\n  traffic_class: 300\n", "traffic class"},
		{"bad mtu", "adapter:\n  mtu: 1500\n", "invalid adapter mtu"},
		{"bad idle", "poll:\n  idle: sleep\n", "invalid poll configuration"},
		{"zero batch", "poll:\n  batch: 0\n", "poll batch"},
		{"zero dial attempts", "link:\n  dial_attempts: 0\n", "dial attempts"},
		{"zero cq", "adapter:\n  cq_size: 0\n", "invalid adapter configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoleIsCaseInsensitive(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), Options{Role: "Initiating", Backend: "HARDWARE"})
	require.NoError(t, err)

	assert.Equal(t, RoleInitiating, cfg.Role)
	assert.Equal(t, BackendHardware, cfg.Backend)
}
