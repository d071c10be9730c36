package bench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/endpoint"
	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// sessions connects a benchmark server and client over one fabric and
// returns their endpoints.
func sessions(t *testing.T) (server, client *endpoint.EndPoint) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fabric := verbs.NewFabric()

	manager := func() *device.Manager {
		m := device.NewManager(fabric.NewBackend())
		t.Cleanup(func() { _ = m.Close() })

		return m
	}

	accepting := session.NewAccepting("127.0.0.1:0", 1)
	addr, err := accepting.Listen(ctx)
	require.NoError(t, err)

	srv := session.New("bench-server", manager(), adapter.DefaultConfig(), Role{accepting})
	cli := session.New("bench-client", manager(), adapter.DefaultConfig(),
		Role{session.NewInitiating(addr.String(), link.DefaultDialOptions())})

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range []*session.Session{srv, cli} {
		t.Cleanup(func() { _ = s.Close() })

		g.Go(func() error {
			if err := s.Init(gctx); err != nil {
				return err
			}

			return s.Connect(gctx)
		})
	}

	require.NoError(t, g.Wait())

	return srv.EndPoints()[0], cli.EndPoints()[0]
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"zero size", Options{MaxMessageSize: 0, Iterations: 10}, true},
		{"single iteration", Options{MaxMessageSize: 8, Iterations: 1}, true},
		{"deeper than queue", Options{MaxMessageSize: 8, Iterations: QueueDepth + 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr {
				require.ErrorIs(t, err, rdmaerr.ErrConfiguration)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestSizesDouble(t *testing.T) {
	assert.Equal(t, []int{1, 2, 4, 8, 16}, Options{MaxMessageSize: 20}.sizes())
	assert.Equal(t, minBlockSize, Options{MaxMessageSize: 8}.blockSize())
}

func TestResultMath(t *testing.T) {
	r := Result{Op: "write_bw", Size: 1000, Ops: 1000, Elapsed: time.Millisecond}

	assert.Equal(t, int64(1_000_000), r.Bytes())
	assert.Equal(t, time.Microsecond, r.Latency())
	assert.InDelta(t, 8.0, r.Throughput(), 1e-9)
	assert.Contains(t, r.String(), "write_bw")
	assert.Contains(t, r.String(), "Gbps")

	assert.Zero(t, Result{}.Throughput())
	assert.Zero(t, Result{}.Latency())
}

func TestRoleTunesQueues(t *testing.T) {
	server, client := sessions(t)

	for _, ep := range []*endpoint.EndPoint{server, client} {
		cfg := ep.Channel().Adapter().Config()

		assert.False(t, cfg.UseSharedCQ)
		assert.Equal(t, QueueDepth, cfg.MaxSendWR)
		assert.Equal(t, QueueDepth, cfg.MaxRecvWR)
		assert.Equal(t, CQSize, cfg.CQSize)
		assert.Equal(t, ep.Channel().Adapter().ID(), ep.Channel().Adapter().CQKey())
	}
}

func TestBenchmarkRoundTrip(t *testing.T) {
	server, client := sessions(t)

	opts := Options{MaxMessageSize: 256, Iterations: 16, SingleBlock: true}

	srv, err := NewServer(server, opts)
	require.NoError(t, err)

	cli, err := NewClient(client, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var results []Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		var err error
		results, err = cli.Run(gctx)

		return err
	})

	require.NoError(t, g.Wait())

	sizes := opts.sizes()
	require.Len(t, results, 5*len(sizes))

	byOp := make(map[string]int)
	for _, r := range results {
		byOp[r.Op]++

		assert.Equal(t, opts.Iterations, r.Ops, r.Op)
		assert.Positive(t, r.Elapsed, r.Op)
	}

	for _, op := range []string{"send_lat", "write_lat", "read_lat", "write_bw", "write_bw_single"} {
		assert.Equal(t, len(sizes), byOp[op], op)
	}

	sq, rq := client.Channel().Adapter().Outstanding()
	assert.Zero(t, sq)
	assert.Zero(t, rq)

	_, ok := client.Channel().FindBuffer("benchmark_buffer@" + client.Channel().ID())
	assert.False(t, ok, "ring released after the run")
}

func TestServerHonoursCancellation(t *testing.T) {
	server, _ := sessions(t)

	srv, err := NewServer(server, Options{MaxMessageSize: 64, Iterations: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = srv.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
