package commands

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/health"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nebulardma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session_id: cli\npoll:\n  idle: yield\n"), 0600))

	cfg, err := config.Load(path, config.Options{})
	require.NoError(t, err)

	return cfg
}

func TestMetricsRouter(t *testing.T) {
	checker := health.NewChecker(0)
	srv := httptest.NewServer(metricsRouter(checker))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "nothing registered yet")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)

	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	setupLogging("warn", false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	setupLogging("bogus", false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	setupLogging("trace", true)
	assert.Equal(t, zerolog.TraceLevel, zerolog.GlobalLevel(), "debug keeps a more verbose level")

	setupLogging("error", true)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestCountCompletions(t *testing.T) {
	var n, inner atomic.Int64

	noop := func(context.Context, *session.Session, *channel.Channel, *verbs.WorkCompletion) error {
		inner.Add(1)

		return nil
	}

	counted := countCompletions(session.Handlers{
		SendDone:        noop,
		RecvDone:        noop,
		RecvWithImmDone: noop,
		WriteDone:       noop,
		ReadDone:        noop,
	}, &n)

	assert.Nil(t, counted.Established, "established is left to the session default")

	ctx := context.Background()
	wc := &verbs.WorkCompletion{}

	for _, fn := range []session.CompletionFunc{counted.SendDone, counted.RecvDone, counted.ReadDone} {
		require.NoError(t, fn(ctx, nil, nil, wc))
	}

	assert.Equal(t, int64(3), n.Load())
	assert.Equal(t, int64(3), inner.Load())
}

func TestLoopbackSelfTest(t *testing.T) {
	cfg := testConfig(t)

	checker := health.NewChecker(0)

	n, err := loopback(context.Background(), cfg, checker, 2, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Positive(t, n)

	status := checker.Check(context.Background())
	assert.Len(t, status.Checks, 3)
	assert.Equal(t, health.StatusUnhealthy, status.Status, "sessions stop once the run ends")
}

func TestBenchLoopback(t *testing.T) {
	cfg := testConfig(t)

	opts := cfg.BenchOptions()
	opts.MaxMessageSize = 128
	opts.Iterations = 8

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results, err := benchLoopback(ctx, cfg, health.NewChecker(0), opts)
	require.NoError(t, err)
	assert.Len(t, results, 4*8, "four phases over sizes 1..128")
}
