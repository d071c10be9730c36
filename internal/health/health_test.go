package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulardma/internal/session"
)

type fakeTarget struct {
	state atomic.Int32
}

func newTarget(st session.State) *fakeTarget {
	t := &fakeTarget{}
	t.set(st)

	return t
}

func (f *fakeTarget) set(st session.State) { f.state.Store(int32(st)) }

func (f *fakeTarget) State() session.State { return session.State(f.state.Load()) }

func TestCheckState(t *testing.T) {
	tests := []struct {
		state session.State
		want  Status
	}{
		{session.StateConstructed, StatusDegraded},
		{session.StateInit, StatusDegraded},
		{session.StateConnecting, StatusDegraded},
		{session.StateRunning, StatusHealthy},
		{session.StateStopped, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			check := CheckState(tt.state)
			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, tt.state.String(), check.Message)
		})
	}
}

func TestCheckAggregates(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(0)

	accepting := newTarget(session.StateRunning)
	initiating := newTarget(session.StateConnecting)

	c.Register("accepting", accepting)
	c.Register("initiating", initiating)

	status := c.Check(ctx)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Len(t, status.Checks, 2)
	assert.False(t, c.IsReady(ctx))

	initiating.set(session.StateRunning)
	assert.Equal(t, StatusHealthy, c.Check(ctx).Status)
	assert.True(t, c.IsReady(ctx))

	accepting.set(session.StateStopped)
	assert.Equal(t, StatusUnhealthy, c.Check(ctx).Status)
}

func TestEmptyCheckerIsNotReady(t *testing.T) {
	c := NewChecker(0)

	assert.True(t, c.IsLive(context.Background()))
	assert.False(t, c.IsReady(context.Background()))
}

func TestCheckIsCached(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(time.Hour)

	target := newTarget(session.StateRunning)
	c.Register("s", target)

	require.Equal(t, StatusHealthy, c.Check(ctx).Status)

	target.set(session.StateStopped)
	assert.Equal(t, StatusHealthy, c.Check(ctx).Status, "served from cache")

	c.Register("s", target)
	assert.Equal(t, StatusUnhealthy, c.Check(ctx).Status, "register drops the cache")
}

func TestHandlers(t *testing.T) {
	c := NewChecker(0)
	target := newTarget(session.StateConnecting)
	c.Register("initiating@cli", target)

	h := NewHandler(c)

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "connecting", status.Checks["initiating@cli"].Message)

	target.set(session.StateRunning)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	target.set(session.StateStopped)

	rec = httptest.NewRecorder()
	h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
