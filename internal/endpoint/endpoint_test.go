package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulardma/internal/adapter"
	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/link"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

func links(t *testing.T) (link.Link, link.Link) {
	t.Helper()

	ctx := context.Background()

	l, err := link.Listen(ctx, "127.0.0.1:0", link.DefaultTOS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	var server link.Link

	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		server, err = l.Accept(ctx)

		return err
	})

	client, err := link.Dial(ctx, l.Addr().String(), link.DefaultDialOptions())
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	return server, client
}

func config() adapter.Config {
	cfg := adapter.DefaultConfig()
	cfg.UseSharedCQ = false

	return cfg
}

// endpoints builds a connected-by-link pair on a shared fabric.
func endpoints(t *testing.T, opts ...verbs.SimulatedOption) (*EndPoint, *EndPoint) {
	t.Helper()

	fabric := verbs.NewFabric()
	mgrA := device.NewManager(fabric.NewBackend(opts...))
	mgrB := device.NewManager(fabric.NewBackend(opts...))

	t.Cleanup(func() {
		_ = mgrA.Close()
		_ = mgrB.Close()
	})

	la, lb := links(t)
	ctx := context.Background()

	var a, b *EndPoint

	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		a, err = New(ctx, la, config(), mgrA, channel.NewRegistry(), "s1")

		return err
	})
	g.Go(func() error {
		var err error
		b, err = New(ctx, lb, config(), mgrB, channel.NewRegistry(), "s2")

		return err
	})
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return a, b
}

func connect(t *testing.T, a, b *EndPoint) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error { return a.Connecting(ctx) })
	g.Go(func() error { return b.Connecting(ctx) })
	require.NoError(t, g.Wait())
}

func TestNewNamesChannelAfterLink(t *testing.T) {
	a, b := endpoints(t)

	assert.Equal(t, "RDMAEndPoint("+a.Link().LocalAddr()+"-->"+a.Link().RemoteAddr()+")", a.Channel().ID())
	assert.Equal(t, "["+b.Link().LocalAddr()+"-->"+b.Link().RemoteAddr()+"]@s2", b.ID())
	assert.Equal(t, "RDMAEndPoint@"+a.ID(), a.String())
}

func TestNewFailsWithoutPeer(t *testing.T) {
	la, lb := links(t)
	require.NoError(t, lb.Close())

	mgr := device.NewManager(verbs.NewSimulatedBackend())
	t.Cleanup(func() { _ = mgr.Close() })

	_, err := New(context.Background(), la, config(), mgr, channel.NewRegistry(), "s")
	assert.ErrorIs(t, err, rdmaerr.ErrTransportFailure)

	_ = la.Close()
}

func TestConnectingExchangesAdapterInfo(t *testing.T) {
	a, b := endpoints(t)
	connect(t, a, b)

	aa, ba := a.Channel().Adapter(), b.Channel().Adapter()

	assert.Equal(t, adapter.StateConnecting, aa.State())
	assert.Equal(t, adapter.StateConnecting, ba.State())
	assert.Equal(t, ba.SelfInfo(), aa.PeerInfo())
	assert.Equal(t, aa.SelfInfo(), ba.PeerInfo())
	assert.Equal(t, b.Channel().ID(), aa.PeerInfo().ID())
}

func TestConnectedEndpointsMoveData(t *testing.T) {
	a, b := endpoints(t)
	connect(t, a, b)

	src, err := buffer.Allocate(64, 1, "src")
	require.NoError(t, err)
	require.NoError(t, a.Channel().RegisterBuffer(src))

	dst, err := buffer.Allocate(64, 1, "dst")
	require.NoError(t, err)
	require.NoError(t, b.Channel().RegisterBuffer(dst))

	require.NoError(t, b.Channel().Recv(dst, 64))
	require.NoError(t, src.FillIn([]byte("over rdma")))
	require.NoError(t, a.Channel().Send(src, 9, wire.TagRawDataBlock))

	wcs, err := b.Channel().Poll(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, verbs.WCSuccess, wcs[0].Status)
	assert.Equal(t, "over rdma", string(dst.Bytes()[:9]))
}

func TestConnectingLinkLayerMismatch(t *testing.T) {
	fabric := verbs.NewFabric()
	mgrA := device.NewManager(fabric.NewBackend(verbs.WithLinkLayer(verbs.LinkLayerInfiniBand)))
	mgrB := device.NewManager(fabric.NewBackend())

	t.Cleanup(func() {
		_ = mgrA.Close()
		_ = mgrB.Close()
	})

	la, lb := links(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var a, b *EndPoint

	g := new(errgroup.Group)
	g.Go(func() (err error) {
		a, err = New(ctx, la, config(), mgrA, channel.NewRegistry(), "s")

		return err
	})
	g.Go(func() (err error) {
		b, err = New(ctx, lb, config(), mgrB, channel.NewRegistry(), "s")

		return err
	})
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	errs := make(chan error, 2)

	go func() { errs <- a.Connecting(ctx) }()

	go func() { errs <- b.Connecting(ctx) }()

	for range 2 {
		err := <-errs
		assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)
	}
}

func TestConfigureFrozenAfterConnecting(t *testing.T) {
	a, b := endpoints(t)

	require.NoError(t, a.Configure(func(c *adapter.Config) { c.CQSize = 256 }))
	connect(t, a, b)

	assert.Equal(t, 256, a.Channel().Adapter().Config().CQSize)
	assert.ErrorIs(t, a.Configure(func(c *adapter.Config) { c.CQSize = 8 }), rdmaerr.ErrConfiguration)
}

func TestResetReconnects(t *testing.T) {
	a, b := endpoints(t)
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error { return a.Reset(ctx) })
	g.Go(func() error { return b.Reset(ctx) })
	require.NoError(t, g.Wait())

	assert.Equal(t, adapter.StateConnecting, a.Channel().Adapter().State())
	assert.Equal(t, adapter.StateConnecting, b.Channel().Adapter().State())
}

func TestSyncWithPeerCancelled(t *testing.T) {
	a, _ := endpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The peer never answers, so the barrier must give up with ctx.
	err := a.SyncWithPeer(ctx, "lonely")
	assert.ErrorIs(t, err, rdmaerr.ErrTransportFailure)
}
