package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

func privateConfig() Config {
	cfg := DefaultConfig()
	cfg.UseSharedCQ = false

	return cfg
}

func newAdapter(t *testing.T, backend verbs.Backend, id string, cfg Config) *Adapter {
	t.Helper()

	mgr := device.NewManager(backend)
	t.Cleanup(func() { _ = mgr.Close() })

	a := New(mgr, id, cfg)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func registered(t *testing.T, a *Adapter, blockSize, numBlocks int, name string) *buffer.Buffer {
	t.Helper()

	buf, err := buffer.Allocate(blockSize, numBlocks, name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Release() })

	require.NoError(t, buf.Register(a))

	return buf
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnused, "UNUSED"},
		{StateReset, "RESET"},
		{StateResourceAllocated, "RESOURCE_ALLOCATED"},
		{StateConnecting, "CONNECTING"},
		{State(9), "State(9)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "mlx5_0", cfg.DeviceName)
	assert.Equal(t, 1024, cfg.CQSize)
	assert.Equal(t, 1, cfg.IBPort)
	assert.Equal(t, 3, cfg.GIDIndex)
	assert.Equal(t, 4096, cfg.MTU)
	assert.True(t, cfg.UseSharedCQ)
	assert.Empty(t, cfg.CQKey)
	assert.Equal(t, 128, cfg.MaxSendWR)
	assert.Equal(t, 128, cfg.MaxRecvWR)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mtu", func(c *Config) { c.MTU = 1500 }},
		{"zero cq", func(c *Config) { c.CQSize = 0 }},
		{"zero port", func(c *Config) { c.IBPort = 0 }},
		{"zero send wr", func(c *Config) { c.MaxSendWR = 0 }},
		{"zero recv sge", func(c *Config) { c.MaxRecvSGE = 0 }},
		{"shared without key", func(c *Config) { c.UseSharedCQ, c.CQKey = true, "" }},
		{"negative inline", func(c *Config) { c.MaxInlineData = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := privateConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), rdmaerr.ErrConfiguration)
		})
	}

	cfg := privateConfig()
	assert.NoError(t, cfg.Validate())
}

func TestNewAdapterStartsInReset(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	assert.Equal(t, StateReset, a.State())
	assert.Equal(t, "RDMAAdapter@a", a.String())
	assert.Nil(t, a.CQ())
	assert.Nil(t, a.Device())
}

func TestLoadingAllocatesResources(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "adapter-1", privateConfig())

	info, err := a.Loading()
	require.NoError(t, err)

	assert.Equal(t, StateResourceAllocated, a.State())
	assert.Equal(t, "adapter-1", info.ID())
	assert.NotZero(t, info.QPN)
	assert.Equal(t, uint8(verbs.LinkLayerEthernet), info.LinkLayer)
	assert.Equal(t, uint8(verbs.MTU4096), info.ActiveMTU)
	assert.False(t, verbs.GID(info.GID).IsZero())

	// Private mode keys the queue by adapter id.
	assert.Equal(t, "adapter-1", a.CQKey())
	require.NotNil(t, a.CQ())
	assert.True(t, a.CQ().Private)
	assert.Equal(t, 1, a.Device().Adapters())

	again, err := a.Loading()
	require.NoError(t, err)
	assert.Equal(t, info, again)
}

func TestLoadingClampsMTU(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(verbs.WithActiveMTU(verbs.MTU1024)), "a", privateConfig())

	info, err := a.Loading()
	require.NoError(t, err)

	assert.Equal(t, uint8(verbs.MTU1024), info.ActiveMTU)
	assert.Equal(t, 1024, a.Config().MTU)
}

func TestLoadingKeepsLowerConfiguredMTU(t *testing.T) {
	cfg := privateConfig()
	cfg.MTU = 1024

	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", cfg)

	info, err := a.Loading()
	require.NoError(t, err)
	assert.Equal(t, uint8(verbs.MTU1024), info.ActiveMTU)
}

func TestLoadingRejectsLongID(t *testing.T) {
	id := make([]byte, wire.MaxUniqueIDLen)
	for i := range id {
		id[i] = 'x'
	}

	a := newAdapter(t, verbs.NewSimulatedBackend(), string(id), privateConfig())

	_, err := a.Loading()
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
	assert.Equal(t, StateReset, a.State())
}

func TestLoadingSharedWithoutKey(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", DefaultConfig())

	_, err := a.Loading()
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
}

func TestLoadingInactivePortRollsBack(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(verbs.WithPortState(verbs.PortStateDown)), "a", privateConfig())

	_, err := a.Loading()
	require.ErrorIs(t, err, rdmaerr.ErrConfiguration)
	assert.Equal(t, StateReset, a.State())

	// Configuration is still mutable after a failed load.
	assert.NoError(t, a.Configure(func(c *Config) { c.CQSize = 64 }))
}

func TestSharedCQAcrossAdapters(t *testing.T) {
	mgr := device.NewManager(verbs.NewSimulatedBackend())
	t.Cleanup(func() { _ = mgr.Close() })

	cfg := DefaultConfig()
	cfg.CQKey = "SharedCQ@s"

	a := New(mgr, "a", cfg)
	b := New(mgr, "b", cfg)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	_, err := a.Loading()
	require.NoError(t, err)
	_, err = b.Loading()
	require.NoError(t, err)

	assert.Same(t, a.CQ(), b.CQ())
	assert.Equal(t, 2, a.Device().Adapters())
}

func TestPrivateCQCollision(t *testing.T) {
	mgr := device.NewManager(verbs.NewSimulatedBackend())
	t.Cleanup(func() { _ = mgr.Close() })

	dev, err := mgr.Get("mlx5_0")
	require.NoError(t, err)

	_, err = dev.CreateCQ("a", 16, true, 0)
	require.NoError(t, err)

	a := New(mgr, "a", privateConfig())
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Loading()
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
	assert.Zero(t, dev.Adapters())
}

func TestSetConfigFrozenAfterLoading(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	cfg := privateConfig()
	cfg.CQSize = 64
	require.NoError(t, a.SetConfig(cfg))
	assert.Equal(t, 64, a.Config().CQSize)

	_, err := a.Loading()
	require.NoError(t, err)

	err = a.SetConfig(privateConfig())
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
	assert.Equal(t, 64, a.Config().CQSize)
}

func TestConnectingRejectsBadPeer(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	err := a.Connecting(wire.AdapterInfo{})
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration, "must load first")

	self, err := a.Loading()
	require.NoError(t, err)

	err = a.Connecting(wire.AdapterInfo{QPN: 0x100})
	assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)

	peer := self
	require.NoError(t, peer.SetID("peer"))
	peer.LinkLayer = uint8(verbs.LinkLayerInfiniBand)

	err = a.Connecting(peer)
	assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)
	assert.Equal(t, StateResourceAllocated, a.State())
}

func TestConnectingRoCERequiresGIDIndex(t *testing.T) {
	fabric := verbs.NewFabric()

	cfg := privateConfig()
	cfg.GIDIndex = -1

	a := newAdapter(t, fabric.NewBackend(), "a", cfg)
	b := newAdapter(t, fabric.NewBackend(), "b", privateConfig())

	// QueryGID rejects a negative index, so load with a valid one first.
	require.NoError(t, a.Configure(func(c *Config) { c.GIDIndex = 0 }))

	_, err := a.Loading()
	require.NoError(t, err)

	peer, err := b.Loading()
	require.NoError(t, err)

	a.mu.Lock()
	a.cfg.GIDIndex = -1
	a.mu.Unlock()

	err = a.Connecting(peer)
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
}

// pair loads two adapters on one fabric and connects them to each other.
func pair(t *testing.T, opts ...verbs.SimulatedOption) (*Adapter, *Adapter) {
	t.Helper()

	fabric := verbs.NewFabric()

	a := newAdapter(t, fabric.NewBackend(opts...), "a", privateConfig())
	b := newAdapter(t, fabric.NewBackend(opts...), "b", privateConfig())

	infoA, err := a.Loading()
	require.NoError(t, err)
	infoB, err := b.Loading()
	require.NoError(t, err)

	require.NoError(t, a.Connecting(infoB))
	require.NoError(t, b.Connecting(infoA))

	return a, b
}

func TestConnectingReachesRTS(t *testing.T) {
	a, b := pair(t)

	assert.Equal(t, StateConnecting, a.State())
	assert.Equal(t, "b", a.PeerInfo().ID())
	assert.Equal(t, "a", b.PeerInfo().ID())

	attr, err := a.Device().QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, verbs.QPStateRTS, attr.State)
	assert.Equal(t, b.SelfInfo().QPN, attr.DestQPN)
	assert.True(t, attr.AH.IsGlobal)
	assert.Equal(t, uint8(hopLimit), attr.AH.GRH.HopLimit)
	assert.Equal(t, uint8(minRNRTimer), attr.MinRNRTimer)
	assert.Equal(t, uint8(ackTimeout), attr.Timeout)
}

func TestConnectingInfiniBand(t *testing.T) {
	a, _ := pair(t, verbs.WithLinkLayer(verbs.LinkLayerInfiniBand))

	attr, err := a.Device().QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, verbs.QPStateRTS, attr.State)
	assert.False(t, attr.AH.IsGlobal)
}

func TestResetAllowsReconnect(t *testing.T) {
	a, b := pair(t)

	require.NoError(t, a.Reset())
	assert.Equal(t, StateReset, a.State())
	assert.True(t, a.PeerInfo().IsZero())

	require.NoError(t, a.Connecting(b.SelfInfo()))
	assert.Equal(t, StateConnecting, a.State())
}

func TestResetWithoutQP(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	assert.ErrorIs(t, a.Reset(), rdmaerr.ErrConfiguration)
}

func TestSendRecv(t *testing.T) {
	a, b := pair(t)
	a.BindWRID(7)
	b.BindWRID(9)

	src := registered(t, a, 64, 1, "src")
	dst := registered(t, b, 64, 1, "dst")

	require.NoError(t, src.FillIn([]byte("hello")))
	require.NoError(t, b.RecvRemote(dst, 64))
	require.NoError(t, a.SendRemote(src, 5, wire.TagSayHello))

	sq, rq := a.Outstanding()
	assert.Equal(t, int64(1), sq)
	assert.Zero(t, rq)

	wcs, err := b.PollBatch(16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)

	wc := wcs[0]
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, verbs.WCOpRecv, wc.Opcode)
	assert.Equal(t, uint64(9), wc.WRID)
	assert.Equal(t, uint32(wire.TagSayHello), wc.ImmData)
	assert.Equal(t, uint32(5), wc.ByteLen)
	assert.Equal(t, "hello", string(dst.Bytes()[:5]))

	b.Retire(&wc)
	_, rq = b.Outstanding()
	assert.Zero(t, rq)

	wcs, err = a.PollBatch(16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, verbs.WCOpSend, wcs[0].Opcode)
	assert.Equal(t, uint64(7), wcs[0].WRID)

	a.Retire(&wcs[0])
	sq, _ = a.Outstanding()
	assert.Zero(t, sq)
}

func TestWriteAndRead(t *testing.T) {
	a, b := pair(t)

	local := registered(t, a, 128, 1, "local")
	sink := registered(t, b, 128, 1, "sink")
	back := registered(t, a, 128, 1, "back")

	require.NoError(t, local.FillIn([]byte("written")))
	require.NoError(t, a.WriteRemote(local, 7, sink.Descriptor(), wire.TagUnset, false))

	wcs, err := a.PollBatch(16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, verbs.WCOpRDMAWrite, wcs[0].Opcode)
	assert.Equal(t, "written", string(sink.Bytes()[:7]))

	require.NoError(t, a.ReadRemote(back, 7, sink.Descriptor()))

	wcs, err = a.PollBatch(16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, verbs.WCOpRDMARead, wcs[0].Opcode)
	assert.Equal(t, "written", string(back.Bytes()[:7]))
}

func TestWriteWithNotify(t *testing.T) {
	a, b := pair(t)

	local := registered(t, a, 64, 1, "local")
	sink := registered(t, b, 64, 1, "sink")
	recv := registered(t, b, 64, 1, "recv")

	require.NoError(t, b.RecvRemote(recv, 64))
	require.NoError(t, a.WriteRemote(local, 32, sink.Descriptor(), wire.TagResponseExchangeKey, true))

	wcs, err := b.PollBatch(16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, verbs.WCOpRecvRDMAWithImm, wcs[0].Opcode)
	assert.True(t, wcs[0].HasImm())
	assert.Equal(t, uint32(wire.TagResponseExchangeKey), wcs[0].ImmData)

	b.Retire(&wcs[0])
	_, rq := b.Outstanding()
	assert.Zero(t, rq)
}

func TestDataPathValidation(t *testing.T) {
	a, b := pair(t)

	small := registered(t, a, 16, 1, "small")
	sink := registered(t, b, 16, 1, "sink")

	unregistered, err := buffer.Allocate(16, 1, "unregistered")
	require.NoError(t, err)
	t.Cleanup(func() { _ = unregistered.Release() })

	tests := []struct {
		name string
		post func() error
	}{
		{"send too long", func() error { return a.SendRemote(small, 17, wire.TagUnset) }},
		{"recv too long", func() error { return a.RecvRemote(small, 17) }},
		{"send unregistered", func() error { return a.SendRemote(unregistered, 1, wire.TagUnset) }},
		{"recv nil", func() error { return a.RecvRemote(nil, 1) }},
		{"read beyond peer", func() error {
			desc := sink.Descriptor()
			desc.Length = 8

			return a.ReadRemote(small, 16, desc)
		}},
		{"write beyond peer", func() error {
			desc := sink.Descriptor()
			desc.Length = 8

			return a.WriteRemote(small, 16, desc, wire.TagUnset, true)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.post(), rdmaerr.ErrConfiguration)
		})
	}

	sq, rq := a.Outstanding()
	assert.Zero(t, sq, "nothing posted on validation failure")
	assert.Zero(t, rq)
}

func TestRegisterMemoryBeforeLoading(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	buf, err := buffer.Allocate(16, 1, "early")
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Release() })

	assert.ErrorIs(t, buf.Register(a), rdmaerr.ErrConfiguration)
}

func TestCloseReleasesAdapter(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	_, err := a.Loading()
	require.NoError(t, err)

	dev := a.Device()
	require.NoError(t, a.Close())

	assert.Zero(t, dev.Adapters())
	assert.False(t, dev.HasCQ("a"))
	assert.Equal(t, StateReset, a.State())

	// A closed adapter can be loaded again.
	_, err = a.Loading()
	assert.NoError(t, err)
}

func TestLoadingAppliesMaxInlineData(t *testing.T) {
	cfg := privateConfig()
	cfg.MaxInlineData = 64

	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", cfg)

	_, err := a.Loading()
	require.NoError(t, err)

	attr, err := a.Device().QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), attr.Cap.MaxInlineData)
}

func TestPostsAfterCloseFail(t *testing.T) {
	a, b := pair(t)

	buf := registered(t, a, 64, 1, "buf")
	sink := registered(t, b, 64, 1, "sink")
	assert.Equal(t, 1, a.Registered())

	require.NoError(t, a.Close())
	assert.Zero(t, a.Registered(), "close unpins tracked regions")

	tests := []struct {
		name string
		post func() error
	}{
		{"send", func() error { return a.SendRemote(buf, 8, wire.TagUnset) }},
		{"recv", func() error { return a.RecvRemote(buf, 8) }},
		{"read", func() error { return a.ReadRemote(buf, 8, sink.Descriptor()) }},
		{"write", func() error { return a.WriteRemote(buf, 8, sink.Descriptor(), wire.TagUnset, false) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.ErrorIs(t, tt.post(), rdmaerr.ErrConfiguration)
			})
		})
	}

	assert.NoError(t, buf.Release(), "region already released by close")
}

func TestDeregisterUnknownRegion(t *testing.T) {
	a := newAdapter(t, verbs.NewSimulatedBackend(), "a", privateConfig())

	_, err := a.Loading()
	require.NoError(t, err)

	err = a.DeregisterMemory(verbs.MemoryRegion{LKey: 12345})
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
}

func TestRejectedPostLeavesCountersAlone(t *testing.T) {
	a, b := pair(t)

	buf := registered(t, a, 64, 1, "buf")
	sink := registered(t, b, 64, 1, "sink")

	require.NoError(t, a.Reset())

	assert.Error(t, a.SendRemote(buf, 8, wire.TagUnset))
	assert.Error(t, a.RecvRemote(buf, 8))
	assert.Error(t, a.WriteRemote(buf, 8, sink.Descriptor(), wire.TagUnset, true))
	assert.Error(t, a.ReadRemote(buf, 8, sink.Descriptor()))

	sq, rq := a.Outstanding()
	assert.Zero(t, sq)
	assert.Zero(t, rq)
}
