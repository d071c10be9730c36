// Package adapter manages the hardware resources and queue pair state
// machine of one RDMA connection.
//
// An Adapter starts in StateReset. Loading allocates the protection domain,
// completion queue and queue pair and produces the local wire.AdapterInfo.
// Connecting consumes the peer's AdapterInfo and drives the queue pair
// through INIT, RTR and RTS. Reset is the only way back.
package adapter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/buffer"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// Queue pair parameters fixed by the transport.
const (
	qpAccess        = verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite
	minRNRTimer     = 12
	maxDestRdAtomic = 1
	maxRdAtomic     = 1
	ackTimeout      = 14
	retryCount      = 7
	rnrRetry        = 7
	hopLimit        = 0xff
)

// State is the lifecycle position of an Adapter.
type State uint32

const (
	StateUnused State = iota
	StateReset
	StateResourceAllocated
	StateConnecting
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "UNUSED"
	case StateReset:
		return "RESET"
	case StateResourceAllocated:
		return "RESOURCE_ALLOCATED"
	case StateConnecting:
		return "CONNECTING"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Adapter is one connection's queue pair, protection domain and completion
// queue.
type Adapter struct {
	mgr       *device.Manager
	id        string
	mu        sync.Mutex
	cfg       Config
	state     State
	allocated bool
	dev       *device.Device
	pd        verbs.PD
	evch      verbs.CompChannel
	cq        *device.CQ
	qp        verbs.QP
	self      wire.AdapterInfo
	peer      wire.AdapterInfo
	wrID      uint64
	mrs       map[uint32]verbs.MemoryRegion
	sq        atomic.Int64
	rq        atomic.Int64
}

// New creates an adapter in StateReset. No hardware is touched until
// Loading.
func New(mgr *device.Manager, id string, cfg Config) *Adapter {
	log.Trace().Str("adapter", id).Msg("Creating adapter")

	return &Adapter{
		mgr:   mgr,
		id:    id,
		cfg:   cfg,
		state: StateReset,
		mrs:   make(map[uint32]verbs.MemoryRegion),
	}
}

// ID returns the adapter id.
func (a *Adapter) ID() string { return a.id }

func (a *Adapter) String() string { return "RDMAAdapter@" + a.id }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Config returns a copy of the configuration.
func (a *Adapter) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cfg
}

// SetConfig replaces the configuration. It fails once resources exist.
func (a *Adapter) SetConfig(cfg Config) error {
	return a.Configure(func(c *Config) { *c = cfg })
}

// Configure mutates the configuration in place. It fails once resources
// exist.
func (a *Adapter) Configure(fn func(*Config)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.allocated {
		return rdmaerr.Configuration("%s is already loaded, configuration is frozen", a)
	}

	fn(&a.cfg)

	return nil
}

// BindWRID sets the work request id carried by every post. The owning
// channel binds its handle here so completions can be routed back.
func (a *Adapter) BindWRID(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.wrID = id
}

// WRID returns the bound work request id.
func (a *Adapter) WRID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.wrID
}

// Loading allocates the hardware resources and returns the local
// AdapterInfo. Calling it again returns the cached info.
func (a *Adapter) Loading() (wire.AdapterInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.allocated {
		log.Warn().Str("adapter", a.id).Msg("Resources are already allocated")

		return a.self, nil
	}

	if !a.cfg.UseSharedCQ {
		a.cfg.CQKey = a.id
	}

	if err := a.cfg.Validate(); err != nil {
		return wire.AdapterInfo{}, fmt.Errorf("invalid configuration for %s: %w", a, err)
	}

	if len(a.id) >= wire.MaxUniqueIDLen {
		return wire.AdapterInfo{}, rdmaerr.Configuration("invalid adapter unique id %q", a.id)
	}

	log.Debug().Str("adapter", a.id).Str("cq", a.cfg.CQKey).Bool("shared_cq", a.cfg.UseSharedCQ).Msg("Preparing adapter resources")

	if err := a.allocateLocked(); err != nil {
		a.releaseLocked()

		return wire.AdapterInfo{}, err
	}

	a.allocated = true
	a.state = StateResourceAllocated

	return a.self, nil
}

func (a *Adapter) allocateLocked() error {
	dev, err := a.mgr.Get(a.cfg.DeviceName)
	if err != nil {
		return err
	}

	port, err := dev.PortAttr(a.cfg.IBPort)
	if err != nil {
		return err
	}

	if err := dev.RegisterAdapter(a.id); err != nil {
		return err
	}

	a.dev = dev

	if a.pd, err = dev.CreatePD(); err != nil {
		return err
	}

	if a.cfg.UseEventChannel {
		if a.evch, err = dev.CreateEventChannel(); err != nil {
			return err
		}

		log.Debug().Str("adapter", a.id).Msg("Adapter works in event mode")
	}

	if !a.cfg.UseSharedCQ && dev.HasCQ(a.cfg.CQKey) {
		return rdmaerr.Configuration("private completion queue %q already exists", a.cfg.CQKey)
	}

	if a.cq, err = dev.CreateCQ(a.cfg.CQKey, a.cfg.CQSize, !a.cfg.UseSharedCQ, a.evch); err != nil {
		return err
	}

	if a.cfg.SignalAll {
		log.Info().Str("adapter", a.id).Msg("Every send work request generates a completion")
	}

	a.qp, err = dev.CreateQP(a.pd, verbs.QPInitAttr{
		SendCQ:        a.cq.Handle,
		RecvCQ:        a.cq.Handle,
		Type:          verbs.QPTypeRC,
		MaxSendWR:     a.cfg.MaxSendWR,
		MaxRecvWR:     a.cfg.MaxRecvWR,
		MaxSendSGE:    a.cfg.MaxSendSGE,
		MaxRecvSGE:    a.cfg.MaxRecvSGE,
		MaxInlineData: a.cfg.MaxInlineData,
		SigAll:        a.cfg.SignalAll,
	})
	if err != nil {
		return err
	}

	return a.describeLocked(port)
}

// describeLocked fills the local AdapterInfo.
func (a *Adapter) describeLocked(port verbs.PortAttr) error {
	gid, err := a.dev.QueryGID(a.cfg.IBPort, a.cfg.GIDIndex)
	if err != nil {
		return err
	}

	attr, err := a.dev.QueryQP(a.qp)
	if err != nil {
		return fmt.Errorf("%w: failed to query queue pair of %s: %w", rdmaerr.ErrResourceAllocation, a, err)
	}

	configured, _ := verbs.MTUFromBytes(a.cfg.MTU) // validated by Config.Validate

	mtu := configured
	if configured > port.ActiveMTU {
		log.Warn().
			Str("adapter", a.id).
			Str("active_mtu", port.ActiveMTU.String()).
			Str("configured_mtu", configured.String()).
			Msg("Active MTU is below the configured MTU, using the active MTU")

		mtu = port.ActiveMTU
		a.cfg.MTU = mtu.Bytes()
	}

	a.self = wire.AdapterInfo{
		GID:       gid,
		QPN:       attr.QPN,
		LID:       port.LID,
		LinkLayer: uint8(port.LinkLayer),
		ActiveMTU: uint8(mtu),
	}

	return a.self.SetID(a.id)
}

// Connecting records the peer's AdapterInfo and moves the queue pair to
// RTS.
func (a *Adapter) Connecting(peer wire.AdapterInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocated {
		return rdmaerr.Configuration("%s must be loaded before connecting", a)
	}

	if peer.IsZero() {
		return rdmaerr.ProtocolViolation("%s received an empty peer adapter info", a)
	}

	if peer.LinkLayer != a.self.LinkLayer {
		return rdmaerr.ProtocolViolation("link layer mismatch: local %s, remote %s",
			verbs.LinkLayer(a.self.LinkLayer), verbs.LinkLayer(peer.LinkLayer))
	}

	a.peer = peer

	log.Debug().
		Str("local_id", a.self.ID()).
		Str("remote_id", peer.ID()).
		Str("local_qpn", fmt.Sprintf("%#x", a.self.QPN)).
		Str("remote_qpn", fmt.Sprintf("%#x", peer.QPN)).
		Str("local_lid", fmt.Sprintf("%#x", a.self.LID)).
		Str("remote_lid", fmt.Sprintf("%#x", peer.LID)).
		Str("local_gid", verbs.GID(a.self.GID).String()).
		Str("remote_gid", verbs.GID(peer.GID).String()).
		Msg("Connecting to remote adapter")

	if err := a.dev.ModifyQPToInit(a.qp, verbs.InitAttr{Port: a.cfg.IBPort, AccessFlags: qpAccess}); err != nil {
		return err
	}

	a.showQPInfoLocked("INIT")

	rtr, err := a.rtrAttrLocked()
	if err != nil {
		return err
	}

	if err := a.dev.ModifyQPToRTR(a.qp, rtr); err != nil {
		return err
	}

	a.showQPInfoLocked("RTR")

	rts := verbs.RTSAttr{
		Timeout:     ackTimeout,
		RetryCnt:    retryCount,
		RNRRetry:    rnrRetry,
		MaxRdAtomic: maxRdAtomic,
	}
	if err := a.dev.ModifyQPToRTS(a.qp, rts); err != nil {
		return err
	}

	a.showQPInfoLocked("RTS")

	a.state = StateConnecting

	return nil
}

func (a *Adapter) rtrAttrLocked() (verbs.RTRAttr, error) {
	mtu := verbs.MTU(a.self.ActiveMTU)
	if peer := verbs.MTU(a.peer.ActiveMTU); peer.Bytes() > 0 && peer < mtu {
		mtu = peer
	}

	attr := verbs.RTRAttr{
		PathMTU:         mtu,
		DestQPN:         a.peer.QPN,
		MaxDestRdAtomic: maxDestRdAtomic,
		MinRNRTimer:     minRNRTimer,
		AH: verbs.AHAttr{
			DLID:    a.peer.LID,
			PortNum: uint8(a.cfg.IBPort), //nolint:gosec // G115: validated port number
		},
	}

	if verbs.LinkLayer(a.self.LinkLayer) == verbs.LinkLayerEthernet {
		if a.cfg.GIDIndex < 0 {
			return verbs.RTRAttr{}, rdmaerr.Configuration("RoCE requires a gid index, got %d", a.cfg.GIDIndex)
		}

		attr.AH.IsGlobal = true
		attr.AH.GRH = verbs.GlobalRoute{
			DGID:         a.peer.GID,
			HopLimit:     hopLimit,
			SGIDIndex:    uint8(a.cfg.GIDIndex), //nolint:gosec // G115: checked non-negative above
			TrafficClass: a.cfg.TrafficClass,
		}

		log.Debug().Str("adapter", a.id).Uint8("traffic_class", a.cfg.TrafficClass).Msg("Using RoCE")
	}

	return attr, nil
}

// ShowQPInfo logs the queue pair state at debug level.
func (a *Adapter) ShowQPInfo(stage string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.showQPInfoLocked(stage)
}

func (a *Adapter) showQPInfoLocked(stage string) {
	if a.dev == nil {
		return
	}

	attr, err := a.dev.QueryQP(a.qp)
	if err != nil {
		log.Debug().Err(err).Str("adapter", a.id).Msg("Failed to query queue pair")

		return
	}

	log.Debug().
		Str("adapter", a.id).
		Str("stage", stage).
		Str("qp_state", attr.State.String()).
		Str("mtu", attr.PathMTU.String()).
		Msg("Queue pair info")
}

// Reset forces the queue pair back to RESET so Connecting can run again.
func (a *Adapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.qp == 0 {
		return rdmaerr.Configuration("%s has no queue pair to reset", a)
	}

	if err := a.dev.ModifyQPToReset(a.qp); err != nil {
		return err
	}

	a.state = StateReset
	a.peer = wire.AdapterInfo{}

	return nil
}

// SelfInfo returns the local AdapterInfo.
func (a *Adapter) SelfInfo() wire.AdapterInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.self
}

// PeerInfo returns the AdapterInfo received from the peer.
func (a *Adapter) PeerInfo() wire.AdapterInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.peer
}

// CQ returns the completion queue, nil before Loading.
func (a *Adapter) CQ() *device.CQ {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cq
}

// CQKey returns the key channels are grouped by.
func (a *Adapter) CQKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cfg.CQKey
}

// Device returns the device, nil before Loading.
func (a *Adapter) Device() *device.Device {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dev
}

// RegisterMemory pins memory in the adapter's protection domain. The
// region is tracked so Close can unpin it before the domain goes away.
func (a *Adapter) RegisterMemory(addr uintptr, length int) (verbs.MemoryRegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return verbs.MemoryRegion{}, rdmaerr.Configuration("%s must be loaded before registering memory", a)
	}

	mr, err := a.dev.RegisterMemory(a.pd, addr, length, 0)
	if err != nil {
		return verbs.MemoryRegion{}, err
	}

	a.mrs[mr.LKey] = mr

	return mr, nil
}

// DeregisterMemory unpins a region registered through this adapter. A
// region already unpinned by Close is not an error.
func (a *Adapter) DeregisterMemory(mr verbs.MemoryRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.mrs[mr.LKey]; !ok {
		if a.dev == nil {
			return nil
		}

		return rdmaerr.Configuration("memory region %#x is not registered on %s", mr.LKey, a)
	}

	delete(a.mrs, mr.LKey)

	return a.dev.DeregisterMemory(mr)
}

// Registered returns the number of memory regions pinned through a.
func (a *Adapter) Registered() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.mrs)
}

func (a *Adapter) checkLocal(op string, buf *buffer.Buffer, length int) error {
	if buf == nil {
		return rdmaerr.Configuration("%s: buffer is nil", op)
	}

	if !buf.Registered() {
		return rdmaerr.Configuration("%s: buffer %s is not registered", op, buf.Name())
	}

	if length < 0 || length > buf.Size() {
		return rdmaerr.Configuration("invalid data length %d to %s, exceeding the buffer size %d", length, op, buf.Size())
	}

	return nil
}

func checkRemote(op string, length int, desc wire.CommDescriptor) error {
	if uint64(length) > desc.Length { //nolint:gosec // G115: length checked non-negative
		return rdmaerr.Configuration("invalid data length %d to %s, exceeding the peer buffer size %d", length, op, desc.Length)
	}

	return nil
}

func sge(buf *buffer.Buffer, length int) verbs.SGE {
	return verbs.SGE{
		Addr:   uint64(buf.Addr()),
		Length: uint32(length), //nolint:gosec // G115: bounded by buffer size
		LKey:   buf.LKey(),
	}
}

// target returns what a post needs. It fails once the queue pair is gone.
func (a *Adapter) target(op string) (*device.Device, verbs.QP, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil || a.qp == 0 {
		return nil, 0, 0, rdmaerr.Configuration("cannot %s on %s: no queue pair, adapter is %s", op, a, a.state)
	}

	return a.dev, a.qp, a.wrID, nil
}

// post counts one work request on counter for the duration of fn and
// rolls the count back when fn fails.
func post(counter *atomic.Int64, fn func() error) error {
	counter.Add(1)

	if err := fn(); err != nil {
		counter.Add(-1)

		return err
	}

	return nil
}

// SendRemote sends the first length bytes of buf carrying tag.
func (a *Adapter) SendRemote(buf *buffer.Buffer, length int, tag wire.Tag) error {
	if err := a.checkLocal("send", buf, length); err != nil {
		return err
	}

	dev, qp, wrID, err := a.target("send")
	if err != nil {
		return err
	}

	return post(&a.sq, func() error {
		return dev.PostSend(qp, wrID, sge(buf, length), uint32(tag))
	})
}

// RecvRemote posts a receive of up to length bytes into buf.
func (a *Adapter) RecvRemote(buf *buffer.Buffer, length int) error {
	if err := a.checkLocal("recv", buf, length); err != nil {
		return err
	}

	dev, qp, wrID, err := a.target("recv")
	if err != nil {
		return err
	}

	return post(&a.rq, func() error {
		return dev.PostRecv(qp, wrID, sge(buf, length))
	})
}

// ReadRemote reads length bytes from the peer buffer desc into buf.
func (a *Adapter) ReadRemote(buf *buffer.Buffer, length int, desc wire.CommDescriptor) error {
	if err := a.checkLocal("read", buf, length); err != nil {
		return err
	}

	if err := checkRemote("read", length, desc); err != nil {
		return err
	}

	dev, qp, wrID, err := a.target("read")
	if err != nil {
		return err
	}

	return post(&a.sq, func() error {
		return dev.PostRead(qp, wrID, sge(buf, length), desc.Addr, desc.RKey)
	})
}

// WriteRemote writes length bytes of buf into the peer buffer desc. With
// notify set the write also consumes a receive on the peer and delivers
// tag to it.
func (a *Adapter) WriteRemote(buf *buffer.Buffer, length int, desc wire.CommDescriptor, tag wire.Tag, notify bool) error {
	if err := a.checkLocal("write", buf, length); err != nil {
		return err
	}

	if err := checkRemote("write", length, desc); err != nil {
		return err
	}

	dev, qp, wrID, err := a.target("write")
	if err != nil {
		return err
	}

	return post(&a.sq, func() error {
		if notify {
			return dev.PostWriteWithImm(qp, wrID, sge(buf, length), desc.Addr, desc.RKey, uint32(tag))
		}

		return dev.PostWrite(qp, wrID, sge(buf, length), desc.Addr, desc.RKey)
	})
}

// Outstanding returns the send and receive work requests posted and not
// yet retired.
func (a *Adapter) Outstanding() (sq, rq int64) {
	return a.sq.Load(), a.rq.Load()
}

// Retire accounts for one completion.
func (a *Adapter) Retire(wc *verbs.WorkCompletion) {
	if wc.Opcode&verbs.WCOpRecv != 0 {
		a.rq.Add(-1)

		return
	}

	a.sq.Add(-1)
}

// PollBatch polls up to maxEntries completions from the adapter's queue.
// With a shared queue the result may belong to other adapters.
func (a *Adapter) PollBatch(maxEntries int) ([]verbs.WorkCompletion, error) {
	a.mu.Lock()
	dev, cq := a.dev, a.cq
	a.mu.Unlock()

	if cq == nil {
		return nil, rdmaerr.Configuration("%s has no completion queue", a)
	}

	return dev.PollCQ(cq.Handle, maxEntries)
}

// Close destroys the queue pair, releases a private completion queue,
// unpins every memory region still registered, releases the protection
// domain and unregisters from the device. Posts fail afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseLocked()
	a.allocated = false
	a.state = StateReset

	return nil
}

func (a *Adapter) releaseLocked() {
	if a.dev == nil {
		return
	}

	if a.qp != 0 {
		if err := a.dev.DestroyQP(a.qp); err != nil {
			log.Warn().Err(err).Str("adapter", a.id).Msg("Failed to destroy queue pair")
		}

		a.qp = 0
	}

	if a.cq != nil && a.cq.Private {
		if err := a.dev.DestroyCQ(a.cq.Key); err != nil {
			log.Warn().Err(err).Str("adapter", a.id).Msg("Failed to destroy completion queue")
		}
	}

	a.cq = nil

	if a.evch != 0 {
		if err := a.dev.DestroyEventChannel(a.evch); err != nil {
			log.Warn().Err(err).Str("adapter", a.id).Msg("Failed to destroy completion channel")
		}

		a.evch = 0
	}

	for key, mr := range a.mrs {
		if err := a.dev.DeregisterMemory(mr); err != nil {
			log.Warn().Err(err).Str("adapter", a.id).Uint32("lkey", key).Msg("Failed to deregister memory region")
		}

		delete(a.mrs, key)
	}

	if a.pd != 0 {
		if err := a.dev.DestroyPD(a.pd); err != nil {
			log.Warn().Err(err).Str("adapter", a.id).Msg("Failed to release protection domain")
		}

		a.pd = 0
	}

	a.dev.UnregisterAdapter(a.id)
	a.dev = nil
}
