package verbs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Fabric is an in-process RDMA network. Every SimulatedBackend attached to
// the same fabric acts as one host: queue pairs created on different
// backends can be connected to each other and data is moved between their
// registered memory regions.
//
// Completions are generated synchronously when a work request can make
// progress. A send (or write-with-immediate) whose peer has no receive
// posted waits in the sender's queue, the way an RC QP with infinite RNR
// retry would, and everything behind it on that QP waits too so per-QP issue
// order is preserved.
type Fabric struct {
	mu       sync.Mutex
	qps      map[uint32]*simulatedQP
	keys     map[uint32]*simulatedMR
	nextQPN  uint32
	nextKey  uint32
	nextNode uint16
}

// NewFabric creates an empty simulated network.
func NewFabric() *Fabric {
	return &Fabric{
		qps:     make(map[uint32]*simulatedQP),
		keys:    make(map[uint32]*simulatedMR),
		nextQPN: 0x100,
		nextKey: 0x1000,
	}
}

// SimulatedOption customises a simulated host.
type SimulatedOption func(*SimulatedBackend)

// WithLinkLayer sets the link layer reported by every port.
func WithLinkLayer(ll LinkLayer) SimulatedOption {
	return func(b *SimulatedBackend) { b.linkLayer = ll }
}

// WithActiveMTU sets the active MTU reported by every port.
func WithActiveMTU(m MTU) SimulatedOption {
	return func(b *SimulatedBackend) { b.activeMTU = m }
}

// WithPortState sets the state reported by every port.
func WithPortState(s PortState) SimulatedOption {
	return func(b *SimulatedBackend) { b.portState = s }
}

// SimulatedBackend provides a simulated libibverbs implementation for testing.
type SimulatedBackend struct {
	fabric      *Fabric
	contexts    map[Context]*simulatedContext
	pds         map[PD]*simulatedPD
	channels    map[CompChannel]Context
	cqs         map[CQ]*simulatedCQ
	qps         map[QP]*simulatedQP
	mrs         map[MR]*simulatedMR
	metrics     *verbsMetrics
	devices     []DeviceInfo
	nextHandle  uintptr
	node        uint16
	linkLayer   LinkLayer
	activeMTU   MTU
	portState   PortState
	initialized bool
}

type simulatedContext struct {
	device *DeviceInfo
}

type simulatedPD struct {
	ctx Context
}

type simulatedCQ struct {
	completions []WorkCompletion
	ctx         Context
	channel     CompChannel
	size        int
}

type simulatedQP struct {
	backend   *SimulatedBackend
	pd        PD
	sendCQ    CQ
	recvCQ    CQ
	qpType    QPType
	attr      QPAttr
	sigAll    bool
	recvQueue []RecvWR
	sendQueue []SendWR
}

type simulatedMR struct {
	backend *SimulatedBackend
	pd      PD
	addr    uintptr
	length  int
	access  int
	key     uint32
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	RDMAReads     int64
	RDMAWrites    int64
	Completions   int64
	Errors        int64
}

// NewSimulatedBackend creates a simulated host on its own private fabric.
func NewSimulatedBackend(opts ...SimulatedOption) *SimulatedBackend {
	return NewFabric().NewBackend(opts...)
}

// NewBackend attaches a new simulated host to the fabric. Hosts default to
// a RoCE (Ethernet) link layer with a 4096 byte active MTU.
func (f *Fabric) NewBackend(opts ...SimulatedOption) *SimulatedBackend {
	f.mu.Lock()
	f.nextNode++
	node := f.nextNode
	f.mu.Unlock()

	b := &SimulatedBackend{
		fabric:    f,
		contexts:  make(map[Context]*simulatedContext),
		pds:       make(map[PD]*simulatedPD),
		channels:  make(map[CompChannel]Context),
		cqs:       make(map[CQ]*simulatedCQ),
		qps:       make(map[QP]*simulatedQP),
		mrs:       make(map[MR]*simulatedMR),
		metrics:   &verbsMetrics{},
		node:      node,
		linkLayer: LinkLayerEthernet,
		activeMTU: MTU4096,
		portState: PortStateActive,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *SimulatedBackend) Init() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if b.initialized {
		return nil
	}

	// Create simulated RDMA devices
	guid := 0xDEADBEEF00000000 | uint64(b.node)<<8
	b.devices = []DeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         guid | 1,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-6
			FWVer:        "20.35.1012",
			PhysPortCnt:  2,
			MaxQP:        1 << 17,
			MaxCQE:       1 << 22,
			MaxMR:        1 << 24,
			MaxQPWR:      1 << 15,
		},
		{
			Name:         "mlx5_1",
			GUID:         guid | 2,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  2,
			MaxQP:        1 << 17,
			MaxCQE:       1 << 22,
			MaxMR:        1 << 24,
			MaxQPWR:      1 << 15,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedBackend) Close() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	for _, qp := range b.qps {
		delete(b.fabric.qps, qp.attr.QPN)
	}

	for _, mr := range b.mrs {
		delete(b.fabric.keys, mr.key)
	}

	b.contexts = make(map[Context]*simulatedContext)
	b.pds = make(map[PD]*simulatedPD)
	b.channels = make(map[CompChannel]Context)
	b.cqs = make(map[CQ]*simulatedCQ)
	b.qps = make(map[QP]*simulatedQP)
	b.mrs = make(map[MR]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedBackend) GetDeviceList() ([]DeviceInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	result := make([]DeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedBackend) OpenDevice(name string) (Context, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	var device *DeviceInfo

	for i := range b.devices {
		// An empty name selects the first device, as ibv tools do.
		if name == "" || b.devices[i].Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	ctx := Context(b.allocHandle())
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedBackend) CloseDevice(ctx Context) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedBackend) QueryDevice(ctx Context) (DeviceInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simCtx, ok := b.contexts[ctx]
	if !ok {
		return DeviceInfo{}, ErrContextCreation
	}

	return *simCtx.device, nil
}

func (b *SimulatedBackend) QueryPort(ctx Context, port int) (PortAttr, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simCtx, ok := b.contexts[ctx]
	if !ok {
		return PortAttr{}, ErrContextCreation
	}

	if port < 1 || port > simCtx.device.PhysPortCnt {
		return PortAttr{}, fmt.Errorf("%w: port %d out of range 1..%d", ErrQueryPort, port, simCtx.device.PhysPortCnt)
	}

	return PortAttr{
		Port:      port,
		State:     b.portState,
		MaxMTU:    MTU4096,
		ActiveMTU: b.activeMTU,
		LID:       b.node,
		LinkLayer: b.linkLayer,
		GIDTblLen: 4,
	}, nil
}

func (b *SimulatedBackend) QueryGID(ctx Context, port, index int) (GID, error) {
	attr, err := b.QueryPort(ctx, port)
	if err != nil {
		return GID{}, err
	}

	if index < 0 || index >= attr.GIDTblLen {
		return GID{}, fmt.Errorf("%w: index %d out of range 0..%d", ErrQueryGID, index, attr.GIDTblLen-1)
	}

	var gid GID
	if b.linkLayer == LinkLayerEthernet {
		// RoCE v2 IPv4-mapped address 10.0.<port>.<node>
		gid[10], gid[11] = 0xff, 0xff
		gid[12] = 10
		gid[14] = byte(port)   //nolint:gosec // G115: port bounded by PhysPortCnt
		gid[15] = byte(b.node) //nolint:gosec // G115: node ids stay small in tests
	} else {
		gid[0], gid[1] = 0xfe, 0x80
		gid[14] = byte(b.node >> 8)
		gid[15] = byte(b.node) //nolint:gosec // G115: low byte of node id
	}

	return gid, nil
}

func (b *SimulatedBackend) AllocPD(ctx Context) (PD, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	pd := PD(b.allocHandle())
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedBackend) DeallocPD(pd PD) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedBackend) CreateCompChannel(ctx Context) (CompChannel, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrCompChannel
	}

	ch := CompChannel(b.allocHandle())
	b.channels[ch] = ctx

	return ch, nil
}

func (b *SimulatedBackend) DestroyCompChannel(ch CompChannel) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	delete(b.channels, ch)

	return nil
}

func (b *SimulatedBackend) CreateCQ(ctx Context, cqe int, ch CompChannel) (CQ, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	if cqe <= 0 {
		return 0, fmt.Errorf("%w: invalid cqe %d", ErrCQCreation, cqe)
	}

	if ch != 0 {
		if _, ok := b.channels[ch]; !ok {
			return 0, fmt.Errorf("%w: unknown completion channel", ErrCQCreation)
		}
	}

	cq := CQ(b.allocHandle())
	b.cqs[cq] = &simulatedCQ{
		ctx:         ctx,
		channel:     ch,
		size:        cqe,
		completions: make([]WorkCompletion, 0),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedBackend) DestroyCQ(cq CQ) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedBackend) PollCQ(cq CQ, numEntries int) ([]WorkCompletion, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, ErrPollCQ
	}

	// Return any queued completions
	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	if count == 0 {
		return nil, nil
	}

	result := make([]WorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(count))

	return result, nil
}

func (b *SimulatedBackend) CreateQP(pd PD, attr QPInitAttr) (QP, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if _, ok := b.cqs[attr.SendCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown send cq", ErrQPCreation)
	}

	if _, ok := b.cqs[attr.RecvCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown recv cq", ErrQPCreation)
	}

	if attr.MaxSendWR <= 0 || attr.MaxRecvWR <= 0 {
		return 0, fmt.Errorf("%w: queue depth must be positive", ErrQPCreation)
	}

	qp := QP(b.allocHandle())
	qpn := b.fabric.nextQPN
	b.fabric.nextQPN++

	simQP := &simulatedQP{
		backend: b,
		pd:      pd,
		sendCQ:  attr.SendCQ,
		recvCQ:  attr.RecvCQ,
		qpType:  attr.Type,
		sigAll:  attr.SigAll,
		attr: QPAttr{
			State: QPStateReset,
			QPN:   qpn,
			Cap: QPCap{
				MaxSendWR:     uint32(attr.MaxSendWR),     //nolint:gosec // G115: validated positive above
				MaxRecvWR:     uint32(attr.MaxRecvWR),     //nolint:gosec // G115: validated positive above
				MaxSendSge:    uint32(attr.MaxSendSGE),    //nolint:gosec // G115: maxSge bounded by QP config
				MaxRecvSge:    uint32(attr.MaxRecvSGE),    //nolint:gosec // G115: maxSge bounded by QP config
				MaxInlineData: uint32(attr.MaxInlineData), //nolint:gosec // G115: bounded by QP config
			},
		},
	}
	b.qps[qp] = simQP
	b.fabric.qps[qpn] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedBackend) DestroyQP(qp QP) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if simQP, ok := b.qps[qp]; ok {
		delete(b.fabric.qps, simQP.attr.QPN)
	}

	delete(b.qps, qp)

	return nil
}

func (b *SimulatedBackend) ModifyQPToInit(qp QP, attr InitAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateReset {
		return fmt.Errorf("%w: INIT requires RESET, qp is %s", ErrModifyQP, simQP.attr.State)
	}

	if attr.Port < 1 || attr.Port > 2 {
		return fmt.Errorf("%w: invalid port %d", ErrModifyQP, attr.Port)
	}

	simQP.attr.State = QPStateInit
	simQP.attr.PortNum = uint8(attr.Port) //nolint:gosec // G115: validated above
	simQP.attr.AccessFlags = attr.AccessFlags

	return nil
}

func (b *SimulatedBackend) ModifyQPToRTR(qp QP, attr RTRAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateInit {
		return fmt.Errorf("%w: RTR requires INIT, qp is %s", ErrModifyQP, simQP.attr.State)
	}

	if attr.PathMTU < MTU256 || attr.PathMTU > b.activeMTU {
		return fmt.Errorf("%w: path mtu %s exceeds active mtu %s", ErrModifyQP, attr.PathMTU, b.activeMTU)
	}

	if b.linkLayer == LinkLayerEthernet && !attr.AH.IsGlobal {
		return fmt.Errorf("%w: RoCE requires a global route header", ErrModifyQP)
	}

	simQP.attr.State = QPStateRTR
	simQP.attr.PathMTU = attr.PathMTU
	simQP.attr.DestQPN = attr.DestQPN
	simQP.attr.RQPSN = attr.RQPSN
	simQP.attr.MaxDestRdAtomic = attr.MaxDestRdAtomic
	simQP.attr.MinRNRTimer = attr.MinRNRTimer
	simQP.attr.AH = attr.AH

	return nil
}

func (b *SimulatedBackend) ModifyQPToRTS(qp QP, attr RTSAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.attr.State != QPStateRTR {
		return fmt.Errorf("%w: RTS requires RTR, qp is %s", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateRTS
	simQP.attr.Timeout = attr.Timeout
	simQP.attr.RetryCnt = attr.RetryCnt
	simQP.attr.RNRRetry = attr.RNRRetry
	simQP.attr.SQPSN = attr.SQPSN
	simQP.attr.MaxRdAtomic = attr.MaxRdAtomic

	return nil
}

func (b *SimulatedBackend) ModifyQPToReset(qp QP) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	cp := simQP.attr.Cap
	simQP.attr = QPAttr{State: QPStateReset, QPN: simQP.attr.QPN, Cap: cp}
	simQP.recvQueue = nil
	simQP.sendQueue = nil

	return nil
}

func (b *SimulatedBackend) QueryQP(qp QP) (*QPAttr, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	attr := simQP.attr

	return &attr, nil
}

func (b *SimulatedBackend) RegMR(pd PD, addr uintptr, length int, access int) (MemoryRegion, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return MemoryRegion{}, ErrPDCreation
	}

	if addr == 0 || length <= 0 {
		return MemoryRegion{}, fmt.Errorf("%w: empty range", ErrMRCreation)
	}

	mr := MR(b.allocHandle())
	key := b.fabric.nextKey
	b.fabric.nextKey++

	simMR := &simulatedMR{
		backend: b,
		pd:      pd,
		addr:    addr,
		length:  length,
		access:  access,
		key:     key,
	}
	b.mrs[mr] = simMR
	b.fabric.keys[key] = simMR
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return MemoryRegion{
		Handle: mr,
		Addr:   addr,
		Length: length,
		Access: access,
		LKey:   key,
		RKey:   key,
	}, nil
}

func (b *SimulatedBackend) DeregMR(mr MR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region", ErrMRCreation)
	}

	delete(b.fabric.keys, simMR.key)
	delete(b.mrs, mr)

	return nil
}

func (b *SimulatedBackend) PostSend(qp QP, wr *SendWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: unknown queue pair", ErrPostSend)
	}

	if simQP.attr.State != QPStateRTS {
		return fmt.Errorf("%w: queue pair is %s, not RTS", ErrPostSend, simQP.attr.State)
	}

	if len(simQP.sendQueue) >= int(simQP.attr.Cap.MaxSendWR) {
		return fmt.Errorf("%w: %w", ErrPostSend, ErrQueueFull)
	}

	if cq := b.cqs[simQP.sendCQ]; cq != nil && len(cq.completions) >= cq.size {
		return fmt.Errorf("%w: %w: completion queue would overrun", ErrPostSend, ErrQueueFull)
	}

	req := *wr
	req.SGList = append([]SGE(nil), wr.SGList...)
	simQP.sendQueue = append(simQP.sendQueue, req)

	switch wr.Opcode {
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	default:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	b.fabric.progress(simQP)

	return nil
}

func (b *SimulatedBackend) PostRecv(qp QP, wr *RecvWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return fmt.Errorf("%w: unknown queue pair", ErrPostRecv)
	}

	if simQP.attr.State == QPStateReset || simQP.attr.State == QPStateErr {
		return fmt.Errorf("%w: queue pair is %s", ErrPostRecv, simQP.attr.State)
	}

	if len(simQP.recvQueue) >= int(simQP.attr.Cap.MaxRecvWR) {
		return fmt.Errorf("%w: %w", ErrPostRecv, ErrQueueFull)
	}

	req := *wr
	req.SGList = append([]SGE(nil), wr.SGList...)
	simQP.recvQueue = append(simQP.recvQueue, req)
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	// A sender blocked on receiver-not-ready can move now.
	if peer := b.fabric.qps[simQP.attr.DestQPN]; peer != nil && peer.attr.DestQPN == simQP.attr.QPN {
		b.fabric.progress(peer)
	}

	return nil
}

func (b *SimulatedBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"node":           b.node,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}

// allocHandle must be called with the fabric lock held.
func (b *SimulatedBackend) allocHandle() uintptr {
	b.nextHandle++

	return b.nextHandle
}

// progress executes queued send-side work requests of qp in order until one
// of them needs a receive the peer has not posted yet. Called with f.mu held.
func (f *Fabric) progress(qp *simulatedQP) {
	for len(qp.sendQueue) > 0 && qp.attr.State == QPStateRTS {
		wr := qp.sendQueue[0]

		peer := f.qps[qp.attr.DestQPN]
		if peer == nil || peer.attr.State < QPStateRTR || peer.attr.State == QPStateErr || peer.attr.DestQPN != qp.attr.QPN {
			qp.sendQueue = qp.sendQueue[1:]
			qp.complete(qp.sendCQ, WorkCompletion{WRID: wr.WRID, Status: WCRetryExcErr, Opcode: sendOpcode(wr.Opcode), QPN: qp.attr.QPN}, true)
			f.flush(qp)

			return
		}

		if consumesRecv(wr.Opcode) && len(peer.recvQueue) == 0 {
			return
		}

		qp.sendQueue = qp.sendQueue[1:]
		f.execute(qp, peer, wr)
	}
}

func (f *Fabric) execute(qp, peer *simulatedQP, wr SendWR) {
	signaled := qp.sigAll || wr.SendFlags&SendSignaled != 0
	done := WorkCompletion{WRID: wr.WRID, Opcode: sendOpcode(wr.Opcode), QPN: qp.attr.QPN}

	local, ok := f.gather(qp, wr.SGList)
	if !ok {
		done.Status = WCLocalProtErr
		qp.complete(qp.sendCQ, done, true)
		f.flush(qp)

		return
	}

	length := len(local)
	done.ByteLen = uint32(length) //nolint:gosec // G115: bounded by registered region size

	switch wr.Opcode {
	case WROpSend, WROpSendWithImm:
		recv := peer.recvQueue[0]
		peer.recvQueue = peer.recvQueue[1:]

		in := WorkCompletion{
			WRID:    recv.WRID,
			Opcode:  WCOpRecv,
			ByteLen: done.ByteLen,
			QPN:     peer.attr.QPN,
			SrcQP:   qp.attr.QPN,
			SLID:    qp.backend.node,
		}
		if wr.Opcode == WROpSendWithImm {
			in.ImmData = wr.ImmData
			in.WCFlags = WCFlagWithImm
		}

		if !f.scatter(peer, recv.SGList, local) {
			in.Status = WCLocalLenErr
			done.Status = WCRemoteInvalidReqErr
		}

		peer.complete(peer.recvCQ, in, false)

	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		remote, ok := f.remote(peer, wr.RemoteAddr, wr.RKey, length, AccessRemoteWrite)
		if !ok {
			done.Status = WCRemoteAccessErr
			break
		}

		copy(remote, local)

		if wr.Opcode == WROpRDMAWriteWithImm {
			recv := peer.recvQueue[0]
			peer.recvQueue = peer.recvQueue[1:]
			peer.complete(peer.recvCQ, WorkCompletion{
				WRID:    recv.WRID,
				Opcode:  WCOpRecvRDMAWithImm,
				ByteLen: done.ByteLen,
				ImmData: wr.ImmData,
				WCFlags: WCFlagWithImm,
				QPN:     peer.attr.QPN,
				SrcQP:   qp.attr.QPN,
				SLID:    qp.backend.node,
			}, false)
		}

	case WROpRDMARead:
		remote, ok := f.remote(peer, wr.RemoteAddr, wr.RKey, length, AccessRemoteRead)
		if !ok {
			done.Status = WCRemoteAccessErr
			break
		}

		f.scatter(qp, wr.SGList, remote)
	}

	if done.Status != WCSuccess {
		qp.complete(qp.sendCQ, done, true)
		f.flush(qp)

		return
	}

	if signaled {
		qp.complete(qp.sendCQ, done, false)
	}
}

// gather validates the local SGEs against qp's protection domain and
// returns a copy of their contents.
func (f *Fabric) gather(qp *simulatedQP, sges []SGE) ([]byte, bool) {
	var out []byte

	for _, sge := range sges {
		mem, ok := f.local(qp, sge)
		if !ok {
			return nil, false
		}

		out = append(out, mem...)
	}

	return out, true
}

// scatter writes data across the SGEs; it reports false when they are too
// small or not registered.
func (f *Fabric) scatter(qp *simulatedQP, sges []SGE, data []byte) bool {
	for _, sge := range sges {
		if len(data) == 0 {
			return true
		}

		mem, ok := f.local(qp, sge)
		if !ok {
			return false
		}

		n := copy(mem, data)
		data = data[n:]
	}

	return len(data) == 0
}

func (f *Fabric) local(qp *simulatedQP, sge SGE) ([]byte, bool) {
	if sge.Length == 0 {
		return nil, true
	}

	mr := f.keys[sge.LKey]
	if mr == nil || mr.backend != qp.backend || mr.pd != qp.pd {
		return nil, false
	}

	if !mr.contains(sge.Addr, int(sge.Length)) {
		return nil, false
	}

	return memory(sge.Addr, int(sge.Length)), true
}

func (f *Fabric) remote(peer *simulatedQP, addr uint64, rkey uint32, length, access int) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}

	mr := f.keys[rkey]
	if mr == nil || mr.backend != peer.backend || mr.pd != peer.pd {
		return nil, false
	}

	if mr.access&access == 0 || peer.attr.AccessFlags&access == 0 {
		return nil, false
	}

	if !mr.contains(addr, length) {
		return nil, false
	}

	return memory(addr, length), true
}

// flush moves qp to the error state and completes every outstanding work
// request with a flush error.
func (f *Fabric) flush(qp *simulatedQP) {
	qp.attr.State = QPStateErr

	for _, wr := range qp.sendQueue {
		qp.complete(qp.sendCQ, WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: sendOpcode(wr.Opcode), QPN: qp.attr.QPN}, true)
	}

	for _, wr := range qp.recvQueue {
		qp.complete(qp.recvCQ, WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCOpRecv, QPN: qp.attr.QPN}, true)
	}

	qp.sendQueue = nil
	qp.recvQueue = nil
}

func (qp *simulatedQP) complete(cq CQ, wc WorkCompletion, failed bool) {
	if failed {
		atomic.AddInt64(&qp.backend.metrics.Errors, 1)
	}

	if simCQ, ok := qp.backend.cqs[cq]; ok {
		simCQ.completions = append(simCQ.completions, wc)
	}
}

func (mr *simulatedMR) contains(addr uint64, length int) bool {
	start := uint64(mr.addr)
	end := start + uint64(mr.length) //nolint:gosec // G115: length validated positive at registration

	return addr >= start && addr+uint64(length) <= end //nolint:gosec // G115: length non-negative
}

func consumesRecv(op WROpcode) bool {
	return op == WROpSend || op == WROpSendWithImm || op == WROpRDMAWriteWithImm
}

func sendOpcode(op WROpcode) WCOpcode {
	switch op {
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		return WCOpRDMAWrite
	case WROpRDMARead:
		return WCOpRDMARead
	default:
		return WCOpSend
	}
}

// memory views registered memory. Regions registered with the simulated
// backend live outside the Go heap (mmap), so the address stays valid for
// the lifetime of the registration.
func memory(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n) //nolint:govet // registered non-heap memory
}
